package reminder

import (
	"context"
	"strings"
	"sync"
	"time"

	"calremind/internal/ics"
	appLog "calremind/internal/log"
)

// tzCache resolves calendar timezones, remembering each calendar's zone for
// the lifetime of the cache (one materialization call or one processing
// pass).
type tzCache struct {
	calendars CalendarBackend
	fallback  *time.Location

	mu    sync.Mutex
	zones map[int64]*time.Location
}

func newTZCache(calendars CalendarBackend, fallback *time.Location) *tzCache {
	return &tzCache{
		calendars: calendars,
		fallback:  fallback,
		zones:     make(map[int64]*time.Location),
	}
}

// Location returns the zone all-day and floating values of calendarID are
// anchored in. Any failure falls back to the server default.
func (c *tzCache) Location(ctx context.Context, calendarID int64) *time.Location {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loc, ok := c.zones[calendarID]; ok {
		return loc
	}
	loc := c.lookup(ctx, calendarID)
	c.zones[calendarID] = loc
	return loc
}

func (c *tzCache) lookup(ctx context.Context, calendarID int64) *time.Location {
	cal, err := c.calendars.GetCalendarByID(ctx, calendarID)
	if err != nil {
		appLog.Warn("calendar lookup failed, using default timezone", "calendar_id", calendarID, "err", err)
		return c.fallback
	}
	if strings.TrimSpace(cal.Timezone) == "" {
		return c.fallback
	}
	loc, err := ics.ParseTimezoneDefinition(cal.Timezone)
	if err != nil {
		appLog.Warn("calendar timezone unusable, using default timezone", "calendar_id", calendarID, "err", err)
		return c.fallback
	}
	return loc
}
