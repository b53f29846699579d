package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	ical "github.com/arran4/golang-ical"
)

// ErrEmptyFeed is returned when a feed carries no VEVENT with a UID.
var ErrEmptyFeed = errors.New("feed: no events")

// Object is one calendar object cut out of a feed: the master VEVENT of a
// UID, its RECURRENCE-ID overrides and every VTIMEZONE of the feed.
type Object struct {
	UID  string
	URI  string
	Data string
}

// Split cuts a whole-calendar feed into per-UID calendar objects, in order
// of first appearance. Events without a UID are skipped.
func Split(body []byte) ([]Object, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feed: parse: %w", err)
	}

	zones := cal.Timezones()
	groups := make(map[string][]*ical.VEvent)
	var order []string
	for _, ve := range cal.Events() {
		p := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if p == nil || strings.TrimSpace(p.Value) == "" {
			continue
		}
		uid := p.Value
		if _, seen := groups[uid]; !seen {
			order = append(order, uid)
		}
		groups[uid] = append(groups[uid], ve)
	}
	if len(order) == 0 {
		return nil, ErrEmptyFeed
	}

	out := make([]Object, 0, len(order))
	for _, uid := range order {
		obj := ical.NewCalendarFor("calremind")
		for _, tz := range zones {
			obj.Components = append(obj.Components, tz)
		}
		for _, ve := range groups[uid] {
			obj.Components = append(obj.Components, ve)
		}
		out = append(out, Object{UID: uid, URI: objectURI(uid), Data: obj.Serialize()})
	}
	return out, nil
}

// objectURI derives a stable object name from a UID. Overlong UIDs are
// hashed to fit the store's URI column.
func objectURI(uid string) string {
	name := url.PathEscape(uid)
	if len(name) > 200 {
		sum := sha256.Sum256([]byte(uid))
		name = hex.EncodeToString(sum[:])
	}
	return name + ".ics"
}
