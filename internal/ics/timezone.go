package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calremind/internal/log"
)

// ErrNoTimezone is returned when a timezone definition holds no VTIMEZONE.
var ErrNoTimezone = errors.New("ics: no VTIMEZONE in definition")

// ParseTimezoneDefinition parses a calendar's stored timezone property: a
// VCALENDAR wrapping exactly one VTIMEZONE.
//
// The TZID is looked up in the tz database first. Unknown TZIDs become a
// fixed zone built from the STANDARD component's TZOFFSETTO (or DAYLIGHT's
// when there is no STANDARD).
func ParseTimezoneDefinition(def string) (*time.Location, error) {
	if strings.TrimSpace(def) == "" {
		return nil, ErrNoTimezone
	}
	cal, err := ical.ParseCalendar(bytes.NewReader([]byte(def)))
	if err != nil {
		return nil, fmt.Errorf("ics: parse timezone definition: %w", err)
	}
	tzs := cal.Timezones()
	if len(tzs) == 0 {
		return nil, ErrNoTimezone
	}
	return locationFromVTimezone(tzs[0])
}

func locationFromVTimezone(tz *ical.VTimezone) (*time.Location, error) {
	idProp := tz.GetProperty(ical.ComponentPropertyTzid)
	if idProp == nil || strings.TrimSpace(idProp.Value) == "" {
		return nil, errors.New("ics: VTIMEZONE without TZID")
	}
	tzid := strings.TrimSpace(idProp.Value)

	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc, nil
	}

	var fallback *ical.IANAProperty
	for _, c := range tz.Components {
		switch sub := c.(type) {
		case *ical.Standard:
			if p := sub.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto)); p != nil {
				return fixedZone(tzid, p.Value)
			}
		case *ical.Daylight:
			if fallback == nil {
				fallback = sub.GetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto))
			}
		}
	}
	if fallback != nil {
		return fixedZone(tzid, fallback.Value)
	}
	return nil, fmt.Errorf("ics: unknown TZID %q without offsets", tzid)
}

// fixedZone parses a UTC offset ("+0100", "-1100", "+053000").
func fixedZone(name, offset string) (*time.Location, error) {
	s := strings.TrimSpace(offset)
	if len(s) != 5 && len(s) != 7 {
		return nil, fmt.Errorf("ics: invalid UTC offset %q", offset)
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("ics: invalid UTC offset %q", offset)
	}

	hh, err1 := strconv.Atoi(s[1:3])
	mm, err2 := strconv.Atoi(s[3:5])
	ss := 0
	var err3 error
	if len(s) == 7 {
		ss, err3 = strconv.Atoi(s[5:7])
	}
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("ics: invalid UTC offset %q", offset)
	}
	return time.FixedZone(name, sign*(hh*3600+mm*60+ss)), nil
}

// embeddedZones indexes the VTIMEZONEs carried by a calendar object.
func embeddedZones(cal *ical.Calendar) map[string]*time.Location {
	zones := make(map[string]*time.Location)
	for _, tz := range cal.Timezones() {
		loc, err := locationFromVTimezone(tz)
		if err != nil {
			appLog.Debug("ics embedded timezone skipped", "err", err)
			continue
		}
		if p := tz.GetProperty(ical.ComponentPropertyTzid); p != nil {
			zones[strings.TrimSpace(p.Value)] = loc
		}
	}
	return zones
}

// resolveTZID maps a TZID parameter to a location. Unresolvable TZIDs
// return nil so the value is treated as floating.
func resolveTZID(tzid string, zones map[string]*time.Location) *time.Location {
	if loc, ok := zones[tzid]; ok {
		return loc
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc
	}
	appLog.Debug("ics unknown TZID treated as floating", "tzid", tzid)
	return nil
}

// TimezoneDefinition renders loc as a calendar timezone property, the form
// ParseTimezoneDefinition reads back. The STANDARD block carries the zone's
// current offset for readers that do not know the TZID.
func TimezoneDefinition(loc *time.Location) string {
	_, offset := time.Now().In(loc).Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	utcOffset := fmt.Sprintf("%c%02d%02d", sign, offset/3600, (offset%3600)/60)

	cal := ical.NewCalendarFor("calremind")
	tz := cal.AddTimezone(loc.String())
	std := tz.AddStandard()
	std.SetProperty(ical.ComponentPropertyDtStart, "19700101T000000")
	std.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom), utcOffset)
	std.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto), utcOffset)
	return cal.Serialize()
}
