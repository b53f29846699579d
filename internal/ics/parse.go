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
	"calremind/internal/model"
)

// ErrNoEvent is returned when a calendar object holds nothing that can be
// scheduled: unparsable text, no VEVENT, or a VEVENT without DTSTART.
var ErrNoEvent = errors.New("ics: no schedulable event")

// ErrMalformed accompanies ErrNoEvent when the body is not iCalendar at all.
var ErrMalformed = errors.New("ics: malformed calendar")

// DateValue is a DTSTART/DTEND/EXDATE/RDATE/RECURRENCE-ID value before it is
// pinned to an instant.
//
// DATE values and floating DATE-TIMEs carry no location; they are anchored in
// whatever zone the caller resolves for the owning calendar.
type DateValue struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int

	IsDate bool
	Loc    *time.Location // nil for DATE and floating values
}

// In returns the instant of v, using fallback for DATE and floating values.
func (v DateValue) In(fallback *time.Location) time.Time {
	loc := v.Loc
	if loc == nil {
		loc = fallback
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(v.Year, v.Month, v.Day, v.Hour, v.Minute, v.Second, 0, loc)
}

// Floating reports whether v depends on the calendar zone.
func (v DateValue) Floating() bool {
	return v.Loc == nil
}

// ParsedEvent is the normalized representation of a VEVENT.
type ParsedEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	Status      string

	Start    DateValue
	End      *DateValue
	Duration *Duration

	RawRRule     string
	ExDates      []DateValue
	RDates       []DateValue
	RecurrenceID *DateValue // set on overrides only

	Alarms []AlarmDefinition

	// scheduleLines are the canonical serializations feeding EventHash.
	scheduleLines []string
}

// AllDay reports whether the event starts on a DATE value.
func (e *ParsedEvent) AllDay() bool {
	return e.Start.IsDate
}

// Cancelled reports STATUS:CANCELLED.
func (e *ParsedEvent) Cancelled() bool {
	return strings.EqualFold(e.Status, "CANCELLED")
}

// Hash returns the event's schedule fingerprint.
func (e *ParsedEvent) Hash() string {
	return EventHash(e.scheduleLines)
}

// AlarmByHash returns the alarm whose configuration hashes to h.
func (e *ParsedEvent) AlarmByHash(h string) (AlarmDefinition, bool) {
	for _, a := range e.Alarms {
		if a.Hash == h {
			return a, true
		}
	}
	return AlarmDefinition{}, false
}

// endAfter computes the end of an instance of e starting at start.
func (e *ParsedEvent) endAfter(start time.Time, loc *time.Location) time.Time {
	switch {
	case e.End != nil && e.Start.IsDate && e.End.IsDate:
		days := daysBetween(e.Start, *e.End)
		return start.AddDate(0, 0, days)
	case e.End != nil:
		return start.Add(e.End.In(loc).Sub(e.Start.In(loc)))
	case e.Duration != nil:
		return e.Duration.AddTo(start)
	case e.Start.IsDate:
		return start.AddDate(0, 0, 1)
	default:
		return start
	}
}

func daysBetween(a, b DateValue) int {
	ta := time.Date(a.Year, a.Month, a.Day, 0, 0, 0, 0, time.UTC)
	tb := time.Date(b.Year, b.Month, b.Day, 0, 0, 0, 0, time.UTC)
	return int(tb.Sub(ta).Hours() / 24)
}

// Object is a parsed calendar object: the master VEVENT and the overrides
// sharing its UID.
type Object struct {
	UID        string
	Master     *ParsedEvent
	Exceptions []*ParsedEvent
}

// IsRecurring reports whether the master defines a series.
func (o *Object) IsRecurring() bool {
	return o.Master != nil && (o.Master.RawRRule != "" || len(o.Master.RDates) > 0)
}

// HasAlarms reports whether any component carries at least one alarm.
func (o *Object) HasAlarms() bool {
	if o.Master != nil && len(o.Master.Alarms) > 0 {
		return true
	}
	for _, ex := range o.Exceptions {
		if len(ex.Alarms) > 0 {
			return true
		}
	}
	return false
}

// NeedsCalendarZone reports whether resolving this object depends on the
// owning calendar's timezone (all-day or floating start times).
func (o *Object) NeedsCalendarZone() bool {
	if o.Master != nil && o.Master.Start.Floating() {
		return true
	}
	for _, ex := range o.Exceptions {
		if ex.Start.Floating() {
			return true
		}
	}
	return false
}

// ParseObject parses raw calendar text into an Object.
//
//   - The UID of the first VEVENT selects the event; other UIDs are ignored.
//   - The VEVENT without RECURRENCE-ID is the master, the rest are overrides.
//   - A master without DTSTART yields ErrNoEvent (RFC 5545 requires it, but
//     such data is seen in the wild).
//   - TZIDs resolve through the tz database first, then through VTIMEZONEs
//     embedded in the same text.
func ParseObject(body []byte) (*Object, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrNoEvent
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Debug("ics parse failed", "err", err)
		return nil, fmt.Errorf("%w: %w: %v", ErrNoEvent, ErrMalformed, err)
	}

	zones := embeddedZones(cal)
	events := cal.Events()
	if len(events) == 0 {
		return nil, ErrNoEvent
	}

	out := &Object{}
	for _, ve := range events {
		uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
		if uidProp == nil || uidProp.Value == "" {
			continue
		}
		if out.UID == "" {
			out.UID = uidProp.Value
		}
		if uidProp.Value != out.UID {
			continue
		}

		ev, perr := parseVEvent(ve, zones)
		if perr != nil {
			// Log and skip this component, but keep parsing others.
			appLog.Debug("ics vevent skipped", "uid", uidProp.Value, "err", perr)
			continue
		}
		if ev.RecurrenceID != nil {
			out.Exceptions = append(out.Exceptions, ev)
		} else if out.Master == nil {
			out.Master = ev
		}
	}

	if out.Master == nil && len(out.Exceptions) == 0 {
		return nil, ErrNoEvent
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, zones map[string]*time.Location) (*ParsedEvent, error) {
	out := &ParsedEvent{}
	out.UID = ve.GetProperty(ical.ComponentPropertyUniqueId).Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = ical.FromText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.TrimSpace(p.Value)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil || strings.TrimSpace(startProp.Value) == "" {
		return nil, errors.New("missing DTSTART")
	}
	start, err := parseDateValue(startProp, strings.TrimSpace(startProp.Value), zones)
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	out.scheduleLines = append(out.scheduleLines, serializeProperty(startProp))

	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		end, err := parseDateValue(p, strings.TrimSpace(p.Value), zones)
		if err != nil {
			return nil, fmt.Errorf("DTEND: %w", err)
		}
		out.End = &end
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}
	if p := ve.GetProperty(ical.ComponentPropertyDuration); p != nil {
		d, err := ParseDuration(p.Value)
		if err != nil {
			return nil, fmt.Errorf("DURATION: %w", err)
		}
		out.Duration = &d
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		rid, err := parseDateValue(p, strings.TrimSpace(p.Value), zones)
		if err != nil {
			return nil, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.RecurrenceID = &rid
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.ExDates = append(out.ExDates, parseDateList(p, zones)...)
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyRdate) {
		out.RDates = append(out.RDates, parseDateList(p, zones)...)
		out.scheduleLines = append(out.scheduleLines, serializeProperty(p))
	}

	for _, va := range ve.Alarms() {
		alarm, err := parseVAlarm(va)
		if err != nil {
			appLog.Debug("ics valarm skipped", "uid", out.UID, "err", err)
			continue
		}
		out.Alarms = append(out.Alarms, alarm)
	}

	return out, nil
}

func parseVAlarm(va *ical.VAlarm) (AlarmDefinition, error) {
	var out AlarmDefinition
	var lines []string

	actionProp := va.GetProperty(ical.ComponentPropertyAction)
	if actionProp == nil || strings.TrimSpace(actionProp.Value) == "" {
		return out, errors.New("missing ACTION")
	}
	out.Action = model.AlarmAction(strings.ToUpper(strings.TrimSpace(actionProp.Value)))
	lines = append(lines, serializeProperty(actionProp))

	triggerProp := va.GetProperty(ical.ComponentPropertyTrigger)
	if triggerProp == nil || strings.TrimSpace(triggerProp.Value) == "" {
		return out, errors.New("missing TRIGGER")
	}
	trigger, err := parseTrigger(triggerProp)
	if err != nil {
		return out, err
	}
	out.Trigger = trigger
	lines = append(lines, serializeProperty(triggerProp))

	durationProp := va.GetProperty(ical.ComponentPropertyDuration)
	if durationProp != nil {
		lines = append(lines, serializeProperty(durationProp))
	}
	repeatProp := va.GetProperty(ical.ComponentProperty(ical.PropertyRepeat))
	if repeatProp != nil {
		lines = append(lines, serializeProperty(repeatProp))
	}
	for _, p := range va.GetProperties(ical.ComponentPropertyAttendee) {
		lines = append(lines, serializeProperty(p))
	}

	// REPEAT without a usable DURATION is not a repeating alarm.
	if repeatProp != nil && durationProp != nil {
		n, rerr := strconv.Atoi(strings.TrimSpace(repeatProp.Value))
		d, derr := ParseDuration(durationProp.Value)
		if rerr == nil && derr == nil && n > 0 && !d.IsZero() {
			if n > MaxAlarmRepeat {
				appLog.Warn("ics alarm repeat clamped", "repeat", n, "max", MaxAlarmRepeat)
				n = MaxAlarmRepeat
			}
			out.Repeat = n
			out.Interval = d
		}
	}

	out.Hash = AlarmHash(lines)
	return out, nil
}

func parseTrigger(p *ical.IANAProperty) (Trigger, error) {
	var t Trigger
	value := strings.TrimSpace(p.Value)

	if strings.EqualFold(paramValue(p, "VALUE"), "DATE-TIME") {
		at, err := parseDateValue(p, value, nil)
		if err != nil {
			return t, fmt.Errorf("TRIGGER: %w", err)
		}
		t.At = &at
		return t, nil
	}

	d, err := ParseDuration(value)
	if err != nil {
		return t, fmt.Errorf("TRIGGER: %w", err)
	}
	t.Offset = d
	t.RelatedEnd = strings.EqualFold(paramValue(p, "RELATED"), "END")
	return t, nil
}

func parseDateList(p *ical.IANAProperty, zones map[string]*time.Location) []DateValue {
	var out []DateValue
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := parseDateValue(p, part, zones)
		if err != nil {
			appLog.Debug("ics date list entry skipped", "property", p.IANAToken, "value", part, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// parseDateValue parses a DATE or DATE-TIME value of property p.
//
//   - 20160609          -> DATE (any TZID is ignored)
//   - 20160609T090000Z  -> UTC
//   - 20160609T090000   -> TZID zone, or floating without TZID
func parseDateValue(p *ical.IANAProperty, value string, zones map[string]*time.Location) (DateValue, error) {
	var v DateValue

	isDate := strings.EqualFold(paramValue(p, "VALUE"), "DATE") || !strings.Contains(value, "T")
	if isDate {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return v, err
		}
		v.Year, v.Month, v.Day = t.Date()
		v.IsDate = true
		return v, nil
	}

	var t time.Time
	var err error
	if strings.HasSuffix(value, "Z") {
		t, err = time.Parse("20060102T150405Z", value)
		v.Loc = time.UTC
	} else {
		t, err = time.Parse("20060102T150405", value)
		if tzid := paramValue(p, "TZID"); tzid != "" {
			v.Loc = resolveTZID(tzid, zones)
		}
	}
	if err != nil {
		return DateValue{}, err
	}

	v.Year, v.Month, v.Day = t.Date()
	v.Hour, v.Minute, v.Second = t.Clock()
	return v, nil
}

func paramValue(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
