package ics

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"calremind/internal/model"
)

// Instance is one concrete occurrence of an Object.
type Instance struct {
	// Event supplies the instance's properties and alarms: the master, or
	// the override that replaced this instant.
	Event *ParsedEvent

	Start time.Time
	End   time.Time

	// RecurrenceID is the instant this occurrence holds in the series.
	RecurrenceID time.Time
	IsException  bool
}

// Occurrence converts the instance into the view handed to providers.
func (inst Instance) Occurrence() model.Occurrence {
	ev := inst.Event
	return model.Occurrence{
		UID:          ev.UID,
		RecurrenceID: inst.RecurrenceID,
		IsException:  inst.IsException,
		Summary:      ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Status:       ev.Status,
		AllDay:       ev.AllDay(),
		Start:        inst.Start,
		End:          inst.End,
	}
}

// Iterator yields instances in ascending start order.
type Iterator func() (Instance, bool)

// Single returns the master's own instance. It is the only instance of a
// non-recurring object.
func (o *Object) Single(loc *time.Location) (Instance, bool) {
	if o.Master == nil {
		return Instance{}, false
	}
	start := o.Master.Start.In(loc)
	return Instance{
		Event:        o.Master,
		Start:        start,
		End:          o.Master.endAfter(start, loc),
		RecurrenceID: start,
	}, true
}

// ExceptionInstance returns the instance described by override ex.
func (o *Object) ExceptionInstance(ex *ParsedEvent, loc *time.Location) Instance {
	start := ex.Start.In(loc)
	return Instance{
		Event:        ex,
		Start:        start,
		End:          ex.endAfter(start, loc),
		RecurrenceID: ex.RecurrenceID.In(loc),
		IsException:  true,
	}
}

// After iterates the master's series lazily, starting with the first instance
// at (inclusive) or after from. Instants replaced by overrides and EXDATEs are
// skipped. Non-recurring objects yield at most their single instance.
func (o *Object) After(from time.Time, inclusive bool, loc *time.Location) (Iterator, error) {
	if !o.IsRecurring() {
		inst, ok := o.Single(loc)
		done := !ok || inst.Start.Before(from) || (!inclusive && inst.Start.Equal(from))
		return func() (Instance, bool) {
			if done {
				return Instance{}, false
			}
			done = true
			return inst, true
		}, nil
	}

	set, err := o.recurrenceSet(loc)
	if err != nil {
		return nil, err
	}
	replaced := o.replacedInstants(loc)

	cursor := from
	inc := inclusive
	return func() (Instance, bool) {
		for {
			t := set.After(cursor, inc)
			if t.IsZero() {
				return Instance{}, false
			}
			cursor, inc = t, false
			if replaced[t.Unix()] {
				continue
			}
			return Instance{
				Event:        o.Master,
				Start:        t,
				End:          o.Master.endAfter(t, loc),
				RecurrenceID: t,
			}, true
		}
	}, nil
}

// InstanceAt finds the occurrence identified by recurrenceID.
//
//   - Exception rows resolve to the override with that RECURRENCE-ID.
//   - Non-recurring objects resolve to the master.
//   - Recurring objects prefer an override for the instant and otherwise
//     require the series to contain it.
func (o *Object) InstanceAt(recurrenceID time.Time, isException bool, loc *time.Location) (Instance, bool) {
	for _, ex := range o.Exceptions {
		if ex.RecurrenceID.In(loc).Equal(recurrenceID) {
			return o.ExceptionInstance(ex, loc), true
		}
	}
	if isException {
		return Instance{}, false
	}
	if !o.IsRecurring() {
		return o.Single(loc)
	}

	set, err := o.recurrenceSet(loc)
	if err != nil {
		return Instance{}, false
	}
	t := set.After(recurrenceID, true)
	if t.IsZero() || !t.Equal(recurrenceID) {
		return Instance{}, false
	}
	return Instance{
		Event:        o.Master,
		Start:        t,
		End:          o.Master.endAfter(t, loc),
		RecurrenceID: t,
	}, true
}

// recurrenceSet builds the master's RRULE/RDATE/EXDATE set anchored at its
// DTSTART in loc.
func (o *Object) recurrenceSet(loc *time.Location) (*rrule.Set, error) {
	ev := o.Master
	start := ev.Start.In(loc)

	set := &rrule.Set{}
	if ev.RawRRule != "" {
		opt, err := rrule.StrToROptionInLocation(ev.RawRRule, start.Location())
		if err != nil {
			return nil, fmt.Errorf("ics: parse RRULE %q: %w", ev.RawRRule, err)
		}
		opt.Dtstart = start
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("ics: build RRULE %q: %w", ev.RawRRule, err)
		}
		set.RRule(r)
	} else {
		// DTSTART is always the first instance of an RDATE-only series.
		set.RDate(start)
	}

	for _, rd := range ev.RDates {
		set.RDate(rd.In(loc))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(loc))
	}
	return set, nil
}

func (o *Object) replacedInstants(loc *time.Location) map[int64]bool {
	out := make(map[int64]bool, len(o.Exceptions))
	for _, ex := range o.Exceptions {
		out[ex.RecurrenceID.In(loc).Unix()] = true
	}
	return out
}
