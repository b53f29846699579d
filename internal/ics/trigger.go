package ics

import (
	"time"

	"calremind/internal/model"
)

// Trigger is a VALARM TRIGGER: either an offset from the start (or end) of
// the occurrence, or an absolute instant.
type Trigger struct {
	Offset     Duration
	RelatedEnd bool
	At         *DateValue
}

// Relative reports whether the trigger is duration based.
func (t Trigger) Relative() bool {
	return t.At == nil
}

// AlarmDefinition is one VALARM attached to an event.
type AlarmDefinition struct {
	Action   model.AlarmAction
	Trigger  Trigger
	Repeat   int      // additional firings after the first
	Interval Duration // spacing of the additional firings; set when Repeat > 0
	Hash     string
}

// Notification is one concrete firing of an alarm.
type Notification struct {
	At          time.Time
	Relative    bool
	RepeatBased bool
}

// TriggerTime returns the first firing of a on inst. loc anchors all-day and
// floating values.
func (a AlarmDefinition) TriggerTime(inst Instance, loc *time.Location) time.Time {
	if a.Trigger.At != nil {
		return a.Trigger.At.In(loc)
	}
	ref := inst.Start
	if a.Trigger.RelatedEnd {
		ref = inst.End
	}
	return a.Trigger.Offset.AddTo(ref)
}

// MaxAlarmRepeat bounds the REPEAT count of one alarm.
const MaxAlarmRepeat = 100

// Resolve returns every firing of a on inst: the trigger itself followed by
// Repeat additional firings spaced by Interval. Repeat is capped at
// MaxAlarmRepeat.
func (a AlarmDefinition) Resolve(inst Instance, loc *time.Location) []Notification {
	first := a.TriggerTime(inst, loc)
	relative := a.Trigger.Relative()

	repeat := min(max(a.Repeat, 0), MaxAlarmRepeat)
	out := make([]Notification, 0, repeat+1)
	out = append(out, Notification{At: first, Relative: relative})
	for k := 1; k <= repeat; k++ {
		out = append(out, Notification{
			At:          a.Interval.Scale(k).AddTo(first),
			Relative:    relative,
			RepeatBased: true,
		})
	}
	return out
}
