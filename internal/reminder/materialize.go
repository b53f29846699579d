package reminder

import (
	"context"
	"errors"
	"time"

	"calremind/internal/ics"
	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// OnCreate materializes the reminder rows of a newly stored calendar object
// and returns how many rows were written. Objects without a schedulable event
// or without alarms produce nothing.
func (s *Service) OnCreate(ctx context.Context, obj model.CalendarObject) (int, error) {
	parsed, err := ics.ParseObject([]byte(obj.Data))
	if err != nil {
		if errors.Is(err, ics.ErrNoEvent) {
			appLog.Debug("object has no schedulable event", "object_id", obj.ID)
			return 0, nil
		}
		return 0, err
	}
	if !parsed.HasAlarms() {
		return 0, nil
	}

	loc := s.defaultLoc
	if parsed.NeedsCalendarZone() {
		loc = newTZCache(s.calendars, s.defaultLoc).Location(ctx, obj.CalendarID)
	}
	now := s.now()

	rows, err := s.planObject(ctx, obj, parsed, loc, now)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, row := range rows {
		ok, err := s.store.InsertReminder(ctx, row)
		if err != nil {
			return inserted, newServiceError(opOnCreate, reasonInsertFailed, err)
		}
		if ok {
			inserted++
		}
	}
	appLog.Debug("reminders materialized", "object_id", obj.ID, "uid", parsed.UID, "planned", len(rows), "inserted", inserted)
	return inserted, nil
}

// OnDelete drops every reminder of a deleted object.
func (s *Service) OnDelete(ctx context.Context, objectID int64) error {
	if err := s.store.CleanRemindersForEvent(ctx, objectID); err != nil {
		return newServiceError(opOnDelete, reasonCleanFailed, err)
	}
	return nil
}

// OnUpdate replaces the object's reminders with freshly materialized ones.
func (s *Service) OnUpdate(ctx context.Context, obj model.CalendarObject) (int, error) {
	if err := s.OnDelete(ctx, obj.ID); err != nil {
		return 0, err
	}
	return s.OnCreate(ctx, obj)
}

// planObject computes the rows for the master series and for each override.
func (s *Service) planObject(ctx context.Context, obj model.CalendarObject, parsed *ics.Object, loc *time.Location, now time.Time) ([]model.Reminder, error) {
	var rows []model.Reminder

	if master := parsed.Master; master != nil && len(master.Alarms) > 0 {
		if parsed.IsRecurring() {
			planned, err := s.planSeries(ctx, obj, parsed, loc, now)
			if err != nil {
				return nil, err
			}
			rows = append(rows, planned...)
		} else if inst, ok := parsed.Single(loc); ok {
			for _, alarm := range master.Alarms {
				if !alarm.Action.Schedulable() {
					continue
				}
				if alarm.TriggerTime(inst, loc).Before(now) {
					continue
				}
				rows = append(rows, rowsFor(obj, parsed, inst, alarm, loc)...)
			}
		}
	}

	for _, ex := range parsed.Exceptions {
		inst := parsed.ExceptionInstance(ex, loc)
		for _, alarm := range ex.Alarms {
			if !alarm.Action.Schedulable() {
				continue
			}
			if alarm.TriggerTime(inst, loc).Before(now) {
				continue
			}
			rows = append(rows, rowsFor(obj, parsed, inst, alarm, loc)...)
		}
	}
	return rows, nil
}

// planSeries walks the series from the first occurrence starting at or after
// now and places every alarm on the first occurrence whose trigger is not in
// the past.
func (s *Service) planSeries(ctx context.Context, obj model.CalendarObject, parsed *ics.Object, loc *time.Location, now time.Time) ([]model.Reminder, error) {
	var pending []ics.AlarmDefinition
	for _, alarm := range parsed.Master.Alarms {
		if !alarm.Action.Schedulable() {
			continue
		}
		// An absolute trigger is the same instant for every occurrence.
		if !alarm.Trigger.Relative() && alarm.Trigger.At.In(loc).Before(now) {
			continue
		}
		pending = append(pending, alarm)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	next, err := parsed.After(now, true, loc)
	if err != nil {
		appLog.Warn("recurrence rule unusable", "object_id", obj.ID, "uid", parsed.UID, "err", err)
		return nil, nil
	}

	var rows []model.Reminder
	for scanned := 0; scanned < s.maxScan && len(pending) > 0; scanned++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, ok := next()
		if !ok {
			break
		}
		remaining := pending[:0]
		for _, alarm := range pending {
			if alarm.TriggerTime(inst, loc).Before(now) {
				remaining = append(remaining, alarm)
				continue
			}
			rows = append(rows, rowsFor(obj, parsed, inst, alarm, loc)...)
		}
		pending = remaining
	}
	if len(pending) > 0 {
		appLog.Debug("alarms left unplaced", "object_id", obj.ID, "uid", parsed.UID, "count", len(pending))
	}
	return rows, nil
}

// rowsFor expands one alarm on one instance into its rows: the trigger plus
// one row per repeat.
func rowsFor(obj model.CalendarObject, parsed *ics.Object, inst ics.Instance, alarm ics.AlarmDefinition, loc *time.Location) []model.Reminder {
	notifications := alarm.Resolve(inst, loc)
	eventHash := inst.Event.Hash()

	out := make([]model.Reminder, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, model.Reminder{
			CalendarID:            obj.CalendarID,
			ObjectID:              obj.ID,
			UID:                   parsed.UID,
			IsRecurring:           parsed.IsRecurring() || inst.IsException,
			RecurrenceID:          inst.RecurrenceID.Unix(),
			IsRecurrenceException: inst.IsException,
			EventHash:             eventHash,
			AlarmHash:             alarm.Hash,
			Type:                  alarm.Action,
			IsRelative:            n.Relative,
			NotificationDate:      n.At.Unix(),
			IsRepeatBased:         n.RepeatBased,
		})
	}
	return out
}
