package store

import "calremind/internal/model"

// reminderRecord persists a pending notification. The unique index makes
// insertion idempotent for the same firing of the same alarm.
type reminderRecord struct {
	ID                    int64  `gorm:"primaryKey;autoIncrement"`
	CalendarID            int64  `gorm:"not null;index"`
	ObjectID              int64  `gorm:"not null;uniqueIndex:idx_reminder_firing,priority:1"`
	UID                   string `gorm:"size:255;not null"`
	IsRecurring           bool   `gorm:"not null"`
	RecurrenceID          int64  `gorm:"not null;uniqueIndex:idx_reminder_firing,priority:2"`
	IsRecurrenceException bool   `gorm:"not null"`
	EventHash             string `gorm:"size:32;not null"`
	AlarmHash             string `gorm:"size:32;not null;uniqueIndex:idx_reminder_firing,priority:3"`
	Type                  string `gorm:"size:32;not null"`
	IsRelative            bool   `gorm:"not null"`
	NotificationDate      int64  `gorm:"not null;index;uniqueIndex:idx_reminder_firing,priority:4"`
	IsRepeatBased         bool   `gorm:"not null"`
}

func (reminderRecord) TableName() string {
	return "calendar_reminders"
}

type calendarRecord struct {
	ID           int64  `gorm:"primaryKey"`
	PrincipalURI string `gorm:"size:255;not null;index"`
	DisplayName  string `gorm:"size:255"`
	Timezone     string `gorm:"type:text"`
}

func (calendarRecord) TableName() string {
	return "calendars"
}

type objectRecord struct {
	ID         int64  `gorm:"primaryKey"`
	CalendarID int64  `gorm:"not null;index"`
	URI        string `gorm:"size:255;index"`
	Data       string `gorm:"type:text;not null"`
}

func (objectRecord) TableName() string {
	return "calendar_objects"
}

type shareRecord struct {
	CalendarID   int64  `gorm:"primaryKey;autoIncrement:false"`
	PrincipalURI string `gorm:"primaryKey;size:255"`
	ReadOnly     bool   `gorm:"not null"`
}

func (shareRecord) TableName() string {
	return "calendar_shares"
}

type userRecord struct {
	PrincipalURI string `gorm:"primaryKey;size:255"`
	UserID       string `gorm:"size:255;not null;uniqueIndex"`
	DisplayName  string `gorm:"size:255"`
	Email        string `gorm:"size:255"`
}

func (userRecord) TableName() string {
	return "users"
}

func newReminderRecord(r model.Reminder) reminderRecord {
	return reminderRecord{
		ID:                    r.ID,
		CalendarID:            r.CalendarID,
		ObjectID:              r.ObjectID,
		UID:                   r.UID,
		IsRecurring:           r.IsRecurring,
		RecurrenceID:          r.RecurrenceID,
		IsRecurrenceException: r.IsRecurrenceException,
		EventHash:             r.EventHash,
		AlarmHash:             r.AlarmHash,
		Type:                  string(r.Type),
		IsRelative:            r.IsRelative,
		NotificationDate:      r.NotificationDate,
		IsRepeatBased:         r.IsRepeatBased,
	}
}

func (r reminderRecord) toModel() model.Reminder {
	return model.Reminder{
		ID:                    r.ID,
		CalendarID:            r.CalendarID,
		ObjectID:              r.ObjectID,
		UID:                   r.UID,
		IsRecurring:           r.IsRecurring,
		RecurrenceID:          r.RecurrenceID,
		IsRecurrenceException: r.IsRecurrenceException,
		EventHash:             r.EventHash,
		AlarmHash:             r.AlarmHash,
		Type:                  model.AlarmAction(r.Type),
		IsRelative:            r.IsRelative,
		NotificationDate:      r.NotificationDate,
		IsRepeatBased:         r.IsRepeatBased,
	}
}
