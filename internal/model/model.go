package model

import "time"

// AlarmAction is a VALARM ACTION. Only the kinds listed below are scheduled;
// anything else parses but never produces reminder rows.
type AlarmAction string

const (
	ActionEmail   AlarmAction = "EMAIL"
	ActionDisplay AlarmAction = "DISPLAY"
	ActionAudio   AlarmAction = "AUDIO"
)

// Schedulable reports whether reminders are materialized for a.
func (a AlarmAction) Schedulable() bool {
	switch a {
	case ActionEmail, ActionDisplay, ActionAudio:
		return true
	default:
		return false
	}
}

// CalendarObject is a stored calendar resource (one iCalendar text).
type CalendarObject struct {
	ID         int64
	CalendarID int64
	URI        string
	Data       string
}

// Calendar carries the calendar properties the scheduler needs.
type Calendar struct {
	ID           int64
	PrincipalURI string
	DisplayName  string
	// Timezone is the calendar-timezone property: a VCALENDAR with one
	// VTIMEZONE, or empty.
	Timezone string
}

// Share grants a principal access to a calendar.
type Share struct {
	CalendarID   int64
	PrincipalURI string
	ReadOnly     bool
}

// Recipient is a resolved directory user.
type Recipient struct {
	PrincipalURI string
	UserID       string
	DisplayName  string
	Email        string
}

// Reminder is one pending notification row.
type Reminder struct {
	ID                    int64
	CalendarID            int64
	ObjectID              int64
	UID                   string
	IsRecurring           bool
	RecurrenceID          int64 // unix seconds of the targeted occurrence start
	IsRecurrenceException bool
	EventHash             string
	AlarmHash             string
	Type                  AlarmAction
	IsRelative            bool
	NotificationDate      int64 // unix seconds at which the row becomes due
	IsRepeatBased         bool
}

// DueReminder is a Reminder joined with the context needed to deliver it.
type DueReminder struct {
	Reminder

	CalendarData string
	DisplayName  string
	PrincipalURI string
}

// Occurrence represents a single concrete instance of an event, as handed to
// delivery providers.
type Occurrence struct {
	UID string

	// RecurrenceID identifies the instance within its series (the original
	// start before any override moved it).
	RecurrenceID time.Time
	IsException  bool

	Summary     string
	Description string
	Location    string
	Status      string

	AllDay bool

	Start time.Time
	End   time.Time
}
