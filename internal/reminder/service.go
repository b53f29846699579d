package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calremind/internal/model"
	"calremind/internal/notify"
)

// ErrNoRecipient marks a due row for which no recipient could be resolved.
// Such rows stay in the store and are retried on the next pass.
var ErrNoRecipient = errors.New("reminder: no recipient resolved")

const (
	defaultWorkers           = 4
	defaultProviderTimeout   = 30 * time.Second
	defaultMaxRecurrenceScan = 1000
)

// ReminderStore persists reminder rows.
type ReminderStore interface {
	InsertReminder(ctx context.Context, r model.Reminder) (bool, error)
	RemoveReminder(ctx context.Context, id int64) error
	CleanRemindersForEvent(ctx context.Context, objectID int64) error
	GetRemindersToProcess(ctx context.Context, now int64) ([]model.DueReminder, error)
}

// CalendarBackend exposes the calendar properties and shares.
type CalendarBackend interface {
	GetCalendarByID(ctx context.Context, id int64) (model.Calendar, error)
	GetShares(ctx context.Context, calendarID int64) ([]model.Share, error)
}

// Directory maps principal URIs to users.
type Directory interface {
	ResolveUser(ctx context.Context, principalURI string) (model.Recipient, bool, error)
}

// ProviderRegistry looks up the delivery provider for an alarm action.
type ProviderRegistry interface {
	GetProvider(action model.AlarmAction) (notify.Provider, bool)
}

// ServiceConfig describes the collaborators of the reminder service.
type ServiceConfig struct {
	Store     ReminderStore
	Calendars CalendarBackend
	Directory Directory
	Providers ProviderRegistry

	Clock func() time.Time

	// DefaultLocation anchors all-day and floating events of calendars
	// without a timezone override.
	DefaultLocation *time.Location

	Workers           int
	ProviderTimeout   time.Duration
	MaxRecurrenceScan int
}

// Service materializes reminder rows from calendar objects and delivers the
// ones that come due.
type Service struct {
	store     ReminderStore
	calendars CalendarBackend
	directory Directory
	providers ProviderRegistry

	now        func() time.Time
	defaultLoc *time.Location

	workers         int
	providerTimeout time.Duration
	maxScan         int
}

// ServiceError carries a stable "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "reminder.service.new"
	opOnCreate   = "reminder.on_create"
	opOnDelete   = "reminder.on_delete"
	opProcess    = "reminder.process_due"
)

const (
	reasonMissingStore     = "missing_store"
	reasonMissingCalendars = "missing_calendars"
	reasonMissingDirectory = "missing_directory"
	reasonMissingProviders = "missing_providers"
	reasonInsertFailed     = "insert_failed"
	reasonCleanFailed      = "clean_failed"
	reasonQueryFailed      = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// NewService validates cfg and applies defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, nil)
	}
	if cfg.Calendars == nil {
		return nil, newServiceError(opServiceNew, reasonMissingCalendars, nil)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDirectory, nil)
	}
	if cfg.Providers == nil {
		return nil, newServiceError(opServiceNew, reasonMissingProviders, nil)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := cfg.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	maxScan := cfg.MaxRecurrenceScan
	if maxScan <= 0 {
		maxScan = defaultMaxRecurrenceScan
	}

	return &Service{
		store:           cfg.Store,
		calendars:       cfg.Calendars,
		directory:       cfg.Directory,
		providers:       cfg.Providers,
		now:             clock,
		defaultLoc:      loc,
		workers:         workers,
		providerTimeout: timeout,
		maxScan:         maxScan,
	}, nil
}
