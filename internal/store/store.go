package store

import (
	"context"
	"errors"
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calremind/internal/model"
)

// ErrNotFound is returned when a calendar or object does not exist.
var ErrNotFound = errors.New("store: not found")

// Store keeps reminders, calendars, calendar objects, shares and directory
// users in one SQLite database.
type Store struct {
	db *gorm.DB
}

// OpenSQLite opens (creating when needed) the database at path and migrates
// the schema.
func OpenSQLite(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return s, nil
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database connection required")
	}
	if err := db.AutoMigrate(&reminderRecord{}, &calendarRecord{}, &objectRecord{}, &shareRecord{}, &userRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertReminder stores r unless an identical firing (object, recurrence id,
// alarm hash, notification date) already exists. It reports whether a row was
// written.
func (s *Store) InsertReminder(ctx context.Context, r model.Reminder) (bool, error) {
	rec := newReminderRecord(r)
	rec.ID = 0
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("store: insert reminder: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RemoveReminder deletes one reminder row. Removing a missing row is not an
// error.
func (s *Store) RemoveReminder(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&reminderRecord{}, id).Error; err != nil {
		return fmt.Errorf("store: remove reminder %d: %w", id, err)
	}
	return nil
}

// CleanRemindersForEvent deletes every reminder of a calendar object.
func (s *Store) CleanRemindersForEvent(ctx context.Context, objectID int64) error {
	err := s.db.WithContext(ctx).
		Where("object_id = ?", objectID).
		Delete(&reminderRecord{}).
		Error
	if err != nil {
		return fmt.Errorf("store: clean reminders for object %d: %w", objectID, err)
	}
	return nil
}

// ListReminders returns the pending rows of an object by notification date.
func (s *Store) ListReminders(ctx context.Context, objectID int64) ([]model.Reminder, error) {
	var recs []reminderRecord
	err := s.db.WithContext(ctx).
		Where("object_id = ?", objectID).
		Order("notification_date ASC, id ASC").
		Find(&recs).
		Error
	if err != nil {
		return nil, fmt.Errorf("store: list reminders: %w", err)
	}
	out := make([]model.Reminder, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// dueRow lists the selected columns explicitly; GORM skips unexported
// embedded structs when scanning.
type dueRow struct {
	ID                    int64
	CalendarID            int64
	ObjectID              int64
	UID                   string
	IsRecurring           bool
	RecurrenceID          int64
	IsRecurrenceException bool
	EventHash             string
	AlarmHash             string
	Type                  string
	IsRelative            bool
	NotificationDate      int64
	IsRepeatBased         bool
	CalendarData          string
	DisplayName           string
	PrincipalURI          string
}

func (r dueRow) toModel() model.DueReminder {
	return model.DueReminder{
		Reminder: reminderRecord{
			ID:                    r.ID,
			CalendarID:            r.CalendarID,
			ObjectID:              r.ObjectID,
			UID:                   r.UID,
			IsRecurring:           r.IsRecurring,
			RecurrenceID:          r.RecurrenceID,
			IsRecurrenceException: r.IsRecurrenceException,
			EventHash:             r.EventHash,
			AlarmHash:             r.AlarmHash,
			Type:                  r.Type,
			IsRelative:            r.IsRelative,
			NotificationDate:      r.NotificationDate,
			IsRepeatBased:         r.IsRepeatBased,
		}.toModel(),
		CalendarData: r.CalendarData,
		DisplayName:  r.DisplayName,
		PrincipalURI: r.PrincipalURI,
	}
}

// GetRemindersToProcess returns every row due at or before now (unix seconds),
// joined with its calendar's display name and owner and the object's data.
// Rows whose object or calendar is gone come back with empty CalendarData so
// the processor drops them.
func (s *Store) GetRemindersToProcess(ctx context.Context, now int64) ([]model.DueReminder, error) {
	var rows []dueRow
	err := s.db.WithContext(ctx).
		Table("calendar_reminders AS cr").
		Select("cr.id, cr.calendar_id, cr.object_id, cr.uid, cr.is_recurring, cr.recurrence_id, " +
			"cr.is_recurrence_exception, cr.event_hash, cr.alarm_hash, cr.type, cr.is_relative, " +
			"cr.notification_date, cr.is_repeat_based, " +
			"CASE WHEN c.id IS NULL THEN '' ELSE COALESCE(co.data, '') END AS calendar_data, " +
			"COALESCE(c.display_name, '') AS display_name, " +
			"COALESCE(c.principal_uri, '') AS principal_uri").
		Joins("LEFT JOIN calendar_objects co ON co.id = cr.object_id").
		Joins("LEFT JOIN calendars c ON c.id = cr.calendar_id").
		Where("cr.notification_date <= ?", now).
		Order("cr.notification_date ASC, cr.id ASC").
		Scan(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("store: due reminders: %w", err)
	}

	out := make([]model.DueReminder, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// PutCalendar creates or replaces a calendar.
func (s *Store) PutCalendar(ctx context.Context, c model.Calendar) error {
	rec := calendarRecord{
		ID:           c.ID,
		PrincipalURI: c.PrincipalURI,
		DisplayName:  c.DisplayName,
		Timezone:     c.Timezone,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: put calendar %d: %w", c.ID, err)
	}
	return nil
}

// GetCalendarByID returns the calendar or ErrNotFound.
func (s *Store) GetCalendarByID(ctx context.Context, id int64) (model.Calendar, error) {
	var rec calendarRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Calendar{}, ErrNotFound
	}
	if err != nil {
		return model.Calendar{}, fmt.Errorf("store: get calendar %d: %w", id, err)
	}
	return model.Calendar{
		ID:           rec.ID,
		PrincipalURI: rec.PrincipalURI,
		DisplayName:  rec.DisplayName,
		Timezone:     rec.Timezone,
	}, nil
}

// PutShare grants principalURI access to a calendar.
func (s *Store) PutShare(ctx context.Context, sh model.Share) error {
	rec := shareRecord{
		CalendarID:   sh.CalendarID,
		PrincipalURI: sh.PrincipalURI,
		ReadOnly:     sh.ReadOnly,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: put share: %w", err)
	}
	return nil
}

// GetShares lists the principals a calendar is shared with.
func (s *Store) GetShares(ctx context.Context, calendarID int64) ([]model.Share, error) {
	var recs []shareRecord
	err := s.db.WithContext(ctx).
		Where("calendar_id = ?", calendarID).
		Order("principal_uri ASC").
		Find(&recs).
		Error
	if err != nil {
		return nil, fmt.Errorf("store: get shares: %w", err)
	}
	out := make([]model.Share, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.Share{CalendarID: r.CalendarID, PrincipalURI: r.PrincipalURI, ReadOnly: r.ReadOnly})
	}
	return out, nil
}

// PutUser creates or replaces a directory entry.
func (s *Store) PutUser(ctx context.Context, u model.Recipient) error {
	rec := userRecord{
		PrincipalURI: u.PrincipalURI,
		UserID:       u.UserID,
		DisplayName:  u.DisplayName,
		Email:        u.Email,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: put user: %w", err)
	}
	return nil
}

// ResolveUser maps a principal URI to a directory user. ok is false when the
// principal is unknown.
func (s *Store) ResolveUser(ctx context.Context, principalURI string) (model.Recipient, bool, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).
		Where("principal_uri = ?", principalURI).
		First(&rec).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Recipient{}, false, nil
	}
	if err != nil {
		return model.Recipient{}, false, fmt.Errorf("store: resolve user: %w", err)
	}
	return model.Recipient{
		PrincipalURI: rec.PrincipalURI,
		UserID:       rec.UserID,
		DisplayName:  rec.DisplayName,
		Email:        rec.Email,
	}, true, nil
}

// PutObject creates or replaces a calendar object.
func (s *Store) PutObject(ctx context.Context, o model.CalendarObject) error {
	rec := objectRecord{ID: o.ID, CalendarID: o.CalendarID, URI: o.URI, Data: o.Data}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: put object %d: %w", o.ID, err)
	}
	return nil
}

// GetObject returns the object or ErrNotFound.
func (s *Store) GetObject(ctx context.Context, id int64) (model.CalendarObject, error) {
	var rec objectRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CalendarObject{}, ErrNotFound
	}
	if err != nil {
		return model.CalendarObject{}, fmt.Errorf("store: get object %d: %w", id, err)
	}
	return model.CalendarObject{ID: rec.ID, CalendarID: rec.CalendarID, URI: rec.URI, Data: rec.Data}, nil
}

// DeleteObject removes a calendar object. Its reminders are left for the
// caller to clean.
func (s *Store) DeleteObject(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).Delete(&objectRecord{}, id).Error; err != nil {
		return fmt.Errorf("store: delete object %d: %w", id, err)
	}
	return nil
}

// ListObjects returns the objects of a calendar ordered by id.
func (s *Store) ListObjects(ctx context.Context, calendarID int64) ([]model.CalendarObject, error) {
	var recs []objectRecord
	if err := s.db.WithContext(ctx).
		Where("calendar_id = ?", calendarID).
		Order("id").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list objects of calendar %d: %w", calendarID, err)
	}
	out := make([]model.CalendarObject, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.CalendarObject{ID: rec.ID, CalendarID: rec.CalendarID, URI: rec.URI, Data: rec.Data})
	}
	return out, nil
}

// UpsertObjectByURI stores data under (calendarID, uri), creating the object
// when the URI is new. changed reports whether anything was written.
func (s *Store) UpsertObjectByURI(ctx context.Context, calendarID int64, uri, data string) (model.CalendarObject, bool, error) {
	var rec objectRecord
	err := s.db.WithContext(ctx).
		Where("calendar_id = ? AND uri = ?", calendarID, uri).
		First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = objectRecord{CalendarID: calendarID, URI: uri, Data: data}
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return model.CalendarObject{}, false, fmt.Errorf("store: create object %s: %w", uri, err)
		}
	case err != nil:
		return model.CalendarObject{}, false, fmt.Errorf("store: find object %s: %w", uri, err)
	case rec.Data == data:
		return model.CalendarObject{ID: rec.ID, CalendarID: rec.CalendarID, URI: rec.URI, Data: rec.Data}, false, nil
	default:
		if err := s.db.WithContext(ctx).Model(&rec).Update("data", data).Error; err != nil {
			return model.CalendarObject{}, false, fmt.Errorf("store: update object %s: %w", uri, err)
		}
		rec.Data = data
	}
	return model.CalendarObject{ID: rec.ID, CalendarID: rec.CalendarID, URI: rec.URI, Data: rec.Data}, true, nil
}
