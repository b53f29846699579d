package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"calremind/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "calremind.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleReminder(objectID, notification int64) model.Reminder {
	return model.Reminder{
		CalendarID:       1,
		ObjectID:         objectID,
		UID:              "uid-1",
		RecurrenceID:     1465430400,
		EventHash:        "5c70531aab15c92b52518ae10a2f78a4",
		AlarmHash:        "de919af7429d3b5c11e8b9d289b411a6",
		Type:             model.ActionEmail,
		IsRelative:       true,
		NotificationDate: notification,
	}
}

func TestInsertReminderIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertReminder(ctx, sampleReminder(7, 1465429500))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert to write a row")
	}

	inserted, err = s.InsertReminder(ctx, sampleReminder(7, 1465429500))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate insert to be ignored")
	}

	// A different firing of the same alarm is a distinct row.
	if _, err := s.InsertReminder(ctx, sampleReminder(7, 1465429620)); err != nil {
		t.Fatalf("insert repeat: %v", err)
	}

	rows, err := s.ListReminders(ctx, 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].NotificationDate != 1465429500 || rows[1].NotificationDate != 1465429620 {
		t.Fatalf("rows not ordered by notification date: %+v", rows)
	}
	if rows[0].Type != model.ActionEmail || !rows[0].IsRelative {
		t.Fatalf("row fields not round-tripped: %+v", rows[0])
	}
}

func TestCleanRemindersForEventOnlyTouchesObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []model.Reminder{sampleReminder(1, 100), sampleReminder(1, 200), sampleReminder(2, 100)} {
		if _, err := s.InsertReminder(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.CleanRemindersForEvent(ctx, 1); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if err := s.CleanRemindersForEvent(ctx, 99); err != nil {
		t.Fatalf("clean of unknown object should not fail: %v", err)
	}

	left, _ := s.ListReminders(ctx, 1)
	if len(left) != 0 {
		t.Fatalf("expected object 1 to have no rows, got %d", len(left))
	}
	other, _ := s.ListReminders(ctx, 2)
	if len(other) != 1 {
		t.Fatalf("expected object 2 to keep its row, got %d", len(other))
	}
}

func TestGetRemindersToProcessJoinsCalendarAndObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutCalendar(ctx, model.Calendar{ID: 1, PrincipalURI: "principals/users/user1", DisplayName: "Personal"}); err != nil {
		t.Fatalf("put calendar: %v", err)
	}
	if err := s.PutObject(ctx, model.CalendarObject{ID: 7, CalendarID: 1, URI: "event.ics", Data: "BEGIN:VCALENDAR"}); err != nil {
		t.Fatalf("put object: %v", err)
	}
	for _, n := range []int64{300, 100, 200, 500} {
		if _, err := s.InsertReminder(ctx, sampleReminder(7, n)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// Orphaned rows come back without object data.
	if _, err := s.InsertReminder(ctx, sampleReminder(8, 50)); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}

	due, err := s.GetRemindersToProcess(ctx, 300)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 4 {
		t.Fatalf("expected 4 due rows, got %d", len(due))
	}
	for i, want := range []int64{50, 100, 200, 300} {
		if due[i].NotificationDate != want {
			t.Fatalf("row %d: expected notification %d, got %d", i, want, due[i].NotificationDate)
		}
	}
	orphan := due[0]
	if orphan.ID == 0 || orphan.ObjectID != 8 || orphan.CalendarData != "" {
		t.Fatalf("unexpected orphan row %+v", orphan)
	}

	first := due[1]
	want := sampleReminder(7, 100)
	want.ID = first.ID
	if first.ID == 0 || first.Reminder != want {
		t.Fatalf("due row lost its reminder columns: %+v", first.Reminder)
	}
	if first.CalendarData != "BEGIN:VCALENDAR" || first.DisplayName != "Personal" || first.PrincipalURI != "principals/users/user1" {
		t.Fatalf("joined columns missing: %+v", first)
	}

	for _, id := range []int64{orphan.ID, first.ID} {
		if err := s.RemoveReminder(ctx, id); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	due, _ = s.GetRemindersToProcess(ctx, 300)
	if len(due) != 2 {
		t.Fatalf("expected 2 due rows after removal, got %d", len(due))
	}
}

func TestGetRemindersToProcessBlanksRowsOfDeletedCalendar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Object 7 exists but calendar 1 was never created.
	if err := s.PutObject(ctx, model.CalendarObject{ID: 7, CalendarID: 1, URI: "event.ics", Data: "BEGIN:VCALENDAR"}); err != nil {
		t.Fatalf("put object: %v", err)
	}
	if _, err := s.InsertReminder(ctx, sampleReminder(7, 100)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	due, err := s.GetRemindersToProcess(ctx, 100)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].CalendarData != "" || due[0].PrincipalURI != "" {
		t.Fatalf("expected one blanked row, got %+v", due)
	}
}

func TestCalendarSharesAndDirectory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCalendarByID(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutCalendar(ctx, model.Calendar{ID: 5, PrincipalURI: "principals/users/owner", Timezone: "BEGIN:VCALENDAR"}); err != nil {
		t.Fatalf("put calendar: %v", err)
	}
	cal, err := s.GetCalendarByID(ctx, 5)
	if err != nil {
		t.Fatalf("get calendar: %v", err)
	}
	if cal.Timezone != "BEGIN:VCALENDAR" {
		t.Fatalf("timezone not stored: %+v", cal)
	}

	for _, sh := range []model.Share{
		{CalendarID: 5, PrincipalURI: "principals/users/b"},
		{CalendarID: 5, PrincipalURI: "principals/users/a", ReadOnly: true},
		{CalendarID: 6, PrincipalURI: "principals/users/c"},
	} {
		if err := s.PutShare(ctx, sh); err != nil {
			t.Fatalf("put share: %v", err)
		}
	}
	shares, err := s.GetShares(ctx, 5)
	if err != nil {
		t.Fatalf("get shares: %v", err)
	}
	if len(shares) != 2 || shares[0].PrincipalURI != "principals/users/a" || !shares[0].ReadOnly {
		t.Fatalf("unexpected shares: %+v", shares)
	}

	if _, ok, err := s.ResolveUser(ctx, "principals/users/owner"); err != nil || ok {
		t.Fatalf("expected unknown user, got ok=%v err=%v", ok, err)
	}
	if err := s.PutUser(ctx, model.Recipient{PrincipalURI: "principals/users/owner", UserID: "owner", Email: "owner@example.com"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	user, ok, err := s.ResolveUser(ctx, "principals/users/owner")
	if err != nil || !ok {
		t.Fatalf("resolve user: ok=%v err=%v", ok, err)
	}
	if user.Email != "owner@example.com" || user.UserID != "owner" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestObjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutObject(ctx, model.CalendarObject{ID: 3, CalendarID: 1, Data: "v1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutObject(ctx, model.CalendarObject{ID: 3, CalendarID: 1, Data: "v2"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	obj, err := s.GetObject(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if obj.Data != "v2" {
		t.Fatalf("expected replaced data, got %q", obj.Data)
	}
	if err := s.DeleteObject(ctx, 3); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetObject(ctx, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
