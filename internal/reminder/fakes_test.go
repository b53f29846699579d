package reminder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
)

func init() {
	appLog.SetLogger(zap.NewNop())
}

type reminderKey struct {
	objectID     int64
	recurrenceID int64
	alarmHash    string
	notification int64
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]model.Reminder
	due      []model.DueReminder
	inserted []model.Reminder
	removed  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]model.Reminder)}
}

func (f *fakeStore) InsertReminder(_ context.Context, r model.Reminder) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := reminderKey{r.ObjectID, r.RecurrenceID, r.AlarmHash, r.NotificationDate}
	for _, existing := range f.rows {
		if (reminderKey{existing.ObjectID, existing.RecurrenceID, existing.AlarmHash, existing.NotificationDate}) == key {
			return false, nil
		}
	}
	f.nextID++
	r.ID = f.nextID + 100
	f.rows[r.ID] = r
	f.inserted = append(f.inserted, r)
	return true, nil
}

func (f *fakeStore) RemoveReminder(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeStore) CleanRemindersForEvent(_ context.Context, objectID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, r := range f.rows {
		if r.ObjectID == objectID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeStore) GetRemindersToProcess(context.Context, int64) ([]model.DueReminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DueReminder(nil), f.due...), nil
}

// pending returns the stored rows ordered by recurrence id, notification
// date and alarm hash.
func (f *fakeStore) pending() []model.Reminder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Reminder, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sortReminders(out)
	return out
}

func sortReminders(rows []model.Reminder) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.RecurrenceID != b.RecurrenceID {
			return a.RecurrenceID < b.RecurrenceID
		}
		if a.NotificationDate != b.NotificationDate {
			return a.NotificationDate < b.NotificationDate
		}
		return a.AlarmHash < b.AlarmHash
	})
}

type fakeCalendars struct {
	calendars map[int64]model.Calendar
	shares    map[int64][]model.Share
	lookups   int
	mu        sync.Mutex
}

func (f *fakeCalendars) GetCalendarByID(_ context.Context, id int64) (model.Calendar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	cal, ok := f.calendars[id]
	if !ok {
		return model.Calendar{}, errors.New("calendar not found")
	}
	return cal, nil
}

func (f *fakeCalendars) GetShares(_ context.Context, calendarID int64) ([]model.Share, error) {
	return f.shares[calendarID], nil
}

type fakeDirectory struct {
	users map[string]model.Recipient
}

func (f *fakeDirectory) ResolveUser(_ context.Context, uri string) (model.Recipient, bool, error) {
	u, ok := f.users[uri]
	return u, ok, nil
}

type sentNotification struct {
	action       model.AlarmAction
	occ          model.Occurrence
	calendarName string
	recipients   []model.Recipient
}

type recordingProviders struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (r *recordingProviders) registry(t *testing.T, actions ...model.AlarmAction) *notify.Registry {
	t.Helper()
	reg := notify.NewRegistry()
	for _, action := range actions {
		action := action
		err := reg.Register(action, notify.ProviderFunc(func(_ context.Context, occ model.Occurrence, name string, recipients []model.Recipient) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, sentNotification{action: action, occ: occ, calendarName: name, recipients: recipients})
			return nil
		}))
		if err != nil {
			t.Fatalf("register provider: %v", err)
		}
	}
	return reg
}

const ownerURI = "principals/users/user001"

type fixture struct {
	store     *fakeStore
	calendars *fakeCalendars
	directory *fakeDirectory
	sent      *recordingProviders
	service   *Service
}

func newFixture(t *testing.T, now time.Time, timezone string) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		calendars: &fakeCalendars{
			calendars: map[int64]model.Calendar{
				1337: {ID: 1337, PrincipalURI: ownerURI, DisplayName: "Displayname 123", Timezone: timezone},
			},
			shares: map[int64][]model.Share{},
		},
		directory: &fakeDirectory{users: map[string]model.Recipient{
			ownerURI: {PrincipalURI: ownerURI, UserID: "user001", Email: "user001@example.com"},
		}},
		sent: &recordingProviders{},
	}
	service, err := NewService(ServiceConfig{
		Store:           f.store,
		Calendars:       f.calendars,
		Directory:       f.directory,
		Providers:       f.sent.registry(t, model.ActionEmail, model.ActionDisplay),
		Clock:           func() time.Time { return now },
		DefaultLocation: time.UTC,
		Workers:         1,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.service = service
	return f
}

func mustTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return parsed
}
