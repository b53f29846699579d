package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"calremind/internal/config"
	"calremind/internal/feed"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
	"calremind/internal/reminder"
	"calremind/internal/store"
)

func init() {
	appLog.SetLogger(zap.NewNop())
}

const planningObject = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//Web//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:planning@example.com\r\n" +
	"DTSTAMP:20251201T000000Z\r\n" +
	"DTSTART:20260301T100000Z\r\n" +
	"DTEND:20260301T110000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"BEGIN:VALARM\r\n" +
	"ACTION:DISPLAY\r\n" +
	"TRIGGER:-PT15M\r\n" +
	"END:VALARM\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

type harness struct {
	srv   *httptest.Server
	store *store.Store

	mu        sync.Mutex
	now       time.Time
	displayed []string
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) setNow(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t
}

func newHarness(t *testing.T, cfg *config.Config, syncer Syncer) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "web.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.PutCalendar(ctx, model.Calendar{ID: 1, PrincipalURI: "principals/users/alice", DisplayName: "Work"}); err != nil {
		t.Fatalf("put calendar: %v", err)
	}
	if err := st.PutUser(ctx, model.Recipient{PrincipalURI: "principals/users/alice", UserID: "alice", DisplayName: "Alice", Email: "alice@example.com"}); err != nil {
		t.Fatalf("put user: %v", err)
	}

	h := &harness{store: st, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	providers := notify.NewRegistry()
	if err := providers.Register(model.ActionDisplay, notify.ProviderFunc(func(_ context.Context, occ model.Occurrence, _ string, _ []model.Recipient) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.displayed = append(h.displayed, occ.Summary)
		return nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc, err := reminder.NewService(reminder.ServiceConfig{
		Store:     st,
		Calendars: st,
		Directory: st,
		Providers: providers,
		Clock:     h.clock,
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	h.srv = httptest.NewServer(NewServer(cfg, st, svc, syncer).Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestObjectLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp := h.do(t, http.MethodPut, "/api/calendars/1/objects/10", planningObject)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[objectResponse](t, resp)
	if !created.Created || created.Reminders != 1 || created.URI != "10.ics" {
		t.Fatalf("unexpected create response %+v", created)
	}

	resp = h.do(t, http.MethodPut, "/api/calendars/1/objects/10", planningObject)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replace, got %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/objects/10/reminders", "")
	rows := decode[[]reminderDTO](t, resp)
	if len(rows) != 1 {
		t.Fatalf("expected 1 reminder after replace, got %d", len(rows))
	}
	want := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	if !rows[0].NotificationDate.Equal(want) || rows[0].Type != "DISPLAY" {
		t.Fatalf("unexpected reminder %+v", rows[0])
	}

	resp = h.do(t, http.MethodDelete, "/api/calendars/1/objects/10", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodGet, "/api/objects/10/reminders", "")
	if rows := decode[[]reminderDTO](t, resp); len(rows) != 0 {
		t.Fatalf("expected reminders to be cleaned, got %d", len(rows))
	}
}

func TestPutObjectRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil, nil)

	cases := []struct {
		path   string
		body   string
		status int
	}{
		{"/api/calendars/2/objects/10", planningObject, http.StatusNotFound},
		{"/api/calendars/x/objects/10", planningObject, http.StatusBadRequest},
		{"/api/calendars/1/objects/10", "BEGIN:VCALENDAR\r\nnot ical", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if resp := h.do(t, http.MethodPut, tc.path, tc.body); resp.StatusCode != tc.status {
			t.Fatalf("PUT %s: expected %d, got %d", tc.path, tc.status, resp.StatusCode)
		}
	}

	if resp := h.do(t, http.MethodDelete, "/api/calendars/1/objects/99", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a missing object, got %d", resp.StatusCode)
	}
}

func TestProcessDeliversDueReminder(t *testing.T) {
	h := newHarness(t, nil, nil)
	if resp := h.do(t, http.MethodPut, "/api/calendars/1/objects/10", planningObject); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	h.setNow(time.Date(2026, 3, 1, 9, 50, 0, 0, time.UTC))
	resp := h.do(t, http.MethodPost, "/api/reminders/process", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	res := decode[reminder.PassResult](t, resp)
	if res.Due != 1 || res.Delivered != 1 {
		t.Fatalf("unexpected pass result %+v", res)
	}
	h.mu.Lock()
	displayed := append([]string(nil), h.displayed...)
	h.mu.Unlock()
	if len(displayed) != 1 || displayed[0] != "Planning" {
		t.Fatalf("unexpected deliveries %v", displayed)
	}
}

func TestBasicAuthSparesHealth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := newHarness(t, cfg, nil)

	if resp := h.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", resp.StatusCode)
	}
	if resp := h.do(t, http.MethodPost, "/api/reminders/process", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/reminders/process", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}
}

type stubSyncer struct {
	results []feed.SyncResult
	err     error
}

func (s stubSyncer) SyncAll(context.Context) ([]feed.SyncResult, error) {
	return s.results, s.err
}

func TestSyncEndpoint(t *testing.T) {
	h := newHarness(t, nil, nil)
	if resp := h.do(t, http.MethodPost, "/api/subscriptions/sync", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without subscriptions, got %d", resp.StatusCode)
	}

	failing := stubSyncer{
		results: []feed.SyncResult{{SubscriptionID: "team", Error: "boom"}},
		err:     errors.New("feed team: boom"),
	}
	h = newHarness(t, nil, failing)
	resp := h.do(t, http.MethodPost, "/api/subscriptions/sync", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body := decode[syncResponse](t, resp)
	if len(body.Results) != 1 || body.Error == "" {
		t.Fatalf("unexpected sync response %+v", body)
	}
}
