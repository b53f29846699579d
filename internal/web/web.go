package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"calremind/internal/config"
	"calremind/internal/feed"
	"calremind/internal/ics"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/reminder"
	"calremind/internal/store"
)

// maxObjectBytes bounds an uploaded calendar object.
const maxObjectBytes = 1 << 20

// ObjectStore is the calendar storage the entry points write through.
type ObjectStore interface {
	GetCalendarByID(ctx context.Context, id int64) (model.Calendar, error)
	GetObject(ctx context.Context, id int64) (model.CalendarObject, error)
	PutObject(ctx context.Context, o model.CalendarObject) error
	DeleteObject(ctx context.Context, id int64) error
	ListReminders(ctx context.Context, objectID int64) ([]model.Reminder, error)
}

// Reminders is the reminder service as seen from HTTP.
type Reminders interface {
	OnCreate(ctx context.Context, obj model.CalendarObject) (int, error)
	OnUpdate(ctx context.Context, obj model.CalendarObject) (int, error)
	OnDelete(ctx context.Context, objectID int64) error
	ProcessDueReminders(ctx context.Context) (reminder.PassResult, error)
}

// Syncer runs a subscription sync on demand.
type Syncer interface {
	SyncAll(ctx context.Context) ([]feed.SyncResult, error)
}

// Server exposes the calendar object hooks, the processing pass and the
// subscription sync over HTTP.
type Server struct {
	cfg       *config.Config
	store     ObjectStore
	reminders Reminders
	syncer    Syncer
	mux       *http.ServeMux
}

// NewServer constructs a Server. syncer may be nil when no subscriptions are
// configured.
func NewServer(cfg *config.Config, st ObjectStore, reminders Reminders, syncer Syncer) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		reminders: reminders,
		syncer:    syncer,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		appLog.Info("HTTP server stopped")
		return nil
	}
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calremind", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("PUT /api/calendars/{calendarID}/objects/{objectID}", s.handlePutObject)
	s.mux.HandleFunc("DELETE /api/calendars/{calendarID}/objects/{objectID}", s.handleDeleteObject)
	s.mux.HandleFunc("GET /api/objects/{objectID}/reminders", s.handleListReminders)
	s.mux.HandleFunc("POST /api/reminders/process", s.handleProcess)
	s.mux.HandleFunc("POST /api/subscriptions/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type objectResponse struct {
	ObjectID   int64  `json:"object_id"`
	CalendarID int64  `json:"calendar_id"`
	URI        string `json:"uri"`
	Created    bool   `json:"created"`
	Reminders  int    `json:"reminders"`
}

// handlePutObject stores an iCalendar body as object {objectID} of calendar
// {calendarID} and materializes its reminders. Replacing an existing object
// rebuilds its reminders from scratch.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	calendarID, objectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := s.store.GetCalendarByID(ctx, calendarID); err != nil {
		s.storeError(w, "calendar lookup failed", err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "object too large")
		return
	}
	if _, err := ics.ParseObject(body); errors.Is(err, ics.ErrMalformed) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	obj := model.CalendarObject{
		ID:         objectID,
		CalendarID: calendarID,
		URI:        r.URL.Query().Get("uri"),
		Data:       string(body),
	}

	existing, err := s.store.GetObject(ctx, objectID)
	created := errors.Is(err, store.ErrNotFound)
	switch {
	case created:
	case err != nil:
		s.storeError(w, "object lookup failed", err)
		return
	case existing.CalendarID != calendarID:
		writeError(w, http.StatusConflict, "object belongs to another calendar")
		return
	}
	if obj.URI == "" {
		obj.URI = existing.URI
	}
	if obj.URI == "" {
		obj.URI = strconv.FormatInt(objectID, 10) + ".ics"
	}

	if err := s.store.PutObject(ctx, obj); err != nil {
		s.storeError(w, "object save failed", err)
		return
	}

	var n int
	if created {
		n, err = s.reminders.OnCreate(ctx, obj)
	} else {
		n, err = s.reminders.OnUpdate(ctx, obj)
	}
	if err != nil {
		appLog.Error("materialize failed", err, "object_id", objectID)
		writeError(w, http.StatusInternalServerError, "reminder materialization failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, objectResponse{
		ObjectID:   obj.ID,
		CalendarID: obj.CalendarID,
		URI:        obj.URI,
		Created:    created,
		Reminders:  n,
	})
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	calendarID, objectID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	obj, err := s.store.GetObject(ctx, objectID)
	if err != nil {
		s.storeError(w, "object lookup failed", err)
		return
	}
	if obj.CalendarID != calendarID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := s.store.DeleteObject(ctx, objectID); err != nil {
		s.storeError(w, "object delete failed", err)
		return
	}
	if err := s.reminders.OnDelete(ctx, objectID); err != nil {
		appLog.Error("reminder cleanup failed", err, "object_id", objectID)
		writeError(w, http.StatusInternalServerError, "reminder cleanup failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reminderDTO struct {
	ID                    int64     `json:"id"`
	UID                   string    `json:"uid"`
	Type                  string    `json:"type"`
	IsRecurring           bool      `json:"is_recurring"`
	IsRecurrenceException bool      `json:"is_recurrence_exception"`
	IsRelative            bool      `json:"is_relative"`
	IsRepeatBased         bool      `json:"is_repeat_based"`
	EventHash             string    `json:"event_hash"`
	AlarmHash             string    `json:"alarm_hash"`
	RecurrenceID          time.Time `json:"recurrence_id"`
	NotificationDate      time.Time `json:"notification_date"`
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	objectID, err := strconv.ParseInt(r.PathValue("objectID"), 10, 64)
	if err != nil || objectID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid object id")
		return
	}

	rows, err := s.store.ListReminders(r.Context(), objectID)
	if err != nil {
		s.storeError(w, "reminder listing failed", err)
		return
	}
	out := make([]reminderDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, reminderDTO{
			ID:                    row.ID,
			UID:                   row.UID,
			Type:                  string(row.Type),
			IsRecurring:           row.IsRecurring,
			IsRecurrenceException: row.IsRecurrenceException,
			IsRelative:            row.IsRelative,
			IsRepeatBased:         row.IsRepeatBased,
			EventHash:             row.EventHash,
			AlarmHash:             row.AlarmHash,
			RecurrenceID:          time.Unix(row.RecurrenceID, 0).UTC(),
			NotificationDate:      time.Unix(row.NotificationDate, 0).UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := s.reminders.ProcessDueReminders(r.Context())
	if err != nil {
		appLog.Error("reminder pass failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncResponse struct {
	Results []feed.SyncResult `json:"results"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotFound, "no subscriptions configured")
		return
	}
	results, err := s.syncer.SyncAll(r.Context())
	resp := syncResponse{Results: results}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func pathIDs(w http.ResponseWriter, r *http.Request) (calendarID, objectID int64, ok bool) {
	calendarID, err := strconv.ParseInt(r.PathValue("calendarID"), 10, 64)
	if err != nil || calendarID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid calendar id")
		return 0, 0, false
	}
	objectID, err = strconv.ParseInt(r.PathValue("objectID"), 10, 64)
	if err != nil || objectID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid object id")
		return 0, 0, false
	}
	return calendarID, objectID, true
}

func (s *Server) storeError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	appLog.Error(msg, err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
