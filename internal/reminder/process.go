package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calremind/internal/ics"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
)

// PassResult summarizes one processing pass.
type PassResult struct {
	PassID        string   `json:"pass_id"`
	Due           int      `json:"due"`
	Delivered     int      `json:"delivered"`
	Failed        int      `json:"failed"`
	Suppressed    int      `json:"suppressed"`
	Skipped       int      `json:"skipped"`
	Dropped       int      `json:"dropped"`
	RolledForward int      `json:"rolled_forward"`
	Errors        []string `json:"errors,omitempty"`
}

// pass holds the caches and counters of one ProcessDueReminders call.
type pass struct {
	id  string
	now time.Time
	tz  *tzCache

	mu         sync.Mutex
	result     PassResult
	users      map[string]userLookup
	sharesByID map[int64][]model.Share
}

type userLookup struct {
	user model.Recipient
	ok   bool
}

func (p *pass) record(fn func(r *PassResult)) {
	p.mu.Lock()
	fn(&p.result)
	p.mu.Unlock()
}

func (p *pass) fail(err error) {
	p.record(func(r *PassResult) { r.Errors = append(r.Errors, err.Error()) })
}

// ProcessDueReminders delivers every row due at the service clock's current
// instant. Rows are handled independently: a failing row is logged and
// recorded in the result, never aborting the others. Only a failure to load
// the due rows is returned as an error.
func (s *Service) ProcessDueReminders(ctx context.Context) (PassResult, error) {
	id := uuid.NewString()
	if v7, err := uuid.NewV7(); err == nil {
		id = v7.String()
	}
	p := &pass{
		id:         id,
		now:        s.now(),
		tz:         newTZCache(s.calendars, s.defaultLoc),
		users:      make(map[string]userLookup),
		sharesByID: make(map[int64][]model.Share),
	}
	p.result.PassID = id

	due, err := s.store.GetRemindersToProcess(ctx, p.now.Unix())
	if err != nil {
		return p.result, newServiceError(opProcess, reasonQueryFailed, err)
	}
	p.result.Due = len(due)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, row := range due {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			s.processRow(ctx, p, row)
			return nil
		})
	}
	_ = g.Wait()

	appLog.Info("reminder pass finished",
		"pass_id", p.id,
		"due", p.result.Due,
		"delivered", p.result.Delivered,
		"failed", p.result.Failed,
		"suppressed", p.result.Suppressed,
		"skipped", p.result.Skipped,
		"dropped", p.result.Dropped,
		"rolled_forward", p.result.RolledForward,
	)
	return p.result, ctx.Err()
}

func (s *Service) processRow(ctx context.Context, p *pass, row model.DueReminder) {
	parsed, err := ics.ParseObject([]byte(row.CalendarData))
	if err != nil {
		appLog.Debug("due reminder has no event, dropping", "pass_id", p.id, "reminder_id", row.ID, "err", err)
		s.drop(ctx, p, row)
		return
	}

	loc := s.defaultLoc
	if parsed.NeedsCalendarZone() {
		loc = p.tz.Location(ctx, row.CalendarID)
	}

	rid := time.Unix(row.RecurrenceID, 0).In(loc)
	inst, ok := parsed.InstanceAt(rid, row.IsRecurrenceException, loc)
	if !ok {
		appLog.Debug("due reminder occurrence vanished, dropping", "pass_id", p.id, "reminder_id", row.ID, "recurrence_id", row.RecurrenceID)
		s.drop(ctx, p, row)
		return
	}

	switch provider, found := s.providers.GetProvider(row.Type); {
	case inst.Event.Cancelled():
		appLog.Debug("event cancelled, not delivering", "pass_id", p.id, "reminder_id", row.ID, "uid", row.UID)
		p.record(func(r *PassResult) { r.Suppressed++ })
	case !found:
		appLog.Debug("no provider for alarm action", "pass_id", p.id, "reminder_id", row.ID, "type", row.Type)
		p.record(func(r *PassResult) { r.Suppressed++ })
	default:
		recipients := s.recipients(ctx, p, row)
		if len(recipients) == 0 {
			appLog.Warn("reminder kept for next pass", "pass_id", p.id, "reminder_id", row.ID, "err", ErrNoRecipient)
			p.record(func(r *PassResult) { r.Skipped++ })
			return
		}
		if err := s.deliver(ctx, provider, inst.Occurrence(), row.DisplayName, recipients); err != nil {
			appLog.Error("reminder delivery failed", err, "pass_id", p.id, "reminder_id", row.ID, "type", row.Type)
			p.record(func(r *PassResult) { r.Failed++ })
			p.fail(fmt.Errorf("reminder %d: %w", row.ID, err))
		} else {
			p.record(func(r *PassResult) { r.Delivered++ })
		}
	}

	s.advance(ctx, p, row, parsed, rid, loc)
}

// deliver runs the provider with the per-row timeout. A provider that ignores
// its context, or panics, cannot stall or crash the pass.
func (s *Service) deliver(ctx context.Context, provider notify.Provider, occ model.Occurrence, calendarName string, recipients []model.Recipient) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("provider panic: %v", r)
			}
		}()
		done <- provider.Send(sendCtx, occ, calendarName, recipients)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return sendCtx.Err()
	}
}

// advance removes the fired row and, for a master series alarm, first
// materializes the same alarm on the next occurrence whose trigger is not in
// the past.
func (s *Service) advance(ctx context.Context, p *pass, row model.DueReminder, parsed *ics.Object, rid time.Time, loc *time.Location) {
	defer s.remove(ctx, p, row)

	if row.IsRepeatBased || !row.IsRecurring || row.IsRecurrenceException || !parsed.IsRecurring() {
		return
	}
	alarm, ok := parsed.Master.AlarmByHash(row.AlarmHash)
	if !ok || !alarm.Action.Schedulable() || !alarm.Trigger.Relative() {
		return
	}

	next, err := parsed.After(rid, false, loc)
	if err != nil {
		appLog.Warn("recurrence rule unusable", "pass_id", p.id, "reminder_id", row.ID, "err", err)
		return
	}
	obj := model.CalendarObject{ID: row.ObjectID, CalendarID: row.CalendarID, Data: row.CalendarData}
	for scanned := 0; scanned < s.maxScan; scanned++ {
		inst, ok := next()
		if !ok {
			return
		}
		if alarm.TriggerTime(inst, loc).Before(p.now) {
			continue
		}
		for _, r := range rowsFor(obj, parsed, inst, alarm, loc) {
			if _, err := s.store.InsertReminder(ctx, r); err != nil {
				appLog.Error("roll forward insert failed", err, "pass_id", p.id, "reminder_id", row.ID)
				p.fail(fmt.Errorf("reminder %d: roll forward: %w", row.ID, err))
				return
			}
		}
		p.record(func(r *PassResult) { r.RolledForward++ })
		return
	}
}

func (s *Service) drop(ctx context.Context, p *pass, row model.DueReminder) {
	p.record(func(r *PassResult) { r.Dropped++ })
	s.remove(ctx, p, row)
}

func (s *Service) remove(ctx context.Context, p *pass, row model.DueReminder) {
	if err := s.store.RemoveReminder(ctx, row.ID); err != nil {
		appLog.Error("reminder removal failed", err, "pass_id", p.id, "reminder_id", row.ID)
		p.fail(fmt.Errorf("reminder %d: remove: %w", row.ID, err))
	}
}

// recipients resolves the calendar owner and every read-write sharee,
// de-duplicated by principal. Lookups are cached for the pass.
func (s *Service) recipients(ctx context.Context, p *pass, row model.DueReminder) []model.Recipient {
	principals := []string{row.PrincipalURI}
	for _, sh := range s.shares(ctx, p, row.CalendarID) {
		if !sh.ReadOnly {
			principals = append(principals, sh.PrincipalURI)
		}
	}

	seen := make(map[string]bool, len(principals))
	var out []model.Recipient
	for _, uri := range principals {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		if user, ok := s.resolveUser(ctx, p, uri); ok {
			out = append(out, user)
		}
	}
	return out
}

func (s *Service) shares(ctx context.Context, p *pass, calendarID int64) []model.Share {
	p.mu.Lock()
	cached, ok := p.sharesByID[calendarID]
	p.mu.Unlock()
	if ok {
		return cached
	}

	shares, err := s.calendars.GetShares(ctx, calendarID)
	if err != nil {
		appLog.Warn("calendar shares lookup failed", "pass_id", p.id, "calendar_id", calendarID, "err", err)
		return nil
	}
	p.mu.Lock()
	p.sharesByID[calendarID] = shares
	p.mu.Unlock()
	return shares
}

func (s *Service) resolveUser(ctx context.Context, p *pass, uri string) (model.Recipient, bool) {
	p.mu.Lock()
	cached, ok := p.users[uri]
	p.mu.Unlock()
	if ok {
		return cached.user, cached.ok
	}

	user, found, err := s.directory.ResolveUser(ctx, uri)
	if err != nil {
		// Failures are not cached.
		appLog.Warn("directory lookup failed", "pass_id", p.id, "principal", uri, "err", err)
		return model.Recipient{}, false
	}
	p.mu.Lock()
	p.users[uri] = userLookup{user: user, ok: found}
	p.mu.Unlock()
	return user, found
}
