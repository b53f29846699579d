package feed

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// ObjectStore is the slice of the calendar store a sync needs.
type ObjectStore interface {
	GetCalendarByID(ctx context.Context, id int64) (model.Calendar, error)
	ListObjects(ctx context.Context, calendarID int64) ([]model.CalendarObject, error)
	UpsertObjectByURI(ctx context.Context, calendarID int64, uri, data string) (model.CalendarObject, bool, error)
	DeleteObject(ctx context.Context, id int64) error
}

// Materializer keeps reminders in step with stored objects.
type Materializer interface {
	OnUpdate(ctx context.Context, obj model.CalendarObject) (int, error)
	OnDelete(ctx context.Context, objectID int64) error
}

// SyncResult summarizes one subscription.
type SyncResult struct {
	SubscriptionID string `json:"subscription_id"`
	CalendarID     int64  `json:"calendar_id"`
	FromCache      bool   `json:"from_cache"`
	Objects        int    `json:"objects"`
	Changed        int    `json:"changed"`
	Deleted        int    `json:"deleted"`
	Reminders      int    `json:"reminders"`
	Error          string `json:"error,omitempty"`
}

// Syncer mirrors subscriptions into their calendars and rematerializes the
// reminders of every object that changed.
type Syncer struct {
	fetcher       *Fetcher
	store         ObjectStore
	reminders     Materializer
	subscriptions []Subscription
}

// NewSyncer wires a Syncer.
func NewSyncer(fetcher *Fetcher, store ObjectStore, reminders Materializer, subs []Subscription) (*Syncer, error) {
	if fetcher == nil || store == nil || reminders == nil {
		return nil, errors.New("feed: fetcher, store and materializer are required")
	}
	return &Syncer{fetcher: fetcher, store: store, reminders: reminders, subscriptions: subs}, nil
}

// SyncAll downloads every subscription (at most four at a time) and applies
// them one after another. A failing subscription does not stop the others;
// the joined error lists every failure.
func (s *Syncer) SyncAll(ctx context.Context) ([]SyncResult, error) {
	fetched := make([]FetchResult, len(s.subscriptions))
	fetchErrs := make([]error, len(s.subscriptions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, sub := range s.subscriptions {
		g.Go(func() error {
			fetched[i], fetchErrs[i] = s.fetcher.Fetch(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]SyncResult, 0, len(s.subscriptions))
	var errs []error
	for i, sub := range s.subscriptions {
		var res SyncResult
		err := fetchErrs[i]
		if err == nil {
			res, err = s.apply(ctx, fetched[i])
		}
		res.SubscriptionID = sub.ID
		res.CalendarID = sub.CalendarID
		if err != nil {
			err = fmt.Errorf("feed %s: %w", sub.ID, err)
			appLog.Error("subscription sync failed", err, "id", sub.ID, "url", redactURL(sub.URL))
			res.Error = err.Error()
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Sync fetches and applies a single subscription.
func (s *Syncer) Sync(ctx context.Context, sub Subscription) (SyncResult, error) {
	fetched, err := s.fetcher.Fetch(ctx, sub)
	if err != nil {
		return SyncResult{SubscriptionID: sub.ID, CalendarID: sub.CalendarID}, err
	}
	return s.apply(ctx, fetched)
}

func (s *Syncer) apply(ctx context.Context, fetched FetchResult) (SyncResult, error) {
	sub := fetched.Subscription
	res := SyncResult{SubscriptionID: sub.ID, CalendarID: sub.CalendarID, FromCache: fetched.FromCache}

	if _, err := s.store.GetCalendarByID(ctx, sub.CalendarID); err != nil {
		return res, fmt.Errorf("calendar %d: %w", sub.CalendarID, err)
	}

	objects, err := Split(fetched.Body)
	if err != nil && !errors.Is(err, ErrEmptyFeed) {
		return res, err
	}
	res.Objects = len(objects)

	keep := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		keep[obj.URI] = struct{}{}
		stored, changed, err := s.store.UpsertObjectByURI(ctx, sub.CalendarID, obj.URI, obj.Data)
		if err != nil {
			return res, err
		}
		if !changed {
			continue
		}
		res.Changed++
		n, err := s.reminders.OnUpdate(ctx, stored)
		if err != nil {
			appLog.Error("materialize failed", err, "id", sub.ID, "uid", obj.UID, "object_id", stored.ID)
			continue
		}
		res.Reminders += n
	}

	existing, err := s.store.ListObjects(ctx, sub.CalendarID)
	if err != nil {
		return res, err
	}
	for _, obj := range existing {
		if _, ok := keep[obj.URI]; ok {
			continue
		}
		if err := s.store.DeleteObject(ctx, obj.ID); err != nil {
			return res, err
		}
		if err := s.reminders.OnDelete(ctx, obj.ID); err != nil {
			return res, err
		}
		res.Deleted++
	}

	appLog.Info("subscription synced", "id", sub.ID, "calendar_id", sub.CalendarID,
		"objects", res.Objects, "changed", res.Changed, "deleted", res.Deleted,
		"reminders", res.Reminders, "from_cache", res.FromCache)
	return res, nil
}
