package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calremind/internal/config"
	"calremind/internal/feed"
	"calremind/internal/ics"
	appLog "calremind/internal/log"
	"calremind/internal/model"
	"calremind/internal/notify"
	"calremind/internal/reminder"
	"calremind/internal/store"
)

// app is the wired set of components every sub-command works on.
type app struct {
	cfg       *config.Config
	store     *store.Store
	reminders *reminder.Service
	syncer    *feed.Syncer
}

func newApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.OpenSQLite(cfg.DatabasePath, appLog.Logger())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	providers, err := newProviders(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc, err := reminder.NewService(reminder.ServiceConfig{
		Store:             st,
		Calendars:         st,
		Directory:         st,
		Providers:         providers,
		DefaultLocation:   loc,
		Workers:           cfg.Workers,
		ProviderTimeout:   cfg.ProviderTimeout(),
		MaxRecurrenceScan: cfg.MaxRecurrenceScan,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: st, reminders: svc}
	if len(cfg.Subscriptions) > 0 {
		subs := make([]feed.Subscription, 0, len(cfg.Subscriptions))
		for _, s := range cfg.Subscriptions {
			subs = append(subs, feed.Subscription{ID: s.ID, URL: s.URL, CalendarID: s.CalendarID})
		}
		a.syncer, err = feed.NewSyncer(feed.NewFetcher(cfg.CacheDir, nil), st, svc, subs)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return a, nil
}

// newProviders registers EMAIL when SMTP is configured and DISPLAY always.
// AUDIO has no provider, so its reminders are suppressed.
func newProviders(cfg *config.Config) (*notify.Registry, error) {
	reg := notify.NewRegistry()
	if cfg.Email.Host != "" {
		email, err := notify.NewEmailProvider(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(model.ActionEmail, email); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(model.ActionDisplay, notify.NewDisplayProvider(cfg.Display.SlackWebhookURL)); err != nil {
		return nil, err
	}
	return reg, nil
}

// seed writes the calendars, shares and users declared in the config.
func (a *app) seed(ctx context.Context) error {
	for _, c := range a.cfg.Calendars {
		var tz string
		if c.Timezone != "" {
			loc, err := time.LoadLocation(c.Timezone)
			if err != nil {
				return fmt.Errorf("calendar %d: %w", c.ID, err)
			}
			tz = ics.TimezoneDefinition(loc)
		}
		if err := a.store.PutCalendar(ctx, model.Calendar{
			ID:           c.ID,
			PrincipalURI: c.Owner,
			DisplayName:  c.Name,
			Timezone:     tz,
		}); err != nil {
			return err
		}
		for _, sh := range c.Shares {
			if err := a.store.PutShare(ctx, model.Share{CalendarID: c.ID, PrincipalURI: sh.Principal, ReadOnly: sh.ReadOnly}); err != nil {
				return err
			}
		}
	}
	for _, u := range a.cfg.Users {
		if err := a.store.PutUser(ctx, model.Recipient{
			PrincipalURI: u.Principal,
			UserID:       u.UserID,
			DisplayName:  u.Name,
			Email:        u.Email,
		}); err != nil {
			return err
		}
	}
	if len(a.cfg.Calendars)+len(a.cfg.Users) > 0 {
		appLog.Debug("directory seeded", "calendars", len(a.cfg.Calendars), "users", len(a.cfg.Users))
	}
	return nil
}

func (a *app) Close() error {
	return a.store.Close()
}

var errNoSubscriptions = errors.New("no subscriptions configured")
