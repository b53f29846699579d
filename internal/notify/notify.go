package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"calremind/internal/model"
)

// Provider delivers one notification for one occurrence to its recipients.
type Provider interface {
	Send(ctx context.Context, occ model.Occurrence, calendarName string, recipients []model.Recipient) error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, occ model.Occurrence, calendarName string, recipients []model.Recipient) error

func (f ProviderFunc) Send(ctx context.Context, occ model.Occurrence, calendarName string, recipients []model.Recipient) error {
	return f(ctx, occ, calendarName, recipients)
}

// Registry maps alarm actions to providers. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	providers map[model.AlarmAction]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[model.AlarmAction]Provider)}
}

// Register binds p to action. Only schedulable actions can be registered.
func (r *Registry) Register(action model.AlarmAction, p Provider) error {
	if !action.Schedulable() {
		return fmt.Errorf("notify: unsupported alarm action %q", action)
	}
	if p == nil {
		return fmt.Errorf("notify: nil provider for %q", action)
	}
	r.providers[action] = p
	return nil
}

func (r *Registry) GetProvider(action model.AlarmAction) (Provider, bool) {
	p, ok := r.providers[action]
	return p, ok
}

// Subject renders the one-line summary used by every channel. Control
// characters are folded into single spaces.
func Subject(occ model.Occurrence, calendarName string) string {
	title := singleLine(occ.Summary)
	if title == "" {
		title = "Untitled event"
	}
	calendarName = singleLine(calendarName)
	if calendarName == "" {
		return fmt.Sprintf("Reminder: %s", title)
	}
	return fmt.Sprintf("Reminder: %s (%s)", title, calendarName)
}

func singleLine(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsControl(r) || unicode.IsSpace(r)
	}), " ")
}

// Body renders the occurrence details in plain text.
func Body(occ model.Occurrence, calendarName string) string {
	var b strings.Builder
	b.WriteString(Subject(occ, calendarName))
	b.WriteString("\n\n")
	if occ.AllDay {
		fmt.Fprintf(&b, "When: %s (all day)\n", occ.Start.Format("Mon, 02 Jan 2006"))
	} else {
		fmt.Fprintf(&b, "When: %s - %s\n", occ.Start.Format(time.RFC1123), occ.End.Format(time.RFC1123))
	}
	if occ.Location != "" {
		fmt.Fprintf(&b, "Where: %s\n", occ.Location)
	}
	if occ.Description != "" {
		b.WriteString("\n")
		b.WriteString(occ.Description)
		b.WriteString("\n")
	}
	return b.String()
}
