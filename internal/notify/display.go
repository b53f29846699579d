package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// DisplayProvider posts DISPLAY reminders to a Slack incoming webhook. With
// no webhook configured it only logs them.
type DisplayProvider struct {
	webhookURL string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

func NewDisplayProvider(webhookURL string) *DisplayProvider {
	return &DisplayProvider{
		webhookURL: strings.TrimSpace(webhookURL),
		post:       slack.PostWebhookContext,
	}
}

func (p *DisplayProvider) Send(ctx context.Context, occ model.Occurrence, calendarName string, recipients []model.Recipient) error {
	names := make([]string, 0, len(recipients))
	for _, r := range recipients {
		name := r.DisplayName
		if name == "" {
			name = r.UserID
		}
		names = append(names, name)
	}

	if p.webhookURL == "" {
		appLog.Info("display reminder",
			"uid", occ.UID,
			"summary", occ.Summary,
			"calendar", calendarName,
			"start", occ.Start,
			"recipients", names,
		)
		return nil
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", Subject(occ, calendarName), strings.TrimSpace(Body(occ, calendarName))),
	}
	if len(names) > 0 {
		msg.Text += "\nFor: " + strings.Join(names, ", ")
	}
	if err := p.post(ctx, p.webhookURL, msg); err != nil {
		return fmt.Errorf("notify: post display webhook: %w", err)
	}
	return nil
}
