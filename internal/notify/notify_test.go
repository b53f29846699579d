package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"calremind/internal/model"
)

func sampleOccurrence() model.Occurrence {
	start := time.Date(2016, 6, 9, 0, 0, 0, 0, time.UTC)
	return model.Occurrence{
		UID:     "uid-1",
		Summary: "Team offsite",
		AllDay:  true,
		Start:   start,
		End:     start.AddDate(0, 0, 1),
	}
}

func TestRegistryAcceptsOnlySchedulableActions(t *testing.T) {
	r := NewRegistry()
	noop := ProviderFunc(func(context.Context, model.Occurrence, string, []model.Recipient) error { return nil })

	if err := r.Register(model.ActionEmail, noop); err != nil {
		t.Fatalf("register email: %v", err)
	}
	if err := r.Register(model.AlarmAction("PROCEDURE"), noop); err == nil {
		t.Fatalf("expected PROCEDURE to be rejected")
	}
	if _, ok := r.GetProvider(model.ActionEmail); !ok {
		t.Fatalf("expected email provider")
	}
	if _, ok := r.GetProvider(model.ActionDisplay); ok {
		t.Fatalf("expected no display provider")
	}
}

func TestEmailProviderAddressesRecipients(t *testing.T) {
	p, err := NewEmailProvider(EmailConfig{Host: "smtp.example.com", From: "calendar@example.com"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	var gotAddr string
	var gotTo []string
	var gotMsg string
	p.WithSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	})

	recipients := []model.Recipient{
		{UserID: "a", Email: "a@example.com"},
		{UserID: "b"},
		{UserID: "c", Email: "c@example.com"},
	}
	if err := p.Send(context.Background(), sampleOccurrence(), "Personal", recipients); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("unexpected addr %q", gotAddr)
	}
	if len(gotTo) != 2 || gotTo[0] != "a@example.com" || gotTo[1] != "c@example.com" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Reminder: Team offsite (Personal)\r\n") {
		t.Fatalf("subject missing from message:\n%s", gotMsg)
	}
}

func TestEmailSubjectStaysOnOneHeaderLine(t *testing.T) {
	p, err := NewEmailProvider(EmailConfig{Host: "smtp.example.com", From: "calendar@example.com"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	var gotMsg string
	p.WithSendMail(func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = string(msg)
		return nil
	})

	occ := sampleOccurrence()
	occ.Summary = "Lunch\r\nX-Injected: yes\r\nContent-Type: text/html"
	if err := p.Send(context.Background(), occ, "Work\n", []model.Recipient{{Email: "a@example.com"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	header, _, ok := strings.Cut(gotMsg, "\r\n\r\n")
	if !ok {
		t.Fatalf("message has no header block:\n%s", gotMsg)
	}
	lines := strings.Split(header, "\r\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 header lines, got %d:\n%s", len(lines), header)
	}
	if lines[4] != "Subject: Reminder: Lunch X-Injected: yes Content-Type: text/html (Work)" {
		t.Fatalf("unexpected subject line %q", lines[4])
	}

	occ.Summary = "Réunion"
	if err := p.Send(context.Background(), occ, "", []model.Recipient{{Email: "a@example.com"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(gotMsg, "Subject: =?utf-8?q?Reminder:_R=C3=A9union?=\r\n") {
		t.Fatalf("expected encoded subject:\n%s", gotMsg)
	}
}

func TestEmailProviderReportsTransportError(t *testing.T) {
	p, _ := NewEmailProvider(EmailConfig{Host: "smtp.example.com", From: "calendar@example.com"})
	p.WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	err := p.Send(context.Background(), sampleOccurrence(), "", []model.Recipient{{Email: "a@example.com"}})
	if err == nil {
		t.Fatalf("expected transport error")
	}
}

func TestDisplayProviderPostsWebhook(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewDisplayProvider(srv.URL)
	err := p.Send(context.Background(), sampleOccurrence(), "Personal", []model.Recipient{{UserID: "user1", DisplayName: "User One"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, "Team offsite") || !strings.Contains(text, "User One") {
		t.Fatalf("unexpected webhook text %q", text)
	}
}

func TestDisplayProviderWithoutWebhookLogsOnly(t *testing.T) {
	p := NewDisplayProvider("")
	if err := p.Send(context.Background(), sampleOccurrence(), "", nil); err != nil {
		t.Fatalf("log-only display should not fail: %v", err)
	}
}
