package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	appLog "calremind/internal/log"
	"calremind/internal/model"
)

// EmailConfig holds SMTP settings for the EMAIL provider.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailProvider mails the occurrence summary to every recipient with an
// address.
type EmailProvider struct {
	cfg      EmailConfig
	sendMail SendMailFunc
}

func NewEmailProvider(cfg EmailConfig) (*EmailProvider, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("notify: smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailProvider{cfg: cfg, sendMail: smtp.SendMail}, nil
}

// WithSendMail replaces the transport, e.g. in tests.
func (p *EmailProvider) WithSendMail(fn SendMailFunc) *EmailProvider {
	p.sendMail = fn
	return p
}

func (p *EmailProvider) Send(ctx context.Context, occ model.Occurrence, calendarName string, recipients []model.Recipient) error {
	var to []string
	for _, r := range recipients {
		if r.Email != "" {
			to = append(to, r.Email)
		}
	}
	if len(to) == 0 {
		appLog.Debug("email reminder has no addressable recipient", "uid", occ.UID)
		return nil
	}

	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	msg := p.message(occ, calendarName, to)

	// net/smtp has no context support; run the exchange aside so a cancelled
	// pass does not wait on a stuck server.
	done := make(chan error, 1)
	go func() {
		done <- p.sendMail(addr, auth, p.cfg.From, to, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notify: send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *EmailProvider) message(occ model.Occurrence, calendarName string, to []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "From: %s\r\n", p.cfg.From)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", mime.QEncoding.Encode("utf-8", Subject(occ, calendarName)))
	b.WriteString(strings.ReplaceAll(Body(occ, calendarName), "\n", "\r\n"))
	return []byte(b.String())
}
