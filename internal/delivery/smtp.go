package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the SMTP email sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// dialer is the part of gomail.Dialer the sender uses.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers email through an SMTP relay using gomail.
type SMTPSender struct {
	dialer dialer
	from   string
}

// NewSMTPSender creates an SMTPSender. The From address is format-checked up
// front so a misconfiguration fails at startup rather than on every send.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp: host is required")
	}
	if err := checkmail.ValidateFormat(cfg.From); err != nil {
		return nil, fmt.Errorf("smtp: invalid from address %q: %w", cfg.From, err)
	}
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
	}, nil
}

// SendEmail sends a plain-text email. A malformed address is a permanent
// failure; 5xx SMTP replies are permanent, everything else transient.
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return Permanent(ChannelEmail, "recipient has no email address")
	}
	if err := checkmail.ValidateFormat(to); err != nil {
		return Permanent(ChannelEmail, fmt.Sprintf("invalid address %q: %s", to, err.Error()))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	// gomail has no context support; the send keeps running after ctx
	// expires but the caller is released.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		return classifySMTP(err)
	case <-ctx.Done():
		return Transient(ChannelEmail, ctx.Err())
	}
}

func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600 {
		return Permanent(ChannelEmail, tpErr.Error())
	}
	return Transient(ChannelEmail, err)
}
