package delivery

import (
	"context"
	"log/slog"
)

// LogSender records messages in the log instead of delivering them. It backs
// channels with no provider configured and dry-run deployments.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default().
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendSMS(ctx context.Context, phone, body string) error {
	if _, err := NormalizePhone(phone); err != nil {
		return Permanent(ChannelSMS, err.Error())
	}
	s.logger.InfoContext(ctx, "sms (dry run)", "to", phone, "body_len", len(body))
	return nil
}

func (s *LogSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return Permanent(ChannelEmail, "recipient has no email address")
	}
	s.logger.InfoContext(ctx, "email (dry run)", "to", to, "subject", subject, "body_len", len(body))
	return nil
}

var _ MessageSender = (*LogSender)(nil)
