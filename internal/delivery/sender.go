// Package delivery adapts outbound SMS and email providers to the
// MessageSender capability the step executor calls.
package delivery

import (
	"context"

	"github.com/rendis/sequencer/pkg/schema"
)

// Channel names a delivery channel. Circuit breakers are keyed by channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// SMSSender sends a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, body string) error
}

// EmailSender sends an email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// MessageSender is what the executor delivers through. Implementations
// return errors carrying DELIVERY_TRANSIENT or DELIVERY_PERMANENT so the
// caller can decide between retrying and skipping.
type MessageSender interface {
	SMSSender
	EmailSender
}

type combined struct {
	SMSSender
	EmailSender
}

// Combine joins independent SMS and email providers into one MessageSender.
func Combine(sms SMSSender, email EmailSender) MessageSender {
	return combined{SMSSender: sms, EmailSender: email}
}

// Transient wraps err as a retryable delivery failure.
func Transient(channel Channel, err error) *schema.SequencerError {
	return schema.NewErrorf(schema.ErrCodeDeliveryTransient, "%s delivery failed: %s", channel, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"channel": string(channel)})
}

// Permanent marks a failure that no retry can fix: bad address, opted out,
// provider rejection.
func Permanent(channel Channel, msg string) *schema.SequencerError {
	return schema.NewErrorf(schema.ErrCodeDeliveryPermanent, "%s delivery rejected: %s", channel, msg).
		WithDetails(map[string]any{"channel": string(channel)})
}

// Classify makes sure err carries a delivery code. Errors that already have
// one pass through unchanged; anything else is treated as transient, so the
// retry cap is what bounds it.
func Classify(channel Channel, err error) error {
	if err == nil {
		return nil
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeDeliveryTransient, schema.ErrCodeDeliveryPermanent, schema.ErrCodeCircuitOpen:
		return err
	}
	return Transient(channel, err)
}

// IsPermanent reports whether err is a permanent delivery failure.
func IsPermanent(err error) bool {
	return schema.HasCode(err, schema.ErrCodeDeliveryPermanent)
}
