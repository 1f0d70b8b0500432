package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/pkg/schema"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1}, clk.now), clk
}

func TestBreakers_StartsClosed(t *testing.T) {
	b, _ := newTestBreakers(3, time.Minute)
	assert.NoError(t, b.Allow(ChannelSMS))
	assert.Equal(t, CircuitClosed, b.State(ChannelSMS))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, time.Minute)

	b.RecordFailure(ChannelSMS)
	b.RecordFailure(ChannelSMS)
	assert.Equal(t, CircuitClosed, b.State(ChannelSMS))

	assert.Equal(t, CircuitOpen, b.RecordFailure(ChannelSMS))
	err := b.Allow(ChannelSMS)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// Channels are independent.
	assert.NoError(t, b.Allow(ChannelEmail))
}

func TestBreakers_SuccessResets(t *testing.T) {
	b, _ := newTestBreakers(2, time.Minute)
	b.RecordFailure(ChannelEmail)
	b.RecordSuccess(ChannelEmail)
	b.RecordFailure(ChannelEmail)
	assert.Equal(t, CircuitClosed, b.State(ChannelEmail))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreakers(1, time.Minute)
	b.RecordFailure(ChannelSMS)
	require.Error(t, b.Allow(ChannelSMS))

	clk.advance(time.Minute)
	require.NoError(t, b.Allow(ChannelSMS), "first probe allowed")
	assert.Error(t, b.Allow(ChannelSMS), "second probe rejected")

	b.RecordSuccess(ChannelSMS)
	assert.Equal(t, CircuitClosed, b.State(ChannelSMS))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreakers(1, time.Minute)
	b.RecordFailure(ChannelSMS)
	clk.advance(2 * time.Minute)
	require.NoError(t, b.Allow(ChannelSMS))

	assert.Equal(t, CircuitOpen, b.RecordFailure(ChannelSMS))
	assert.Error(t, b.Allow(ChannelSMS))
}

func TestBreakers_Stats(t *testing.T) {
	b, _ := newTestBreakers(5, time.Minute)
	b.RecordFailure(ChannelEmail)
	stats := b.Stats()
	email, ok := stats["email"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "closed", email["state"])
	assert.Equal(t, 1, email["consecutive_failures"])
}

type stubSender struct {
	smsErr   error
	emailErr error
	calls    int
}

func (s *stubSender) SendSMS(context.Context, string, string) error {
	s.calls++
	return s.smsErr
}

func (s *stubSender) SendEmail(context.Context, string, string, string) error {
	s.calls++
	return s.emailErr
}

func TestGuarded_TransientOpensCircuit(t *testing.T) {
	b, _ := newTestBreakers(2, time.Minute)
	stub := &stubSender{smsErr: errors.New("connection reset")}
	g := NewGuarded(stub, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := g.SendSMS(ctx, "+15551234567", "hi")
		assert.True(t, schema.HasCode(err, schema.ErrCodeDeliveryTransient))
	}
	err := g.SendSMS(ctx, "+15551234567", "hi")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, 2, stub.calls, "open circuit must not reach the provider")
}

func TestGuarded_PermanentDoesNotCount(t *testing.T) {
	b, _ := newTestBreakers(1, time.Minute)
	stub := &stubSender{emailErr: Permanent(ChannelEmail, "mailbox does not exist")}
	g := NewGuarded(stub, b)

	for i := 0; i < 3; i++ {
		err := g.SendEmail(context.Background(), "a@b.co", "s", "b")
		assert.True(t, IsPermanent(err))
	}
	assert.Equal(t, CircuitClosed, b.State(ChannelEmail))
}
