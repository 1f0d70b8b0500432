package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/sequencer/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Provider failing, sends rejected
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-channel circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe sends allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per channel.
type Breakers struct {
	mu       sync.Mutex
	channels map[Channel]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry. A nil now uses time.Now.
func NewBreakers(config BreakerConfig, now func() time.Time) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breakers{channels: make(map[Channel]*breaker), config: config, now: now}
}

// Allow returns nil when a send on channel may proceed, or a CIRCUIT_OPEN error.
func (r *Breakers) Allow(channel Channel) error {
	b := r.get(channel)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s provider circuit open after %d consecutive failures", channel, b.consecutiveFailures).
			WithDetails(map[string]any{
				"channel":              string(channel),
				"consecutive_failures": b.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s provider circuit half-open: probe already in flight", channel)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the channel's circuit.
func (r *Breakers) RecordSuccess(channel Channel) {
	b := r.get(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// RecordFailure counts a provider failure and returns the new state.
func (r *Breakers) RecordFailure(channel Channel) CircuitState {
	b := r.get(channel)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.consecutiveFailures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// Release returns a half-open probe slot without judging provider health.
func (r *Breakers) Release(channel Channel) {
	b := r.get(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitHalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
}

// State returns the channel's state, moving open circuits past their
// cooldown to half-open.
func (r *Breakers) State(channel Channel) CircuitState {
	b := r.get(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

// Stats returns diagnostic information for every channel seen so far.
func (r *Breakers) Stats() map[string]any {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.channels))
	for ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	out := make(map[string]any, len(channels))
	for _, ch := range channels {
		b := r.get(ch)
		b.mu.Lock()
		out[string(ch)] = map[string]any{
			"state":                b.state.String(),
			"consecutive_failures": b.consecutiveFailures,
			"failure_threshold":    r.config.FailureThreshold,
		}
		b.mu.Unlock()
	}
	return out
}

func (r *Breakers) get(channel Channel) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.channels[channel]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.channels[channel] = b
	}
	return b
}

// Guarded wraps a MessageSender with per-channel circuit breakers and error
// classification. Only transient failures count against the circuit; a bad
// address says nothing about provider health.
type Guarded struct {
	next     MessageSender
	breakers *Breakers
}

// NewGuarded wraps next.
func NewGuarded(next MessageSender, breakers *Breakers) *Guarded {
	return &Guarded{next: next, breakers: breakers}
}

func (g *Guarded) SendSMS(ctx context.Context, phone, body string) error {
	return g.send(ChannelSMS, func() error { return g.next.SendSMS(ctx, phone, body) })
}

func (g *Guarded) SendEmail(ctx context.Context, to, subject, body string) error {
	return g.send(ChannelEmail, func() error { return g.next.SendEmail(ctx, to, subject, body) })
}

func (g *Guarded) send(channel Channel, fn func() error) error {
	if err := g.breakers.Allow(channel); err != nil {
		return err
	}
	err := Classify(channel, fn())
	switch {
	case err == nil:
		g.breakers.RecordSuccess(channel)
	case IsPermanent(err):
		g.breakers.Release(channel)
	default:
		g.breakers.RecordFailure(channel)
	}
	return err
}

var _ MessageSender = (*Guarded)(nil)
