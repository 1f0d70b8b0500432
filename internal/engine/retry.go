package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/sequencer/pkg/schema"
)

// RetryPolicy bounds how a failing enrollment step is retried.
type RetryPolicy struct {
	// MaxAttempts is the number of failed attempts after which the
	// enrollment is marked failed.
	MaxAttempts int
	// BaseDelay is the delay after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Minute,
		MaxDelay:    6 * time.Hour,
	}
}

// IsRetryableError classifies whether a failed execution should be retried.
// Typed errors decide by code; context cancellation means shutdown and is
// not retried; untyped errors (network, driver) are retried, leaving the
// attempt cap to stop them.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var seqErr *schema.SequencerError
	if errors.As(err, &seqErr) {
		return seqErr.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay.
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempts has reached the cap.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
