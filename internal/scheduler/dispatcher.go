package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/streaming"
	"github.com/rendis/sequencer/pkg/schema"
)

// Defaults for Config fields left zero.
const (
	DefaultSchedule  = "@every 15s"
	DefaultBatchSize = 100
	DefaultLease     = 2 * time.Minute
)

// Config holds dispatcher settings.
type Config struct {
	// Schedule is a cron spec or descriptor ("@every 15s") for polling.
	Schedule  string
	BatchSize int
	// Lease is how long a claim stays exclusive. It must exceed the send
	// timeout, or a slow send can be claimed twice.
	Lease time.Duration
	// Owner identifies this process in lease columns. Random when empty.
	Owner string
	Retry engine.RetryPolicy
}

// Deps are the dispatcher's collaborators. Hub, Clock and Logger are optional.
type Deps struct {
	Store    store.EnrollmentStore
	Executor engine.Executor
	Pool     *engine.WorkerPool
	Hub      streaming.EventHub
	Clock    engine.Clock
	Logger   *slog.Logger
}

// Report summarizes one tick.
type Report struct {
	Claimed   int `json:"claimed"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Sent      int `json:"sent"`
}

// Dispatcher polls for due enrollments, claims them and runs each on the
// worker pool.
type Dispatcher struct {
	deps     Deps
	cfg      Config
	schedule cron.Schedule

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher validates cfg and creates a Dispatcher.
func NewDispatcher(deps Deps, cfg Config) (*Dispatcher, error) {
	if deps.Store == nil || deps.Executor == nil || deps.Pool == nil {
		return nil, fmt.Errorf("dispatcher: store, executor and pool are required")
	}
	if deps.Clock == nil {
		deps.Clock = engine.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Owner == "" {
		cfg.Owner = "dispatcher-" + uuid.NewString()
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}

	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{deps: deps, cfg: cfg, schedule: schedule}, nil
}

// ParseSchedule parses a poll schedule. Seconds are optional, descriptors
// such as "@every 30s" are accepted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse poll schedule %q: %s", spec, err.Error()).WithCause(err)
	}
	return schedule, nil
}

// Owner returns the lease owner id of this dispatcher.
func (d *Dispatcher) Owner() string { return d.cfg.Owner }

// Start launches the background polling loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.deps.Logger.Info("dispatcher started", "owner", d.cfg.Owner, "schedule", d.cfg.Schedule)
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	for {
		d.runTick(ctx)

		now := time.Now()
		timer := time.NewTimer(d.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) runTick(ctx context.Context) {
	rep, err := d.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.deps.Logger.Error("dispatcher tick failed", "error", err)
		}
		return
	}
	if rep.Claimed > 0 {
		d.deps.Logger.Info("dispatcher tick",
			"claimed", rep.Claimed,
			"advanced", rep.Advanced,
			"completed", rep.Completed,
			"retried", rep.Retried,
			"failed", rep.Failed,
			"skipped", rep.Skipped,
			"sent", rep.Sent,
		)
	}
}

// Stop cancels the loop and waits for the current tick to drain.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.deps.Logger.Info("dispatcher stopped", "owner", d.cfg.Owner)
	return nil
}

// tally accumulates a Report across pool workers.
type tally struct {
	mu  sync.Mutex
	rep Report
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	fn(&t.rep)
	t.mu.Unlock()
}

// Tick claims every due enrollment (up to the batch size) and processes the
// claims on the pool. It returns once all of them are settled.
func (d *Dispatcher) Tick(ctx context.Context) (Report, error) {
	claimed, err := d.deps.Store.ClaimDue(ctx, store.ClaimRequest{
		Now:   d.deps.Clock.Now(),
		Owner: d.cfg.Owner,
		Lease: d.cfg.Lease,
		Limit: d.cfg.BatchSize,
	})
	if err != nil {
		return Report{}, fmt.Errorf("claim due enrollments: %w", err)
	}

	t := &tally{rep: Report{Claimed: len(claimed)}}
	var wg sync.WaitGroup
	for _, e := range claimed {
		wg.Add(1)
		err := d.deps.Pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			return d.process(ctx, e, t)
		})
		if err != nil {
			// Not started; the lease lapses and a later tick picks it up.
			wg.Done()
			t.add(func(r *Report) { r.Skipped++ })
		}
	}
	wg.Wait()
	return t.rep, nil
}

// process executes one claimed enrollment and persists what happened.
func (d *Dispatcher) process(ctx context.Context, e *store.Enrollment, t *tally) error {
	ctx = logging.WithEnrollment(ctx, e.TenantID, e.SequenceID, e.ID)
	logger := d.deps.Logger

	out, err := d.deps.Executor.Execute(ctx, e)
	if out != nil {
		t.add(func(r *Report) { r.Sent += out.Sent })
	}
	if err == nil {
		return d.apply(ctx, e, out.Transition, t)
	}

	switch {
	case ctx.Err() != nil:
		if out != nil {
			// Shutting down after a send: record it and pick up again later.
			now := d.deps.Clock.Now()
			tr := out.Transition
			tr.DueAt = &now
			return d.apply(ctx, e, tr, t)
		}
		// Shutting down; leave the lease to expire.
		t.add(func(r *Report) { r.Skipped++ })
		return ctx.Err()
	case schema.HasCode(err, schema.ErrCodeConflict):
		logger.InfoContext(ctx, "enrollment claim lost", "error", err)
		t.add(func(r *Report) { r.Skipped++ })
		return nil
	case engine.IsRetryableError(err):
		return d.apply(ctx, e, d.retryTransition(e, out, err), t)
	default:
		logger.ErrorContext(ctx, "enrollment failed",
			"step_id", failingStep(e, out, err),
			"recipient_type", e.RecipientType,
			"recipient_id", e.RecipientID,
			"error", err,
		)
		return d.apply(ctx, e, d.failTransition(e, out, err), t)
	}
}

// retryTransition keeps the cursor on the failing step and schedules it
// after a backoff, or fails the enrollment once attempts are exhausted.
func (d *Dispatcher) retryTransition(e *store.Enrollment, out *engine.Outcome, err error) store.Transition {
	now := d.deps.Clock.Now()
	attempts := e.Attempts + 1
	tr := store.Transition{CurrentStepID: e.CurrentStepID}
	if out != nil {
		// Earlier steps went through; the failure belongs to a new step.
		tr = out.Transition
		attempts = 1
	}
	if d.cfg.Retry.Exhausted(attempts) {
		return d.failTransition(e, out, err)
	}

	due := now.Add(engine.ComputeBackoff(d.cfg.Retry, attempts))
	tr.Status = schema.EnrollmentActive
	tr.DueAt = &due
	tr.ExecutedAt = now
	tr.Attempts = attempts
	tr.LastError = err.Error()
	tr.Events = append(tr.Events, timed(store.NewEvent(schema.EventRetryScheduled, tr.CurrentStepID,
		&store.EventPayload{Attempt: attempts, Error: err.Error()}), now))
	return tr
}

func (d *Dispatcher) failTransition(e *store.Enrollment, out *engine.Outcome, err error) store.Transition {
	now := d.deps.Clock.Now()
	tr := store.Transition{CurrentStepID: e.CurrentStepID, Attempts: e.Attempts + 1}
	if out != nil {
		tr = out.Transition
		tr.Attempts = 1
	}
	tr.Status = schema.EnrollmentFailed
	tr.DueAt = nil
	tr.ExecutedAt = now
	tr.LastError = err.Error()
	tr.Events = append(tr.Events, timed(store.NewEvent(schema.EventFailed, failingStep(e, out, err),
		&store.EventPayload{Attempt: tr.Attempts, Error: err.Error()}), now))
	return tr
}

// apply writes tr under this dispatcher's lease and publishes its events.
func (d *Dispatcher) apply(ctx context.Context, e *store.Enrollment, tr store.Transition, t *tally) error {
	// A message may already be out, so the write outlives cancellation.
	if err := d.deps.Store.ApplyOutcome(context.WithoutCancel(ctx), e.ID, d.cfg.Owner, tr); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			d.deps.Logger.WarnContext(ctx, "enrollment changed while executing", "error", err)
			t.add(func(r *Report) { r.Skipped++ })
			return nil
		}
		d.deps.Logger.ErrorContext(ctx, "failed to persist enrollment outcome", "error", err)
		t.add(func(r *Report) { r.Skipped++ })
		return err
	}

	t.add(func(r *Report) {
		switch tr.Status {
		case schema.EnrollmentCompleted:
			r.Completed++
		case schema.EnrollmentFailed:
			r.Failed++
		default:
			if tr.Attempts > 0 {
				r.Retried++
			} else {
				r.Advanced++
			}
		}
	})
	d.publish(context.WithoutCancel(ctx), e, tr)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, e *store.Enrollment, tr store.Transition) {
	if d.deps.Hub == nil {
		return
	}
	for _, ev := range tr.Events {
		_ = d.deps.Hub.Publish(ctx, streaming.StreamEvent{
			TenantID:     e.TenantID,
			SequenceID:   e.SequenceID,
			EnrollmentID: e.ID,
			StepID:       ev.StepID,
			EventType:    ev.Type,
			Status:       string(tr.Status),
			Payload:      ev.Payload,
			Timestamp:    ev.Timestamp,
		})
	}
}

func failingStep(e *store.Enrollment, out *engine.Outcome, err error) string {
	if se, ok := err.(*schema.SequencerError); ok && se.StepID != "" {
		return se.StepID
	}
	if out != nil {
		return out.Transition.CurrentStepID
	}
	return e.CurrentStepID
}

func timed(ev *store.EnrollmentEvent, at time.Time) *store.EnrollmentEvent {
	ev.Timestamp = at
	return ev
}
