package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/sequencer/internal/delivery"
	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/resolver"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// DefaultSendTimeout bounds a single provider call.
const DefaultSendTimeout = 30 * time.Second

// Executor advances one claimed enrollment.
type Executor interface {
	// Execute runs the enrollment's current step (and any conditions that are
	// already due after it) and returns the transition to persist. On error
	// nothing was persisted: retryable errors keep the cursor, data integrity
	// errors fail the enrollment, CONFLICT means the claim was lost. If steps
	// completed before the error, the Outcome is non-nil and holds their
	// events with the cursor on the failing step.
	Execute(ctx context.Context, e *store.Enrollment) (*Outcome, error)

	// SendAll delivers every send step of a sequence to one recipient with no
	// waiting and no enrollment.
	SendAll(ctx context.Context, seq *store.Sequence, recipient *schema.Recipient) *SendAllResult
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Transition store.Transition
	Sent       int
	Skipped    int
	Conditions int
}

// ExecutorDeps are the collaborators an executor reads and writes through.
type ExecutorDeps struct {
	Sequences   store.SequenceStore
	Enrollments store.EnrollmentStore
	Recipients  store.RecipientStore
	Settings    store.SettingsStore
	Sender      delivery.MessageSender
	Conditions  expressions.ConditionEngine
	Clock       Clock
	Logger      *slog.Logger
}

// ExecutorConfig holds executor settings.
type ExecutorConfig struct {
	SendTimeout time.Duration
	// Lease is what the claim is renewed to right before a send. It must
	// exceed SendTimeout. Defaults to four times SendTimeout.
	Lease time.Duration
	// BaseURL backs bookingLink/aiChatLink when the tenant has none.
	BaseURL string
}

type executorImpl struct {
	deps   ExecutorDeps
	config ExecutorConfig
}

// NewExecutor creates an Executor. Clock defaults to the system clock, the
// condition engine to CEL.
func NewExecutor(deps ExecutorDeps, cfg ExecutorConfig) (Executor, error) {
	if deps.Sequences == nil || deps.Enrollments == nil || deps.Recipients == nil || deps.Settings == nil {
		return nil, fmt.Errorf("executor: stores are required")
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("executor: message sender is required")
	}
	if deps.Conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.Conditions = cel
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 4 * cfg.SendTimeout
	}
	if cfg.Lease <= cfg.SendTimeout {
		return nil, fmt.Errorf("executor: lease (%s) must exceed send timeout (%s)", cfg.Lease, cfg.SendTimeout)
	}
	return &executorImpl{deps: deps, config: cfg}, nil
}

// run is the per-invocation working state.
type run struct {
	e         *store.Enrollment
	seq       *store.Sequence
	recipient *schema.Recipient
	settings  *schema.TenantSettings
	now       time.Time
	out       *Outcome
}

func (x *executorImpl) Execute(ctx context.Context, e *store.Enrollment) (*Outcome, error) {
	ctx = logging.WithEnrollment(ctx, e.TenantID, e.SequenceID, e.ID)
	r, err := x.load(ctx, e)
	if err != nil {
		return nil, err
	}

	idx := stepIndex(r.seq.Steps)
	cur, ok := idx[e.CurrentStepID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity,
			"enrollment %s points at step %q which is not in sequence %s", e.ID, e.CurrentStepID, e.SequenceID).
			WithDetails(map[string]any{"enrollment_id": e.ID, "sequence_id": e.SequenceID})
	}

	// Each pass either returns or moves the cursor; more passes than steps
	// means a loop of conditions with no wait in it.
	sent := false
	for hops := 0; hops <= len(r.seq.Steps); hops++ {
		var next int
		switch cur.Kind {
		case schema.StepSendSMS, schema.StepSendEmail:
			if err := x.send(ctx, r, cur); err != nil {
				return r.partial(cur), err
			}
			sent = true
			next = cur.Order + 1
		case schema.StepCondition:
			branch, err := x.evaluate(ctx, r, cur)
			if err != nil {
				return r.partial(cur), err
			}
			next = NextOrder(cur, branch)
		case schema.StepWait:
			next = cur.Order
		case schema.StepEnd:
			return r.complete(), nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity, "step %s has unknown kind %q", cur.ID, cur.Kind).
				WithStep(cur.ID)
		}

		pos := Fold(r.seq.Steps, next, r.now)
		if pos.Done {
			return r.complete(), nil
		}
		if pos.DueAt.After(r.now) || (sent && pos.Step.Kind.IsSend()) {
			return r.schedule(pos), nil
		}
		cur = pos.Step
	}
	return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity,
		"enrollment %s looped through %d steps without waiting", e.ID, len(r.seq.Steps)+1)
}

func (x *executorImpl) load(ctx context.Context, e *store.Enrollment) (*run, error) {
	seq, err := x.deps.Sequences.GetSequence(ctx, e.TenantID, e.SequenceID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeSequenceNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity, "sequence %s of enrollment %s is gone", e.SequenceID, e.ID).
				WithCause(err)
		}
		return nil, storeError("load sequence", err)
	}
	recipient, err := store.LoadRecipient(ctx, x.deps.Recipients, e.TenantID, e.RecipientType, e.RecipientID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) || schema.HasCode(err, schema.ErrCodeValidation) {
			return nil, schema.NewErrorf(schema.ErrCodeDataIntegrity, "recipient %s/%s of enrollment %s is gone",
				e.RecipientType, e.RecipientID, e.ID).WithCause(err)
		}
		return nil, storeError("load recipient", err)
	}
	settings, err := store.TenantSettingsOrEmpty(ctx, x.deps.Settings, e.TenantID)
	if err != nil {
		return nil, storeError("load tenant settings", err)
	}
	return &run{
		e:         e,
		seq:       seq,
		recipient: recipient,
		settings:  settings,
		now:       x.deps.Clock.Now(),
		out:       &Outcome{},
	}, nil
}

// send delivers one send step. Permanent failures are recorded as a skip
// and the enrollment moves on; anything else aborts the invocation.
func (x *executorImpl) send(ctx context.Context, r *run, st *store.Step) error {
	ctx = logging.WithStepID(ctx, st.ID)
	channel := channelOf(st.Kind)

	// Last check before anything leaves the building: a cancel or a lost
	// lease must not produce a send. The renewed lease outlives the send.
	if err := x.deps.Enrollments.ConfirmClaim(ctx, r.e.ID, r.e.LeaseOwner, x.deps.Clock.Now(), x.config.Lease); err != nil {
		return err
	}

	err := x.deliver(ctx, r, st)
	switch {
	case err == nil:
		r.out.Sent++
		r.append(store.NewEvent(schema.EventStepSent, st.ID, &store.EventPayload{Channel: string(channel)}))
		x.deps.Logger.InfoContext(ctx, "step sent", "channel", channel, "order", st.Order)
		return nil
	case delivery.IsPermanent(err):
		r.out.Skipped++
		r.append(store.NewEvent(schema.EventStepSkipped, st.ID,
			&store.EventPayload{Channel: string(channel), Error: err.Error()}))
		x.deps.Logger.WarnContext(ctx, "step skipped", "channel", channel, "order", st.Order, "error", err)
		return nil
	default:
		return err
	}
}

func (x *executorImpl) deliver(ctx context.Context, r *run, st *store.Step) error {
	channel := channelOf(st.Kind)
	if r.recipient.OptedOut {
		return delivery.Permanent(channel, "recipient opted out")
	}

	computed := resolver.Computed(r.settings, resolver.ComputedInput{
		Now:          r.now,
		EnrollmentID: r.e.ID,
		SequenceName: r.seq.Name,
		BaseURL:      x.config.BaseURL,
	})
	body := resolver.Resolve(st.Body, r.recipient, r.settings, computed)
	if len(body.Unresolved) > 0 {
		x.deps.Logger.WarnContext(ctx, "unresolved template variables", "tokens", body.Unresolved)
	}

	sendCtx, cancel := context.WithTimeout(ctx, x.config.SendTimeout)
	defer cancel()

	var err error
	switch st.Kind {
	case schema.StepSendSMS:
		if r.recipient.Phone == "" {
			return delivery.Permanent(channel, "recipient has no phone number")
		}
		err = x.deps.Sender.SendSMS(sendCtx, r.recipient.Phone, body.Text)
	case schema.StepSendEmail:
		if r.recipient.Email == "" {
			return delivery.Permanent(channel, "recipient has no email address")
		}
		subject := resolver.Resolve(st.Subject, r.recipient, r.settings, computed)
		err = x.deps.Sender.SendEmail(sendCtx, r.recipient.Email, subject.Text, body.Text)
	}
	return delivery.Classify(channel, err)
}

func (x *executorImpl) evaluate(ctx context.Context, r *run, st *store.Step) (bool, error) {
	data := ConditionData(r.e, r.seq, r.recipient, r.settings, r.now)
	result, err := expressions.EvaluateCondition(ctx, x.deps.Conditions, st.Condition, data)
	if err != nil {
		if se, ok := err.(*schema.SequencerError); ok {
			se.WithStep(st.ID)
		}
		return false, err
	}
	r.out.Conditions++
	r.append(store.NewEvent(schema.EventConditionEvaluated, st.ID, &store.EventPayload{Result: &result}))
	x.deps.Logger.DebugContext(logging.WithStepID(ctx, st.ID), "condition evaluated",
		"order", st.Order, "result", result)
	return result, nil
}

func (r *run) append(ev *store.EnrollmentEvent) {
	ev.Timestamp = r.now
	r.out.Transition.Events = append(r.out.Transition.Events, ev)
}

func (r *run) complete() *Outcome {
	r.append(store.NewEvent(schema.EventCompleted, "", nil))
	r.out.Transition.Status = schema.EnrollmentCompleted
	r.out.Transition.ExecutedAt = r.now
	return r.out
}

// partial returns the progress made before a failure at st, or nil if there
// was none.
func (r *run) partial(st *store.Step) *Outcome {
	if len(r.out.Transition.Events) == 0 {
		return nil
	}
	r.out.Transition.Status = schema.EnrollmentActive
	r.out.Transition.CurrentStepID = st.ID
	r.out.Transition.ExecutedAt = r.now
	return r.out
}

func (r *run) schedule(pos Position) *Outcome {
	due := pos.DueAt
	r.out.Transition.Status = schema.EnrollmentActive
	r.out.Transition.CurrentStepID = pos.Step.ID
	r.out.Transition.DueAt = &due
	r.out.Transition.ExecutedAt = r.now
	return r.out
}

// ConditionData builds the variables condition expressions see.
func ConditionData(e *store.Enrollment, seq *store.Sequence, recipient *schema.Recipient, settings *schema.TenantSettings, now time.Time) map[string]any {
	enrollment := map[string]any{
		"id":            e.ID,
		"status":        string(e.Status),
		"attempts":      e.Attempts,
		"recipientType": string(e.RecipientType),
		"enrolledAt":    e.EnrolledAt.UTC().Format(time.RFC3339),
		"daysEnrolled":  int(now.Sub(e.EnrolledAt).Hours() / 24),
	}
	if seq != nil {
		enrollment["sequenceId"] = seq.ID
		enrollment["sequenceName"] = seq.Name
		enrollment["trigger"] = string(seq.Trigger)
	}
	return map[string]any{
		expressions.VarRecipient:  recipient.Fields(),
		expressions.VarEnrollment: enrollment,
		expressions.VarTenant:     settings.Fields(),
	}
}

func channelOf(kind schema.StepKind) delivery.Channel {
	if kind == schema.StepSendEmail {
		return delivery.ChannelEmail
	}
	return delivery.ChannelSMS
}

func storeError(op string, err error) error {
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
