package service

import (
	"context"

	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// EnrollmentDetail is an enrollment with its replayed history.
type EnrollmentDetail struct {
	*store.Enrollment
	History *store.History `json:"history"`
}

// Enroll starts recipient on sequenceID. Leading waits fold into the due
// time; a sequence with nothing to do before its end step completes at once.
func (s *Service) Enroll(ctx context.Context, tenantID, sequenceID string, recipientType schema.RecipientType, recipientID string) (*store.Enrollment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if !recipientType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", recipientType)
	}
	if recipientID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "recipient id is required")
	}

	seq, err := s.store.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sequence %q is not active", seq.Name)
	}
	if _, err := store.LoadRecipient(ctx, s.store, tenantID, recipientType, recipientID); err != nil {
		return nil, err
	}
	return s.enroll(ctx, seq, recipientType, recipientID)
}

func (s *Service) enroll(ctx context.Context, seq *store.Sequence, recipientType schema.RecipientType, recipientID string) (*store.Enrollment, error) {
	now := s.clock.Now()
	e := &store.Enrollment{
		TenantID:      seq.TenantID,
		SequenceID:    seq.ID,
		RecipientType: recipientType,
		RecipientID:   recipientID,
		EnrolledAt:    now,
	}
	events := []*store.EnrollmentEvent{{Type: schema.EventEnrolled, Timestamp: now}}

	pos := engine.Fold(seq.Steps, 1, now)
	if pos.Done {
		e.Status = schema.EnrollmentCompleted
		e.LastExecutedAt = &now
		events = append(events, &store.EnrollmentEvent{Type: schema.EventCompleted, Timestamp: now})
	} else {
		due := pos.DueAt
		e.Status = schema.EnrollmentActive
		e.CurrentStepID = pos.Step.ID
		e.DueAt = &due
	}

	if err := s.store.CreateEnrollment(ctx, e, events); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "recipient enrolled",
		"tenant_id", e.TenantID,
		"sequence_id", e.SequenceID,
		"enrollment_id", e.ID,
		"recipient_type", recipientType,
		"recipient_id", recipientID,
		"status", e.Status,
	)
	for _, ev := range events {
		s.publish(ctx, e, ev)
	}
	return e, nil
}

// Unenroll cancels an active enrollment. A send that has not yet passed its
// claim check will not happen.
func (s *Service) Unenroll(ctx context.Context, tenantID, enrollmentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	now := s.clock.Now()
	if err := s.store.CancelEnrollment(ctx, tenantID, enrollmentID, now); err != nil {
		return err
	}
	e, err := s.store.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "enrollment cancelled", "tenant_id", tenantID, "enrollment_id", enrollmentID)
	s.publish(ctx, e, &store.EnrollmentEvent{Type: schema.EventCancelled, Timestamp: now})
	return nil
}

// ListEnrollments returns the enrollments of one sequence.
func (s *Service) ListEnrollments(ctx context.Context, tenantID, sequenceID string, status *schema.EnrollmentStatus) ([]*store.Enrollment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetSequence(ctx, tenantID, sequenceID); err != nil {
		return nil, err
	}
	return s.store.ListEnrollments(ctx, store.EnrollmentFilter{
		TenantID:   tenantID,
		SequenceID: sequenceID,
		Status:     status,
	})
}

// GetEnrollment returns an enrollment with its event history.
func (s *Service) GetEnrollment(ctx context.Context, tenantID, enrollmentID string) (*EnrollmentDetail, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	e, err := s.store.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return nil, err
	}
	h, err := store.NewEventLog(s.store).Replay(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return &EnrollmentDetail{Enrollment: e, History: h}, nil
}

// FireTrigger enrolls the recipient in every active sequence of the tenant
// listening for trigger. Sequences the recipient is already active in are
// skipped. It returns the new enrollments.
func (s *Service) FireTrigger(ctx context.Context, tenantID string, trigger schema.Trigger, recipientType schema.RecipientType, recipientID string) ([]*store.Enrollment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if !trigger.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger %q", trigger)
	}
	if !recipientType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", recipientType)
	}
	if _, err := store.LoadRecipient(ctx, s.store, tenantID, recipientType, recipientID); err != nil {
		return nil, err
	}

	seqs, err := s.store.ListSequences(ctx, store.SequenceFilter{TenantID: tenantID, Trigger: trigger, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	var created []*store.Enrollment
	for _, listed := range seqs {
		seq, err := s.store.GetSequence(ctx, tenantID, listed.ID)
		if err != nil {
			return created, err
		}
		e, err := s.enroll(ctx, seq, recipientType, recipientID)
		if schema.HasCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return created, err
		}
		created = append(created, e)
	}
	return created, nil
}

// SendNow delivers every send step of a sequence to one recipient right
// away, without creating an enrollment.
func (s *Service) SendNow(ctx context.Context, tenantID, sequenceID string, recipientType schema.RecipientType, recipientID string) (*engine.SendAllResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if !recipientType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", recipientType)
	}
	seq, err := s.store.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	r, err := store.LoadRecipient(ctx, s.store, tenantID, recipientType, recipientID)
	if err != nil {
		return nil, err
	}
	res := s.exec.SendAll(ctx, seq, r)
	s.logger.InfoContext(ctx, "send now finished",
		"tenant_id", tenantID,
		"sequence_id", sequenceID,
		"sent", res.SentCount,
		"errors", len(res.Errors),
	)
	return res, nil
}
