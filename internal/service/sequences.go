package service

import (
	"context"
	"strings"

	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// CreateSequenceInput is the payload of CreateSequence. An end step is
// appended when Steps does not finish with one.
type CreateSequenceInput struct {
	schema.SequenceDefinition
	Active    bool   `json:"active"`
	CreatedBy string `json:"created_by,omitempty"`
}

// ListSequences returns the tenant's sequences with derived counters.
func (s *Service) ListSequences(ctx context.Context, tenantID string, filter store.SequenceFilter) ([]*store.Sequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	filter.TenantID = tenantID
	return s.store.ListSequences(ctx, filter)
}

// GetSequence returns one sequence with its steps.
func (s *Service) GetSequence(ctx context.Context, tenantID, id string) (*store.Sequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.GetSequence(ctx, tenantID, id)
}

// CreateSequence validates and stores a new sequence with its steps.
func (s *Service) CreateSequence(ctx context.Context, tenantID string, in CreateSequenceInput) (*store.Sequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	def := in.SequenceDefinition
	def.Name = strings.TrimSpace(def.Name)
	def.Steps = schema.WithEnd(def.Steps)
	if err := s.validator.ValidateSequence(&def).ToError(); err != nil {
		return nil, err
	}

	seq := &store.Sequence{
		TenantID:    tenantID,
		Name:        def.Name,
		Description: def.Description,
		Trigger:     def.Trigger,
		Active:      in.Active,
		CreatedBy:   in.CreatedBy,
		Steps:       numbered(def.Steps),
	}
	if err := s.store.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "sequence created", "tenant_id", tenantID, "sequence_id", seq.ID, "name", seq.Name)
	return s.store.GetSequence(ctx, tenantID, seq.ID)
}

// UpdateSequence changes name, description, trigger or active flag.
func (s *Service) UpdateSequence(ctx context.Context, tenantID, id string, update store.SequenceUpdate) (*store.Sequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "name cannot be empty")
		}
		update.Name = &name
	}
	if update.Trigger != nil && !update.Trigger.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger %q", *update.Trigger)
	}
	if err := s.store.UpdateSequence(ctx, tenantID, id, update); err != nil {
		return nil, err
	}
	return s.store.GetSequence(ctx, tenantID, id)
}

// DeleteSequence removes a sequence with its steps and enrollments.
func (s *Service) DeleteSequence(ctx context.Context, tenantID, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := s.store.DeleteSequence(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "sequence deleted", "tenant_id", tenantID, "sequence_id", id)
	return nil
}

// AddStep inserts spec at position (1-based). Zero or a position past the
// end places it just before the end step. Branch targets at or after the
// insertion point shift with their steps.
func (s *Service) AddStep(ctx context.Context, tenantID, sequenceID string, spec schema.StepSpec, position int) (*store.Sequence, error) {
	if spec.Kind == schema.StepEnd {
		return nil, schema.NewError(schema.ErrCodeStepOrderConflict, "a sequence has exactly one end step")
	}
	return s.editSteps(ctx, tenantID, sequenceID, func(steps []*store.Step) ([]*store.Step, error) {
		last := len(steps) // order of the end step
		if position <= 0 || position > last {
			position = last
		}
		for _, st := range steps {
			if st.Kind == schema.StepCondition {
				st.OnTrue = shiftTarget(st.OnTrue, position, 1)
				st.OnFalse = shiftTarget(st.OnFalse, position, 1)
			}
		}
		out := make([]*store.Step, 0, len(steps)+1)
		out = append(out, steps[:position-1]...)
		out = append(out, &store.Step{StepSpec: spec})
		return append(out, steps[position-1:]...), nil
	})
}

// UpdateStep replaces the content of one step, keeping its id and order.
func (s *Service) UpdateStep(ctx context.Context, tenantID, sequenceID, stepID string, spec schema.StepSpec) (*store.Sequence, error) {
	return s.editSteps(ctx, tenantID, sequenceID, func(steps []*store.Step) ([]*store.Step, error) {
		st, err := findStep(steps, stepID)
		if err != nil {
			return nil, err
		}
		if (st.Kind == schema.StepEnd) != (spec.Kind == schema.StepEnd) {
			return nil, schema.NewError(schema.ErrCodeStepOrderConflict, "the end step cannot change kind")
		}
		st.StepSpec = spec
		return steps, nil
	})
}

// DeleteStep removes one step. Branch targets after it shift down, so a
// branch to the removed step now lands on the step that followed it.
func (s *Service) DeleteStep(ctx context.Context, tenantID, sequenceID, stepID string) (*store.Sequence, error) {
	return s.editSteps(ctx, tenantID, sequenceID, func(steps []*store.Step) ([]*store.Step, error) {
		st, err := findStep(steps, stepID)
		if err != nil {
			return nil, err
		}
		if st.Kind == schema.StepEnd {
			return nil, schema.NewError(schema.ErrCodeStepOrderConflict, "the end step cannot be deleted")
		}
		removed := st.Order
		out := make([]*store.Step, 0, len(steps)-1)
		for _, other := range steps {
			if other.ID == stepID {
				continue
			}
			if other.Kind == schema.StepCondition {
				other.OnTrue = shiftTarget(other.OnTrue, removed+1, -1)
				other.OnFalse = shiftTarget(other.OnFalse, removed+1, -1)
			}
			out = append(out, other)
		}
		return out, nil
	})
}

// editSteps loads the steps, applies edit, renumbers, validates the result
// and writes it back. The store refuses the write while enrollments are
// active.
func (s *Service) editSteps(ctx context.Context, tenantID, sequenceID string, edit func([]*store.Step) ([]*store.Step, error)) (*store.Sequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	seq, err := s.store.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return nil, err
	}
	steps, err := edit(seq.Steps)
	if err != nil {
		return nil, err
	}

	specs := make([]schema.StepSpec, len(steps))
	for i, st := range steps {
		st.Order = i + 1
		specs[i] = st.StepSpec
	}
	if err := s.validator.ValidateSteps(specs).ToError(); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceSteps(ctx, tenantID, sequenceID, seq.StepsVersion, steps); err != nil {
		return nil, err
	}
	return s.store.GetSequence(ctx, tenantID, sequenceID)
}

func findStep(steps []*store.Step, id string) (*store.Step, error) {
	for _, st := range steps {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
}

// shiftTarget moves a branch target by delta when it is at or after from.
// Zero means "next in order" and never moves.
func shiftTarget(target, from, delta int) int {
	if target == 0 || target < from {
		return target
	}
	return target + delta
}

func numbered(specs []schema.StepSpec) []*store.Step {
	steps := make([]*store.Step, len(specs))
	for i, sp := range specs {
		steps[i] = &store.Step{Order: i + 1, StepSpec: sp}
	}
	return steps
}
