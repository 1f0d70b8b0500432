package service

import (
	"context"

	"github.com/rendis/sequencer/internal/diagram"
	"github.com/rendis/sequencer/pkg/schema"
)

// Diagram formats.
const (
	DiagramMermaid = "mermaid"
	DiagramASCII   = "ascii"
)

// RenderDiagram draws a sequence as a flowchart. With an enrollmentID, the
// enrollment must belong to the sequence and its progress is overlaid.
func (s *Service) RenderDiagram(ctx context.Context, tenantID, sequenceID, enrollmentID, format string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}
	if format == "" {
		format = DiagramMermaid
	}
	if format != DiagramMermaid && format != DiagramASCII {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "format must be %s or %s", DiagramMermaid, DiagramASCII)
	}
	seq, err := s.store.GetSequence(ctx, tenantID, sequenceID)
	if err != nil {
		return "", err
	}

	var model *diagram.Model
	if enrollmentID != "" {
		detail, err := s.GetEnrollment(ctx, tenantID, enrollmentID)
		if err != nil {
			return "", err
		}
		if detail.SequenceID != seq.ID {
			return "", schema.NewErrorf(schema.ErrCodeNotFound, "enrollment %q is not in sequence %q", enrollmentID, seq.ID)
		}
		model, err = diagram.Build(seq, detail.Enrollment, detail.History)
		if err != nil {
			return "", err
		}
	} else {
		model, err = diagram.Build(seq, nil, nil)
		if err != nil {
			return "", err
		}
	}

	if format == DiagramASCII {
		return diagram.RenderASCII(model), nil
	}
	return diagram.RenderMermaid(model), nil
}
