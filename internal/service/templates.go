package service

import (
	"context"
	"fmt"

	"github.com/rendis/sequencer/internal/catalog"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// maxInstallCopies bounds the "(n)" suffix search of InstallTemplate.
const maxInstallCopies = 100

// TemplateList is the catalog as seen by one tenant.
type TemplateList struct {
	Industry  string             `json:"industry"`
	Templates []catalog.Template `json:"templates"`
}

// ListTemplates returns the catalog of the tenant's industry, or of the
// default industry when the tenant has none or an unknown one.
func (s *Service) ListTemplates(ctx context.Context, tenantID string) (*TemplateList, error) {
	industry, err := s.industry(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &TemplateList{Industry: industry, Templates: s.catalog.Templates(industry)}, nil
}

// InstallTemplate copies a catalog template into an active sequence. Each
// install is independent; repeated installs get " (2)", " (3)" and so on.
func (s *Service) InstallTemplate(ctx context.Context, tenantID, name, actorID string) (*store.Sequence, error) {
	industry, err := s.industry(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.catalog.Lookup(industry, name)
	if err != nil {
		return nil, err
	}

	for n := 1; n <= maxInstallCopies; n++ {
		seq := fromTemplate(tenantID, tpl, actorID, true)
		if n > 1 {
			seq.Name = fmt.Sprintf("%s (%d)", tpl.Name, n)
		}
		err := s.store.CreateSequence(ctx, seq)
		if schema.HasCode(err, schema.ErrCodeConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "template installed",
			"tenant_id", tenantID,
			"template", tpl.Name,
			"sequence_id", seq.ID,
			"name", seq.Name,
		)
		return s.store.GetSequence(ctx, tenantID, seq.ID)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "template %q is installed %d times already", tpl.Name, maxInstallCopies)
}

// ResetToDefault replaces every sequence of the tenant, with their
// enrollments, by one inactive copy of each catalog template. It is a single
// transaction.
func (s *Service) ResetToDefault(ctx context.Context, tenantID, actorID string) ([]*store.Sequence, error) {
	industry, err := s.industry(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	templates := s.catalog.Templates(industry)
	seqs := make([]*store.Sequence, len(templates))
	for i, tpl := range templates {
		seqs[i] = fromTemplate(tenantID, tpl, actorID, false)
	}
	if err := s.store.ResetTenant(ctx, tenantID, seqs); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "tenant reset to default templates",
		"tenant_id", tenantID,
		"industry", industry,
		"sequences", len(seqs),
	)
	return s.store.ListSequences(ctx, store.SequenceFilter{TenantID: tenantID})
}

func (s *Service) industry(ctx context.Context, tenantID string) (string, error) {
	if err := requireTenant(tenantID); err != nil {
		return "", err
	}
	settings, err := store.TenantSettingsOrEmpty(ctx, s.store, tenantID)
	if err != nil {
		return "", err
	}
	return s.catalog.Industry(settings.Industry), nil
}

func fromTemplate(tenantID string, tpl catalog.Template, actorID string, active bool) *store.Sequence {
	return &store.Sequence{
		TenantID:    tenantID,
		Name:        tpl.Name,
		Description: tpl.Description,
		Trigger:     tpl.Trigger,
		Active:      active,
		CreatedBy:   actorID,
		Steps:       numbered(schema.WithEnd(tpl.Steps)),
	}
}
