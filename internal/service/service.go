// Package service implements the management operations on sequences,
// enrollments and the template catalog. Transports (HTTP, MCP) are thin
// adapters over a Service.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/sequencer/internal/catalog"
	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/streaming"
	"github.com/rendis/sequencer/internal/validation"
	"github.com/rendis/sequencer/pkg/schema"
)

// Deps are the collaborators a Service needs. Hub, Clock and Logger are
// optional.
type Deps struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Validator validation.Validator
	Executor  engine.Executor
	Hub       streaming.EventHub
	Clock     engine.Clock
	Logger    *slog.Logger
}

// Service exposes every management operation, scoped by tenant.
type Service struct {
	store     store.Store
	catalog   *catalog.Catalog
	validator validation.Validator
	exec      engine.Executor
	hub       streaming.EventHub
	clock     engine.Clock
	logger    *slog.Logger
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Catalog == nil || deps.Validator == nil || deps.Executor == nil {
		return nil, fmt.Errorf("service: store, catalog, validator and executor are required")
	}
	if deps.Clock == nil {
		deps.Clock = engine.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		exec:      deps.Executor,
		hub:       deps.Hub,
		clock:     deps.Clock,
		logger:    deps.Logger,
	}, nil
}

// GetStats returns the tenant dashboard counters.
func (s *Service) GetStats(ctx context.Context, tenantID string) (*store.Stats, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return s.store.Stats(ctx, tenantID)
}

// UpsertRecipient stores or replaces a lead or student record.
func (s *Service) UpsertRecipient(ctx context.Context, tenantID string, r *schema.Recipient) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if r == nil || r.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "recipient id is required")
	}
	if !r.Type.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", r.Type)
	}
	r.TenantID = tenantID
	return s.store.UpsertRecipient(ctx, r)
}

// EnsureRecipient stores r unless a recipient with the same type and id
// exists; an existing record (including its opt-out) is left untouched.
func (s *Service) EnsureRecipient(ctx context.Context, tenantID string, r *schema.Recipient) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if r == nil || !r.Type.Valid() || r.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "recipient type and id are required")
	}
	_, err := store.LoadRecipient(ctx, s.store, tenantID, r.Type, r.ID)
	if err == nil {
		return nil
	}
	if !schema.HasCode(err, schema.ErrCodeNotFound) {
		return err
	}
	return s.UpsertRecipient(ctx, tenantID, r)
}

// UpsertTenantSettings stores or replaces the tenant business profile.
func (s *Service) UpsertTenantSettings(ctx context.Context, tenantID string, ts *schema.TenantSettings) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if ts == nil {
		return schema.NewError(schema.ErrCodeValidation, "settings are required")
	}
	ts.TenantID = tenantID
	return s.store.UpsertTenantSettings(ctx, ts)
}

func (s *Service) publish(ctx context.Context, e *store.Enrollment, ev *store.EnrollmentEvent) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:     e.TenantID,
		SequenceID:   e.SequenceID,
		EnrollmentID: e.ID,
		StepID:       ev.StepID,
		EventType:    ev.Type,
		Status:       string(e.Status),
		Payload:      ev.Payload,
		Timestamp:    ev.Timestamp,
	})
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	return nil
}
