package store

import (
	"context"
	"time"

	"github.com/rendis/sequencer/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	SequenceStore
	EnrollmentStore
	RecipientStore
	SettingsStore

	// Collaborator seeding
	UpsertRecipient(ctx context.Context, r *schema.Recipient) error
	UpsertTenantSettings(ctx context.Context, s *schema.TenantSettings) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// SequenceStore persists sequences and their steps.
type SequenceStore interface {
	CreateSequence(ctx context.Context, seq *Sequence) error
	GetSequence(ctx context.Context, tenantID, id string) (*Sequence, error)
	ListSequences(ctx context.Context, filter SequenceFilter) ([]*Sequence, error)
	UpdateSequence(ctx context.Context, tenantID, id string, update SequenceUpdate) error
	DeleteSequence(ctx context.Context, tenantID, id string) error
	ListSteps(ctx context.Context, sequenceID string) ([]*Step, error)
	ReplaceSteps(ctx context.Context, tenantID, sequenceID string, version int, steps []*Step) error
	ResetTenant(ctx context.Context, tenantID string, seqs []*Sequence) error
	Stats(ctx context.Context, tenantID string) (*Stats, error)
}

// EnrollmentStore persists enrollments and their history. Only the holder of
// an enrollment's lease may move it forward; the management surface may only
// create it or cancel it.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e *Enrollment, events []*EnrollmentEvent) error
	GetEnrollment(ctx context.Context, tenantID, id string) (*Enrollment, error)
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*Enrollment, error)
	CancelEnrollment(ctx context.Context, tenantID, id string, at time.Time) error

	ClaimDue(ctx context.Context, req ClaimRequest) ([]*Enrollment, error)
	ConfirmClaim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) error
	ApplyOutcome(ctx context.Context, id, owner string, tr Transition) error

	ListEvents(ctx context.Context, enrollmentID string) ([]*EnrollmentEvent, error)
}

// RecipientStore serves read-only personalization records.
type RecipientStore interface {
	GetLead(ctx context.Context, tenantID, id string) (*schema.Recipient, error)
	GetStudent(ctx context.Context, tenantID, id string) (*schema.Recipient, error)
}

// SettingsStore serves the tenant business profile.
type SettingsStore interface {
	GetTenantSettings(ctx context.Context, tenantID string) (*schema.TenantSettings, error)
}

// LoadRecipient dispatches to GetLead or GetStudent by recipient type.
func LoadRecipient(ctx context.Context, rs RecipientStore, tenantID string, typ schema.RecipientType, id string) (*schema.Recipient, error) {
	switch typ {
	case schema.RecipientLead:
		return rs.GetLead(ctx, tenantID, id)
	case schema.RecipientStudent:
		return rs.GetStudent(ctx, tenantID, id)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", typ)
	}
}
