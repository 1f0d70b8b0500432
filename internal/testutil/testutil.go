// Package testutil provides fakes shared by package tests: a controllable
// clock, a recording message sender and a migrated temporary store.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock. Safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock stopped at start (Epoch when zero).
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Message is one delivery captured by RecordingSender.
type Message struct {
	Channel string
	To      string
	Subject string
	Body    string
}

// RecordingSender captures deliveries. Fail, when set, decides per message
// whether to return an error instead; failed messages are not recorded.
type RecordingSender struct {
	mu       sync.Mutex
	messages []Message
	Fail     func(m Message) error
	// Gate, when set, blocks every send until it is closed or receives.
	Gate chan struct{}
}

func (s *RecordingSender) SendSMS(ctx context.Context, phone, body string) error {
	return s.record(ctx, Message{Channel: "sms", To: phone, Body: body})
}

func (s *RecordingSender) SendEmail(ctx context.Context, to, subject, body string) error {
	return s.record(ctx, Message{Channel: "email", To: to, Subject: subject, Body: body})
}

func (s *RecordingSender) record(ctx context.Context, m Message) error {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.Fail != nil {
		if err := s.Fail(m); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return nil
}

// Messages returns a copy of what was delivered so far.
func (s *RecordingSender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Count returns the number of deliveries.
func (s *RecordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// NewStore opens a migrated libSQL store in a temp dir, closed on cleanup.
func NewStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Steps numbers specs 1..n.
func Steps(specs ...schema.StepSpec) []*store.Step {
	steps := make([]*store.Step, len(specs))
	for i, sp := range specs {
		steps[i] = &store.Step{Order: i + 1, StepSpec: sp}
	}
	return steps
}

// SeedSequence creates an active sequence with the given steps.
func SeedSequence(t *testing.T, s store.SequenceStore, tenantID, name string, specs ...schema.StepSpec) *store.Sequence {
	t.Helper()
	seq := &store.Sequence{
		TenantID: tenantID,
		Name:     name,
		Trigger:  schema.TriggerNewLead,
		Active:   true,
		Steps:    Steps(specs...),
	}
	require.NoError(t, s.CreateSequence(context.Background(), seq))
	return seq
}

// SeedLead stores a lead with a phone and an email.
func SeedLead(t *testing.T, s store.Store, tenantID, id, firstName string) *schema.Recipient {
	t.Helper()
	r := &schema.Recipient{
		Type:      schema.RecipientLead,
		ID:        id,
		TenantID:  tenantID,
		FirstName: firstName,
		Email:     id + "@example.com",
		Phone:     "+15550100",
	}
	require.NoError(t, s.UpsertRecipient(context.Background(), r))
	return r
}
