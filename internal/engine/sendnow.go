package engine

import (
	"context"
	"fmt"

	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// SendAllResult reports a one-off delivery of a whole sequence.
type SendAllResult struct {
	SentCount int      `json:"sent_count"`
	Errors    []string `json:"errors"`
}

// SendAll runs every send step in order, ignoring wait, condition and end
// steps. A failure is recorded and the remaining steps still run.
func (x *executorImpl) SendAll(ctx context.Context, seq *store.Sequence, recipient *schema.Recipient) *SendAllResult {
	res := &SendAllResult{Errors: []string{}}
	r := &run{
		e: &store.Enrollment{
			TenantID:      seq.TenantID,
			SequenceID:    seq.ID,
			RecipientType: recipient.Type,
			RecipientID:   recipient.ID,
		},
		seq:       seq,
		recipient: recipient,
		now:       x.deps.Clock.Now(),
		out:       &Outcome{},
	}
	settings, err := store.TenantSettingsOrEmpty(ctx, x.deps.Settings, seq.TenantID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("load tenant settings: %s", err.Error()))
		return res
	}
	r.settings = settings

	for _, st := range seq.Steps {
		if !st.Kind.IsSend() {
			continue
		}
		if err := x.deliver(ctx, r, st); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("step %d: %s", st.Order, err.Error()))
			x.deps.Logger.WarnContext(ctx, "send now step failed", "sequence_id", seq.ID, "order", st.Order, "error", err)
			continue
		}
		res.SentCount++
	}
	return res
}
