package engine

import (
	"time"

	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// Position is where an enrollment lands after folding wait steps forward.
// Either Done is set (the end step was reached) or Step is a send or
// condition step due at DueAt.
type Position struct {
	Step  *store.Step
	DueAt time.Time
	Done  bool
}

// Fold walks forward from order, adding every wait step's duration to base,
// and stops at the first step that does work. Wait steps are never an
// enrollment's current step. Running past the last order counts as the end.
func Fold(steps []*store.Step, order int, base time.Time) Position {
	due := base
	for o := order; o >= 1 && o <= len(steps); o++ {
		st := steps[o-1]
		switch st.Kind {
		case schema.StepWait:
			due = due.Add(st.WaitDuration())
		case schema.StepEnd:
			return Position{DueAt: due, Done: true}
		case schema.StepSendSMS, schema.StepSendEmail, schema.StepCondition:
			return Position{Step: st, DueAt: due}
		}
	}
	return Position{DueAt: due, Done: true}
}

// NextOrder returns the order that follows st: the configured branch for
// condition steps (0 meaning the next order), otherwise st.Order+1.
func NextOrder(st *store.Step, branch bool) int {
	if st.Kind != schema.StepCondition {
		return st.Order + 1
	}
	target := st.OnFalse
	if branch {
		target = st.OnTrue
	}
	if target == 0 {
		return st.Order + 1
	}
	return target
}

// stepIndex indexes a sequence's steps by id. Steps are assumed sorted by order.
func stepIndex(steps []*store.Step) map[string]*store.Step {
	idx := make(map[string]*store.Step, len(steps))
	for _, st := range steps {
		idx[st.ID] = st
	}
	return idx
}
