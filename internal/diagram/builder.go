package diagram

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

const (
	startID       = "start"
	maxLabelRunes = 48
)

// Build constructs a Model from a sequence. When e and h are given, nodes
// carry that enrollment's progress.
func Build(seq *store.Sequence, e *store.Enrollment, h *store.History) (*Model, error) {
	if seq == nil || len(seq.Steps) == 0 {
		return nil, fmt.Errorf("diagram: sequence has no steps")
	}

	m := &Model{Title: seq.Name}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Enrolled (" + string(seq.Trigger) + ")", Kind: NodeKindStart})
	for _, st := range seq.Steps {
		m.Nodes = append(m.Nodes, &Node{
			ID:    nodeID(st.Order),
			Order: st.Order,
			Label: nodeLabel(st),
			Kind:  stepKindToNode(st.Kind),
		})
	}
	m.Edges = buildEdges(seq.Steps)

	if e != nil {
		overlay(m, seq.Steps, e, h)
	}
	return m, nil
}

func nodeID(order int) string {
	return fmt.Sprintf("s%d", order)
}

func stepKindToNode(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepSendSMS:
		return NodeKindSMS
	case schema.StepSendEmail:
		return NodeKindEmail
	case schema.StepWait:
		return NodeKindWait
	case schema.StepCondition:
		return NodeKindCondition
	default:
		return NodeKindEnd
	}
}

func nodeLabel(st *store.Step) string {
	var text string
	switch st.Kind {
	case schema.StepSendSMS:
		text = "SMS: " + st.Body
	case schema.StepSendEmail:
		text = "Email: " + st.Subject
	case schema.StepWait:
		text = "Wait " + waitLabel(st.WaitMinutes)
	case schema.StepCondition:
		if st.Condition == "" {
			text = "If true"
		} else {
			text = "If " + st.Condition
		}
	default:
		text = "End"
	}
	return fmt.Sprintf("%d. %s", st.Order, truncate(firstLine(text), maxLabelRunes))
}

func waitLabel(minutes int) string {
	d, rest := minutes/(24*60), minutes%(24*60)
	h, m := rest/60, rest%60
	var parts []string
	if d > 0 {
		parts = append(parts, fmt.Sprintf("%dd", d))
	}
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// buildEdges follows the same successor rules as the executor.
func buildEdges(steps []*store.Step) []Edge {
	edges := []Edge{{From: startID, To: nodeID(steps[0].Order)}}
	for _, st := range steps {
		switch st.Kind {
		case schema.StepEnd:
		case schema.StepCondition:
			edges = append(edges,
				Edge{From: nodeID(st.Order), To: nodeID(engine.NextOrder(st, true)), Label: "yes"},
				Edge{From: nodeID(st.Order), To: nodeID(engine.NextOrder(st, false)), Label: "no"},
			)
		default:
			edges = append(edges, Edge{From: nodeID(st.Order), To: nodeID(st.Order + 1)})
		}
	}
	return edges
}

func overlay(m *Model, steps []*store.Step, e *store.Enrollment, h *store.History) {
	byID := make(map[string]*Node, len(steps))
	for _, st := range steps {
		byID[st.ID] = m.node(nodeID(st.Order))
	}

	if h != nil {
		for stepID, sh := range h.Steps {
			n := byID[stepID]
			if n == nil {
				continue
			}
			ov := &StatusOverlay{Sent: sh.Sent, Retries: sh.Retries, Detail: payloadError(sh.LastDetail)}
			switch {
			case sh.Sent > 0:
				ov.Status = StatusSent
			case sh.Skipped > 0:
				ov.Status = StatusSkipped
			case sh.Branch != nil:
				ov.Status = StatusTaken
				if *sh.Branch {
					ov.Detail = "yes"
				} else {
					ov.Detail = "no"
				}
			case sh.Retries > 0:
				ov.Status = StatusRetrying
			}
			if ov.Status != "" {
				n.Status = ov
			}
		}
	}

	cur := byID[e.CurrentStepID]
	if cur == nil {
		return
	}
	switch e.Status {
	case schema.EnrollmentActive:
		cur.Status = mergeStatus(cur.Status, StatusCurrent)
	case schema.EnrollmentFailed:
		cur.Status = mergeStatus(cur.Status, StatusFailed)
		if e.LastError != "" {
			cur.Status.Detail = e.LastError
		}
	}
}

func mergeStatus(ov *StatusOverlay, status string) *StatusOverlay {
	if ov == nil {
		ov = &StatusOverlay{}
	}
	ov.Status = status
	return ov
}

func payloadError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p store.EventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Error
}
