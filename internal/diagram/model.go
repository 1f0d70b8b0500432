// Package diagram renders a sequence as a flowchart, optionally overlaid
// with one enrollment's progress.
package diagram

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindSMS       NodeKind = "sms"
	NodeKindEmail     NodeKind = "email"
	NodeKindWait      NodeKind = "wait"
	NodeKindCondition NodeKind = "condition"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Overlay states.
const (
	StatusSent     = "sent"
	StatusSkipped  = "skipped"
	StatusRetrying = "retrying"
	StatusCurrent  = "current"
	StatusTaken    = "taken"
	StatusFailed   = "failed"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, or the virtual start node.
type Node struct {
	ID     string
	Order  int
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries one enrollment's state for a node.
type StatusOverlay struct {
	Status  string
	Sent    int
	Retries int
	Detail  string
}

// Edge connects a step to its successor; condition edges carry yes/no.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
