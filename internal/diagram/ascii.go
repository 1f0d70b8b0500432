package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for an overlay status.
func statusTag(ov *StatusOverlay) string {
	if ov == nil {
		return ""
	}
	switch ov.Status {
	case StatusSent:
		if ov.Sent > 1 {
			return fmt.Sprintf("[SENT x%d]", ov.Sent)
		}
		return "[SENT]"
	case StatusSkipped:
		return "[SKIP]"
	case StatusRetrying:
		return fmt.Sprintf("[RETRY %d]", ov.Retries)
	case StatusCurrent:
		return "[NOW]"
	case StatusFailed:
		return "[FAIL]"
	case StatusTaken:
		return "[" + strings.ToUpper(ov.Detail) + "]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as a vertical list of boxes. Condition steps
// list their yes/no targets under the box.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, node := range model.Nodes {
		renderBox(&b, node)
		var branches []Edge
		for _, e := range model.Edges {
			if e.From == node.ID && e.Label != "" {
				branches = append(branches, e)
			}
		}
		for _, e := range branches {
			target := e.To
			if n := model.node(e.To); n != nil {
				target = fmt.Sprintf("step %d", n.Order)
			}
			fmt.Fprintf(&b, "   %s -> %s\n", e.Label, target)
		}
		if i < len(model.Nodes)-1 && len(branches) == 0 {
			b.WriteString("   |\n   v\n")
		}
	}
	return b.String()
}

func renderBox(b *strings.Builder, node *Node) {
	text := node.Label
	if tag := statusTag(node.Status); tag != "" {
		text += " " + tag
	}
	width := utf8.RuneCountInString(text) + 2
	border := "+" + strings.Repeat("-", width) + "+"
	fmt.Fprintf(b, "%s\n| %s |\n%s\n", border, text, border)
}
