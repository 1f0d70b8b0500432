// Package resolver fills {{token}} placeholders in message text.
package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/sequencer/pkg/schema"
)

// Result is the outcome of resolving one template.
type Result struct {
	Text       string
	Unresolved []string
}

// Resolve replaces every {{identifier}} token in tmpl. Lookup order per token
// is recipient fields, then tenant settings, then computed values. Tokens no
// layer knows stay verbatim and are reported in Unresolved. Resolve never
// fails and holds no state, so workers call it concurrently.
func Resolve(tmpl string, recipient *schema.Recipient, settings *schema.TenantSettings, computed map[string]any) Result {
	layers := []map[string]any{recipient.Fields(), settings.Fields(), computed}

	var out strings.Builder
	out.Grow(len(tmpl))
	var unresolved []string

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "{{")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			// Unclosed marker: the rest is literal text.
			out.WriteString(tmpl[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(tmpl[start:end])
		if !isIdentifier(name) {
			// Not a token ("{{ }}", "{{a b}}"); emit the opening braces and
			// rescan after them so a later token is still found.
			out.WriteString("{{")
			i = start
			continue
		}

		if v, ok := lookup(name, layers); ok {
			out.WriteString(v)
		} else {
			out.WriteString(tmpl[i+idx : end+2])
			unresolved = append(unresolved, name)
		}
		i = end + 2
	}

	return Result{Text: out.String(), Unresolved: unresolved}
}

// lookup finds name in the first layer that has a non-empty value. Dotted
// names descend into nested maps.
func lookup(name string, layers []map[string]any) (string, bool) {
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		v, ok := traverse(layer, name)
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" {
			continue
		}
		return s, true
	}
	return "", false
}

func traverse(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	switch next := m[head].(type) {
	case map[string]any:
		return traverse(next, rest)
	case map[string]string:
		v, ok := next[rest]
		return v, ok
	default:
		return nil, false
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// ComputedInput carries what Computed needs beyond the tenant profile.
type ComputedInput struct {
	Now          time.Time
	EnrollmentID string
	SequenceName string
	BaseURL      string
}

// Computed builds the context layer: links, dates and enrollment metadata.
// Dates are rendered in the tenant's time zone.
func Computed(settings *schema.TenantSettings, in ComputedInput) map[string]any {
	now := in.Now.In(settings.Location())
	out := map[string]any{
		"currentDate": now.Format("January 2, 2006"),
		"currentYear": now.Format("2006"),
		"dayOfWeek":   now.Weekday().String(),
	}
	if in.EnrollmentID != "" {
		out["enrollmentId"] = in.EnrollmentID
	}
	if in.SequenceName != "" {
		out["sequenceName"] = in.SequenceName
	}

	base := strings.TrimRight(in.BaseURL, "/")
	if settings != nil && settings.BookingURL != "" {
		out["bookingLink"] = settings.BookingURL
	} else if base != "" && settings != nil && settings.TenantID != "" {
		out["bookingLink"] = base + "/book/" + settings.TenantID
	}
	if settings != nil && settings.AIChatURL != "" {
		out["aiChatLink"] = settings.AIChatURL
	} else if base != "" && settings != nil && settings.TenantID != "" {
		out["aiChatLink"] = base + "/chat/" + settings.TenantID
	}
	return out
}
