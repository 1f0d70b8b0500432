package expressions

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rendis/sequencer/pkg/schema"
)

// PayloadQueries are jq queries locating recipient fields inside a trigger
// webhook payload.
type PayloadQueries struct {
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
}

// DefaultPayloadQueries match the flat payload the HTTP API documents.
func DefaultPayloadQueries() PayloadQueries {
	return PayloadQueries{
		RecipientType: `.recipient_type // "lead"`,
		RecipientID:   `.recipient_id`,
		FirstName:     `.first_name // empty`,
		LastName:      `.last_name // empty`,
		Email:         `.email // empty`,
		Phone:         `.phone // empty`,
	}
}

// PayloadMapper turns webhook payloads into recipients using jq queries.
type PayloadMapper struct {
	jq      *GoJQEngine
	queries PayloadQueries
}

// NewPayloadMapper compiles every non-empty query up front.
func NewPayloadMapper(q PayloadQueries) (*PayloadMapper, error) {
	jq := NewGoJQEngine()
	if q.RecipientID == "" {
		return nil, fmt.Errorf("payload mapper: recipient_id query is required")
	}
	for _, expr := range []string{q.RecipientType, q.RecipientID, q.FirstName, q.LastName, q.Email, q.Phone} {
		if expr == "" {
			continue
		}
		if err := jq.Check(expr); err != nil {
			return nil, err
		}
	}
	return &PayloadMapper{jq: jq, queries: q}, nil
}

// Map extracts a recipient from payload. Recipient type and id are required;
// the other fields are optional and left empty when the query yields nothing.
func (m *PayloadMapper) Map(ctx context.Context, tenantID string, payload map[string]any) (*schema.Recipient, error) {
	r := &schema.Recipient{TenantID: tenantID, Type: schema.RecipientLead}

	fields := []struct {
		query    string
		dst      *string
		required bool
	}{
		{m.queries.RecipientID, &r.ID, true},
		{m.queries.FirstName, &r.FirstName, false},
		{m.queries.LastName, &r.LastName, false},
		{m.queries.Email, &r.Email, false},
		{m.queries.Phone, &r.Phone, false},
	}
	for _, f := range fields {
		if f.query == "" {
			continue
		}
		v, err := m.extract(ctx, f.query, payload)
		if err != nil {
			return nil, err
		}
		if v == "" && f.required {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload query %q yielded no value", f.query)
		}
		*f.dst = v
	}

	if m.queries.RecipientType != "" {
		v, err := m.extract(ctx, m.queries.RecipientType, payload)
		if err != nil {
			return nil, err
		}
		if v != "" {
			r.Type = schema.RecipientType(v)
		}
	}
	if !r.Type.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown recipient type %q", r.Type)
	}
	return r, nil
}

func (m *PayloadMapper) extract(ctx context.Context, query string, payload map[string]any) (string, error) {
	out, err := m.jq.Evaluate(ctx, query, payload)
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "payload query %q yielded %T, want a scalar", query, out)
	}
}
