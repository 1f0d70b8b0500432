package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

// handleListSequences lists the tenant's sequences.
func (s *SequencerServer) handleListSequences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	filter := store.SequenceFilter{
		Trigger:    schema.Trigger(req.GetString("trigger", "")),
		ActiveOnly: req.GetBool("active_only", false),
	}
	seqs, err := s.svc.ListSequences(logging.WithTenantID(ctx, tenantID), tenantID, filter)
	if err != nil {
		return toolError("list sequences", err), nil
	}
	if seqs == nil {
		seqs = []*store.Sequence{}
	}
	return marshalResult(map[string]any{"sequences": seqs, "count": len(seqs)})
}

// handleGetSequence returns one sequence with its steps.
func (s *SequencerServer) handleGetSequence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	id, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}
	seq, err := s.svc.GetSequence(ctx, tenantID, id)
	if err != nil {
		return toolError("get sequence", err), nil
	}
	return marshalResult(seq)
}

// handleEnroll creates an enrollment.
func (s *SequencerServer) handleEnroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	seqID, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}
	typ, id, errResult := requireRecipient(req)
	if errResult != nil {
		return errResult, nil
	}
	e, err := s.svc.Enroll(logging.WithTenantID(ctx, tenantID), tenantID, seqID, typ, id)
	if err != nil {
		return toolError("enroll", err), nil
	}
	return marshalResult(e)
}

// handleUnenroll cancels an enrollment.
func (s *SequencerServer) handleUnenroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	id, err := req.RequireString("enrollment_id")
	if err != nil {
		return mcp.NewToolResultError("enrollment_id is required"), nil
	}
	if err := s.svc.Unenroll(logging.WithTenantID(ctx, tenantID), tenantID, id); err != nil {
		return toolError("unenroll", err), nil
	}
	return marshalResult(map[string]any{"enrollment_id": id, "status": schema.EnrollmentCancelled})
}

// handleSendNow sends every message of a sequence immediately.
func (s *SequencerServer) handleSendNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	seqID, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}
	typ, id, errResult := requireRecipient(req)
	if errResult != nil {
		return errResult, nil
	}
	res, err := s.svc.SendNow(logging.WithTenantID(ctx, tenantID), tenantID, seqID, typ, id)
	if err != nil {
		return toolError("send now", err), nil
	}
	return marshalResult(res)
}

// handleStats returns the tenant totals.
func (s *SequencerServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	stats, err := s.svc.GetStats(ctx, tenantID)
	if err != nil {
		return toolError("stats", err), nil
	}
	return marshalResult(stats)
}

// handleListTemplates lists the catalog for the tenant's industry.
func (s *SequencerServer) handleListTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	list, err := s.svc.ListTemplates(ctx, tenantID)
	if err != nil {
		return toolError("list templates", err), nil
	}
	return marshalResult(list)
}

// handleInstallTemplate installs a catalog template.
func (s *SequencerServer) handleInstallTemplate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	seq, err := s.svc.InstallTemplate(logging.WithTenantID(ctx, tenantID), tenantID, name, req.GetString("actor_id", ""))
	if err != nil {
		return toolError("install template", err), nil
	}
	return marshalResult(seq)
}

// handleDiagram renders a sequence flowchart as text.
func (s *SequencerServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	id, err := req.RequireString("sequence_id")
	if err != nil {
		return mcp.NewToolResultError("sequence_id is required"), nil
	}
	out, err := s.svc.RenderDiagram(ctx, tenantID, id, req.GetString("enrollment_id", ""), req.GetString("format", ""))
	if err != nil {
		return toolError("diagram", err), nil
	}
	return mcp.NewToolResultText(out), nil
}

// handleWatch subscribes the calling session to the tenant's events.
func (s *SequencerServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, errResult := requireTenant(req)
	if errResult != nil {
		return errResult, nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch needs a client session"), nil
	}
	s.sessions.Register(tenantID, session.SessionID())
	return marshalResult(map[string]any{"tenant_id": tenantID, "watching": true})
}

// --- Helpers ---

func requireTenant(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil || tenantID == "" {
		return "", mcp.NewToolResultError("tenant_id is required")
	}
	return tenantID, nil
}

func requireRecipient(req mcp.CallToolRequest) (schema.RecipientType, string, *mcp.CallToolResult) {
	typ := schema.RecipientType(req.GetString("recipient_type", ""))
	if !typ.Valid() {
		return "", "", mcp.NewToolResultError("recipient_type must be lead or student")
	}
	id, err := req.RequireString("recipient_id")
	if err != nil || id == "" {
		return "", "", mcp.NewToolResultError("recipient_id is required")
	}
	return typ, id, nil
}

// toolError renders a failure as a tool error result, keeping the error code
// visible to the caller.
func toolError(op string, err error) *mcp.CallToolResult {
	var se *schema.SequencerError
	if errors.As(err, &se) {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %s: %s", op, se.Code, se.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
