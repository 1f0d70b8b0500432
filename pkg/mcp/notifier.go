package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sequencer/internal/streaming"
)

// notificationMethod is the MCP method used for pushed enrollment events.
const notificationMethod = "notifications/message"

// clientNotifier is the part of MCPServer the notifier needs.
type clientNotifier interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier pushes enrollment events to watching MCP sessions.
type MCPNotifier struct {
	server   clientNotifier
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{server: mcpServer, sessions: sessions}
}

// Notify sends one event to every session watching its tenant.
// Best-effort: sessions that went away are dropped silently.
func (n *MCPNotifier) Notify(_ context.Context, event streaming.StreamEvent) error {
	payload := map[string]any{
		"level":  "info",
		"logger": "sequencer",
		"data":   event,
	}
	var errs []error
	for _, sid := range n.sessions.SessionsFor(event.TenantID) {
		err := n.server.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Relay forwards every hub event to Notify until ctx is cancelled.
func (n *MCPNotifier) Relay(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			_ = n.Notify(ctx, ev)
		}
	}
}
