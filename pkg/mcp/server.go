// Package mcp exposes the sequence management operations as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sequencer/internal/service"
	"github.com/rendis/sequencer/internal/streaming"
)

// ServerDeps holds the dependencies for creating a SequencerServer.
type ServerDeps struct {
	Service *service.Service
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

// SequencerServer wraps an MCP server with the sequence tool handlers.
type SequencerServer struct {
	svc       *service.Service
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
	notifier  *MCPNotifier
}

// NewSequencerServer creates a new SequencerServer with every tool registered.
func NewSequencerServer(deps ServerDeps) *SequencerServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SequencerServer{
		svc:      deps.Service,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"sequencer",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Sequencer runs automated SMS and email follow-up sequences for studios. "+
			"Every tool takes a tenant_id. Use sequencer.list_sequences and sequencer.get_sequence to inspect sequences, "+
			"sequencer.enroll and sequencer.unenroll to manage enrollments, sequencer.send_now to deliver every message at once, "+
			"sequencer.list_templates and sequencer.install_template for the catalog, sequencer.diagram to draw a sequence, and sequencer.watch to receive enrollment events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Enrollment events are relayed to watching sessions meanwhile.
func (s *SequencerServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go func() {
			if err := s.notifier.Relay(ctx, s.hub); err != nil {
				s.logger.Warn("mcp event relay stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SequencerServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *SequencerServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listSequencesTool(), Handler: s.handleListSequences},
		{Tool: getSequenceTool(), Handler: s.handleGetSequence},
		{Tool: enrollTool(), Handler: s.handleEnroll},
		{Tool: unenrollTool(), Handler: s.handleUnenroll},
		{Tool: sendNowTool(), Handler: s.handleSendNow},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: listTemplatesTool(), Handler: s.handleListTemplates},
		{Tool: installTemplateTool(), Handler: s.handleInstallTemplate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func tenantArg() mcp.ToolOption {
	return mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant (studio) the call is scoped to"))
}

func recipientArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("recipient_type", mcp.Required(),
			mcp.Enum("lead", "student"),
			mcp.Description("Kind of contact"),
		),
		mcp.WithString("recipient_id", mcp.Required(), mcp.Description("ID of the lead or student")),
	}
}

func listSequencesTool() mcp.Tool {
	return mcp.NewTool("sequencer.list_sequences",
		mcp.WithDescription("List the tenant's sequences with enrollment counters"),
		tenantArg(),
		mcp.WithString("trigger", mcp.Description("Only sequences for this trigger")),
		mcp.WithBoolean("active_only", mcp.Description("Only active sequences")),
	)
}

func getSequenceTool() mcp.Tool {
	return mcp.NewTool("sequencer.get_sequence",
		mcp.WithDescription("Get a sequence with its ordered steps"),
		tenantArg(),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("ID of the sequence")),
	)
}

func enrollTool() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription("Enroll a lead or student in an active sequence"),
		tenantArg(),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("ID of the sequence")),
	}
	return mcp.NewTool("sequencer.enroll", append(opts, recipientArgs()...)...)
}

func unenrollTool() mcp.Tool {
	return mcp.NewTool("sequencer.unenroll",
		mcp.WithDescription("Cancel an active enrollment"),
		tenantArg(),
		mcp.WithString("enrollment_id", mcp.Required(), mcp.Description("ID of the enrollment")),
	)
}

func sendNowTool() mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription("Send every message of a sequence to one recipient immediately, ignoring waits and conditions"),
		tenantArg(),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("ID of the sequence")),
	}
	return mcp.NewTool("sequencer.send_now", append(opts, recipientArgs()...)...)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("sequencer.stats",
		mcp.WithDescription("Get sequence and enrollment totals for the tenant"),
		tenantArg(),
	)
}

func listTemplatesTool() mcp.Tool {
	return mcp.NewTool("sequencer.list_templates",
		mcp.WithDescription("List the catalog templates for the tenant's industry"),
		tenantArg(),
	)
}

func installTemplateTool() mcp.Tool {
	return mcp.NewTool("sequencer.install_template",
		mcp.WithDescription("Install a catalog template as a new active sequence"),
		tenantArg(),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
		mcp.WithString("actor_id", mcp.Description("Who installs the template")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("sequencer.diagram",
		mcp.WithDescription("Draw a sequence as a flowchart. Returns Mermaid flowchart syntax or ASCII art"),
		tenantArg(),
		mcp.WithString("sequence_id", mcp.Required(), mcp.Description("ID of the sequence")),
		mcp.WithString("enrollment_id", mcp.Description("Overlay this enrollment's progress")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("sequencer.watch",
		mcp.WithDescription("Push the tenant's enrollment events to this session as notifications"),
		tenantArg(),
	)
}
