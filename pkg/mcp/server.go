package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kestrelops/remedy/internal/ingress"
	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/pkg/schema"
)

// Canceler aborts active workflows; implemented by the orchestrator.
type Canceler interface {
	Cancel(ctx context.Context, workflowID, reason string) (*schema.Workflow, error)
}

// RemedyServerDeps holds the dependencies for creating a RemedyServer.
type RemedyServerDeps struct {
	Ingress  *ingress.Adapter
	Store    store.Store
	Journal  journal.Journal
	Canceler Canceler
	Logger   *slog.Logger
}

// RemedyServer wraps an MCP server with incident-response tool handlers.
type RemedyServer struct {
	ingress   *ingress.Adapter
	store     store.Store
	journal   journal.Journal
	canceler  Canceler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRemedyServer creates a RemedyServer with all 4 tools registered.
func NewRemedyServer(deps RemedyServerDeps) *RemedyServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RemedyServer{
		ingress:  deps.Ingress,
		store:    deps.Store,
		journal:  deps.Journal,
		canceler: deps.Canceler,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"remedy",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Remedy is an incident-response orchestration engine. Use remedy.trigger to open a workflow from a failure signal, remedy.status to inspect a workflow, remedy.cancel to abort one, and remedy.query to list workflows or incident events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RemedyServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RemedyServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 4 registered MCP tools as ServerTool entries.
func (s *RemedyServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("remedy.trigger",
		mcp.WithDescription("Open an incident workflow from a failure signal. The signal goes through the same validation and admission filter as the webhook"),
		mcp.WithObject("signal", mcp.Required(), mcp.Description("Failure signal object: title, status, error{message,stack,kind}, retry_count, trace_id, timestamp, video_url, trace_url")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("remedy.status",
		mcp.WithDescription("Get the current state of an incident workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("remedy.cancel",
		mcp.WithDescription("Abort an active incident workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
		mcp.WithString("reason", mcp.Description("Why the workflow is being cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("remedy.query",
		mcp.WithDescription("Query workflows or incident events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (stage, active, trace_id, workflow_id, event_type, since, limit)")),
	)
}
