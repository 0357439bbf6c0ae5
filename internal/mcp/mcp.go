// Package mcp implements the Model Context Protocol server for futago.
//
// The MCP server exposes duplicate evaluation, ticket checks and incident
// listing as tools, and active incidents and decision history as resources,
// so triage agents can call the engine directly.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/service/dedupe"
)

// Triage is the service surface the tools call.
type Triage interface {
	Evaluate(ctx context.Context, in dedup.Input) (dedup.Decision, error)
	CheckTicket(ctx context.Context, t model.Ticket, opts dedupe.CheckOptions) (model.CheckTicketResponse, error)
}

// Store is the read side used by incident and history lookups.
type Store interface {
	ListIncidents(ctx context.Context, activeOnly bool) ([]model.Incident, error)
	ListDecisions(ctx context.Context, recordID string, limit int) ([]model.DecisionLog, error)
}

// Server wraps the MCP server with futago's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	triage    Triage
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(triage Triage, store Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		triage: triage,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"futago",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `futago flags duplicate support tickets.

Call futago_check_ticket with a normalized ticket to compare it against
recent tickets from the same account and semantically similar tickets.
The decision action tells you what to do next:
- auto_merge: merge the ticket into the matched one
- agent_review: ask a human to confirm the likely duplicate
- link_and_notify: link the ticket to the active incident and notify the customer
- none: treat the ticket as new`

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
