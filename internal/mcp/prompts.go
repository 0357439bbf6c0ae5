package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-ticket: walks the agent through checking and acting on a ticket.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-ticket",
			mcplib.WithPromptDescription("Check a ticket for duplicates and act on the decision"),
			mcplib.WithArgument("ticket_id",
				mcplib.ArgumentDescription("Id of the ticket being triaged"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriageTicketPrompt,
	)
}

func (s *Server) handleTriageTicketPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	ticketID := request.Params.Arguments["ticket_id"]
	if ticketID == "" {
		return nil, fmt.Errorf("ticket_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage ticket %s for duplicates", ticketID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Triage ticket %s.

1. Call futago_check_ticket with the normalized ticket and persist=true.
2. Act on decision.action:
   - auto_merge: merge %s into the first match's candidate_id.
   - agent_review: add the matches to the ticket and request a human review.
   - link_and_notify: link %s to decision.linked_incident_id and send the incident update.
   - none: continue normal triage.
3. Quote the match reasons in your ticket note.`, ticketID, ticketID, ticketID),
				},
			},
		},
	}, nil
}
