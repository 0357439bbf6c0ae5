package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/service/dedupe"
)

func (s *Server) registerTools() {
	// futago_check_ticket: compare a ticket against stored tickets.
	s.mcpServer.AddTool(
		mcplib.NewTool("futago_check_ticket",
			mcplib.WithDescription(`Check whether a normalized support ticket duplicates an earlier one.

WHEN TO USE: Once per inbound ticket, after cleaning and field extraction.
Candidates are gathered automatically: recent tickets from the same account
plus semantically similar tickets.

WHAT YOU GET BACK:
- decision.action: auto_merge, agent_review, link_and_notify or none
- decision.matches: why each candidate matched, with a score
- decision.linked_incident_id: set when the ticket belongs to an active incident
- candidate_count: how many stored tickets were compared

Set persist=true to store the ticket for future comparisons and log the decision.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("ticket",
				mcplib.Description(`Ticket as JSON: {"ticket_id": "...", "cleaned_text": "...", "received_at": "RFC3339", "customer": {"account_id": "..."}, "fields": {"account_id": "...", "error_message": "...", "product": "..."}}`),
				mcplib.Required(),
			),
			mcplib.WithBoolean("persist",
				mcplib.Description("Store the ticket and log the decision (default false)"),
			),
		),
		s.handleCheckTicket,
	)

	// futago_evaluate: stateless evaluation against caller-supplied candidates.
	s.mcpServer.AddTool(
		mcplib.NewTool("futago_evaluate",
			mcplib.WithDescription(`Evaluate one record against candidates you supply. Nothing is stored.

WHEN TO USE: When you already hold the candidate records, for example from
your own ticket system search, and only need the duplicate decision.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("input",
				mcplib.Description(`Record and candidates as JSON: {"record_id": "...", "account_id": "...", "error_text": "...", "received_at": "RFC3339", "normalized_text": "...", "product_tag": "...", "candidates": [{"id": "...", "account_id": "...", "error_text": "...", "received_at": "RFC3339", "normalized_text": "..."}]}`),
				mcplib.Required(),
			),
		),
		s.handleEvaluate,
	)

	// futago_list_incidents: incidents tickets can be linked to.
	s.mcpServer.AddTool(
		mcplib.NewTool("futago_list_incidents",
			mcplib.WithDescription("List incidents, newest first. Active incidents are what link_and_notify decisions point at."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithBoolean("active_only",
				mcplib.Description("Only list active incidents (default true)"),
			),
		),
		s.handleListIncidents,
	)
}

func (s *Server) handleCheckTicket(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("ticket", "")
	if raw == "" {
		return errorResult("ticket is required"), nil
	}
	var t model.Ticket
	if err := strictUnmarshal(raw, &t); err != nil {
		return errorResult(fmt.Sprintf("invalid ticket JSON: %v", err)), nil
	}
	if err := model.ValidateTicket(t); err != nil {
		return errorResult(err.Error()), nil
	}

	resp, err := s.triage.CheckTicket(ctx, t, dedupe.CheckOptions{Persist: request.GetBool("persist", false)})
	if err != nil {
		s.logger.Warn("mcp: check ticket failed", "error", err, "ticket_id", t.ID)
		return errorResult(fmt.Sprintf("check failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("input", "")
	if raw == "" {
		return errorResult("input is required"), nil
	}
	var in dedup.Input
	if err := strictUnmarshal(raw, &in); err != nil {
		return errorResult(fmt.Sprintf("invalid input JSON: %v", err)), nil
	}
	if err := model.ValidateEvaluateRequest(in); err != nil {
		return errorResult(err.Error()), nil
	}

	d, err := s.triage.Evaluate(ctx, in)
	if err != nil {
		s.logger.Warn("mcp: evaluate failed", "error", err, "record_id", in.RecordID)
		return errorResult(fmt.Sprintf("evaluation failed: %v", err)), nil
	}
	return jsonResult(d), nil
}

func (s *Server) handleListIncidents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	incidents, err := s.store.ListIncidents(ctx, request.GetBool("active_only", true))
	if err != nil {
		return errorResult(fmt.Sprintf("list incidents failed: %v", err)), nil
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	return jsonResult(incidents), nil
}

// strictUnmarshal rejects unknown fields so typos surface as errors.
func strictUnmarshal(raw string, target any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}
