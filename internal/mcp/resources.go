package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	activeIncidentsURI  = "futago://incidents/active"
	recordHistoryPrefix = "futago://records/"
	recordHistorySuffix = "/decisions"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			activeIncidentsURI,
			"Active Incidents",
			mcplib.WithResourceDescription("Incidents currently open, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveIncidents,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			recordHistoryPrefix+"{id}"+recordHistorySuffix,
			"Record Decisions",
			mcplib.WithTemplateDescription("Decision history for one record"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRecordDecisions,
	)
}

func (s *Server) handleActiveIncidents(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	incidents, err := s.store.ListIncidents(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("mcp: active incidents: %w", err)
	}
	return jsonResource(activeIncidentsURI, incidents)
}

func (s *Server) handleRecordDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	recordID, err := recordIDFromURI(uri)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListDecisions(ctx, recordID, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: record decisions: %w", err)
	}
	return jsonResource(uri, entries)
}

// recordIDFromURI extracts the id from futago://records/{id}/decisions.
func recordIDFromURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, recordHistoryPrefix)
	if ok {
		id, ok = strings.CutSuffix(id, recordHistorySuffix)
	}
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid record URI %q", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	if string(data) == "null" {
		data = []byte("[]")
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
