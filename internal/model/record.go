package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/futago/internal/dedup"
)

// Record is a triaged record as stored for future comparisons.
type Record struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id,omitempty"`
	ErrorText      string    `json:"error_text,omitempty"`
	NormalizedText string    `json:"normalized_text,omitempty"`
	Product        string    `json:"product,omitempty"`
	ReceivedAt     time.Time `json:"received_at,omitzero"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Candidate converts the record for the dedup engine.
func (r Record) Candidate() dedup.Candidate {
	return dedup.Candidate{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ErrorText:      r.ErrorText,
		ReceivedAt:     r.ReceivedAt,
		NormalizedText: r.NormalizedText,
		Embedding:      r.Embedding,
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is an externally visible outage or known problem that records can
// be linked to.
type Incident struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Product    string         `json:"product,omitempty"`
	Status     IncidentStatus `json:"status"`
	OpenedAt   time.Time      `json:"opened_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// DecisionLog is one persisted evaluation outcome.
type DecisionLog struct {
	ID               uuid.UUID     `json:"id"`
	RecordID         string        `json:"record_id"`
	Action           dedup.Action  `json:"action"`
	Matches          []dedup.Match `json:"matches"`
	LinkedIncidentID *string       `json:"linked_incident_id,omitempty"`
	CandidateCount   int           `json:"candidate_count"`
	CreatedAt        time.Time     `json:"created_at"`
}

// NewDecisionLog builds a log entry for d.
func NewDecisionLog(d dedup.Decision, candidateCount int) DecisionLog {
	return DecisionLog{
		ID:               uuid.New(),
		RecordID:         d.RecordID,
		Action:           d.Action,
		Matches:          d.Matches,
		LinkedIncidentID: d.LinkedIncidentID,
		CandidateCount:   candidateCount,
		CreatedAt:        time.Now().UTC(),
	}
}

// Customer identifies who raised a ticket.
type Customer struct {
	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

// ExtractedFields holds values pulled out of the ticket text upstream.
type ExtractedFields struct {
	AccountID    string `json:"account_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Ticket is a normalized inbound ticket together with its extraction result.
type Ticket struct {
	ID          string          `json:"ticket_id"`
	Channel     string          `json:"channel,omitempty"`
	CleanedText string          `json:"cleaned_text"`
	ReceivedAt  time.Time       `json:"received_at,omitzero"`
	Customer    *Customer       `json:"customer,omitempty"`
	Fields      ExtractedFields `json:"fields"`
}

// AccountID prefers the customer's account and falls back to the extracted one.
func (t Ticket) AccountID() string {
	if t.Customer != nil {
		if id := strings.TrimSpace(t.Customer.AccountID); id != "" {
			return id
		}
	}
	return strings.TrimSpace(t.Fields.AccountID)
}

// Input builds the engine input for t against candidates.
func (t Ticket) Input(embedding []float32, candidates []dedup.Candidate) dedup.Input {
	return dedup.Input{
		RecordID:       t.ID,
		AccountID:      t.AccountID(),
		ErrorText:      t.Fields.ErrorMessage,
		ReceivedAt:     t.ReceivedAt,
		NormalizedText: t.CleanedText,
		Embedding:      embedding,
		ProductTag:     t.Fields.Product,
		Candidates:     candidates,
	}
}

// Record converts t for storage.
func (t Ticket) Record(embedding []float32) Record {
	return Record{
		ID:             t.ID,
		AccountID:      t.AccountID(),
		ErrorText:      t.Fields.ErrorMessage,
		NormalizedText: t.CleanedText,
		Product:        t.Fields.Product,
		ReceivedAt:     t.ReceivedAt,
		Embedding:      embedding,
	}
}
