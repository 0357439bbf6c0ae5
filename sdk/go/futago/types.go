package futago

import (
	"time"

	"github.com/google/uuid"
)

// MatchKind is the strength of a detected relationship.
type MatchKind string

const (
	KindExact         MatchKind = "exact"
	KindLikely        MatchKind = "likely"
	KindKnownIncident MatchKind = "known_incident"
)

// Action is what the caller should do with the evaluated record.
type Action string

const (
	ActionAutoMerge     Action = "auto_merge"
	ActionAgentReview   Action = "agent_review"
	ActionLinkAndNotify Action = "link_and_notify"
	ActionNone          Action = "none"
)

// Role is an API key's permission level.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
	RoleReader  Role = "reader"
)

// Candidate is a previously seen record supplied to Evaluate.
type Candidate struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id,omitempty"`
	ErrorText      string    `json:"error_text,omitempty"`
	ReceivedAt     time.Time `json:"received_at,omitzero"`
	NormalizedText string    `json:"normalized_text,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// EvaluateRequest is the record to evaluate together with its candidates.
type EvaluateRequest struct {
	RecordID       string      `json:"record_id"`
	AccountID      string      `json:"account_id,omitempty"`
	ErrorText      string      `json:"error_text,omitempty"`
	ReceivedAt     time.Time   `json:"received_at,omitzero"`
	NormalizedText string      `json:"normalized_text,omitempty"`
	Embedding      []float32   `json:"embedding,omitempty"`
	ProductTag     string      `json:"product_tag,omitempty"`
	Candidates     []Candidate `json:"candidates"`
}

// Match is one detected relationship. CandidateID holds the incident id for
// KindKnownIncident matches.
type Match struct {
	CandidateID string    `json:"candidate_id"`
	Kind        MatchKind `json:"kind"`
	Score       *float64  `json:"score,omitempty"`
	Reason      string    `json:"reason"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	RecordID         string  `json:"record_id"`
	Action           Action  `json:"action"`
	Matches          []Match `json:"matches"`
	LinkedIncidentID *string `json:"linked_incident_id,omitempty"`
}

// Customer identifies who raised a ticket.
type Customer struct {
	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

// TicketFields are values extracted from the ticket upstream.
type TicketFields struct {
	AccountID    string `json:"account_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Ticket is a normalized inbound ticket.
type Ticket struct {
	ID          string       `json:"ticket_id"`
	Channel     string       `json:"channel,omitempty"`
	CleanedText string       `json:"cleaned_text"`
	ReceivedAt  time.Time    `json:"received_at,omitzero"`
	Customer    *Customer    `json:"customer,omitempty"`
	Fields      TicketFields `json:"fields"`
}

// CheckTicketResponse is the result of CheckTicket.
type CheckTicketResponse struct {
	Decision       Decision `json:"decision"`
	IsDuplicate    bool     `json:"is_duplicate"`
	CandidateCount int      `json:"candidate_count"`
	Persisted      bool     `json:"persisted"`
}

// DecisionLog is a stored decision for one record.
type DecisionLog struct {
	ID               uuid.UUID `json:"id"`
	RecordID         string    `json:"record_id"`
	Action           Action    `json:"action"`
	Matches          []Match   `json:"matches"`
	LinkedIncidentID *string   `json:"linked_incident_id,omitempty"`
	CandidateCount   int       `json:"candidate_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Incident is an outage records can be linked to.
type Incident struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Product    string     `json:"product,omitempty"`
	Status     string     `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CreateIncidentRequest opens an incident.
type CreateIncidentRequest struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Product string `json:"product,omitempty"`
}

// CreateKeyRequest creates an API key for a client.
type CreateKeyRequest struct {
	ClientID string `json:"client_id"`
	Role     Role   `json:"role"`
	Label    string `json:"label,omitempty"`
}

// APIKey is a created key. RawKey is only populated by CreateKey.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	Prefix    string    `json:"prefix"`
	ClientID  string    `json:"client_id"`
	Role      Role      `json:"role"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	RawKey    string    `json:"raw_key,omitempty"`
}

// Health is the server's /health report.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	Backend       string `json:"backend"`
	Qdrant        string `json:"qdrant,omitempty"`
	Embeddings    string `json:"embeddings"`
	BufferDepth   int    `json:"buffer_depth"`
	BufferStatus  string `json:"buffer_status"`
	SSEBroker     string `json:"sse_broker,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
