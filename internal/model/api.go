package model

import (
	"fmt"
	"time"

	"github.com/ashita-ai/futago/internal/dedup"
)

// Field length limits for inbound records. They keep a single oversized field
// from exhausting the embedding provider or filling TEXT columns.
const (
	MaxIDLen             = 256
	MaxErrorTextLen      = 8 * 1024  // 8 KB
	MaxNormalizedTextLen = 64 * 1024 // 64 KB
	MaxCandidates        = 5000
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// EvaluateRequest is the body of POST /v1/evaluate: the current record plus
// caller-supplied candidates.
type EvaluateRequest = dedup.Input

// ValidateEvaluateRequest checks required fields and length limits.
func ValidateEvaluateRequest(in dedup.Input) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if len(in.Candidates) > MaxCandidates {
		return fmt.Errorf("at most %d candidates per request", MaxCandidates)
	}
	if err := checkLen("record_id", in.RecordID, MaxIDLen); err != nil {
		return err
	}
	if err := checkLen("error_text", in.ErrorText, MaxErrorTextLen); err != nil {
		return err
	}
	if err := checkLen("normalized_text", in.NormalizedText, MaxNormalizedTextLen); err != nil {
		return err
	}
	for i, c := range in.Candidates {
		if err := checkLen(fmt.Sprintf("candidates[%d].id", i), c.ID, MaxIDLen); err != nil {
			return err
		}
		if err := checkLen(fmt.Sprintf("candidates[%d].normalized_text", i), c.NormalizedText, MaxNormalizedTextLen); err != nil {
			return err
		}
	}
	return nil
}

// CheckTicketRequest is the body of POST /v1/tickets/check.
type CheckTicketRequest struct {
	Ticket  Ticket `json:"ticket"`
	Persist bool   `json:"persist"`
}

// ValidateTicket checks required fields and length limits.
func ValidateTicket(t Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if err := checkLen("ticket_id", t.ID, MaxIDLen); err != nil {
		return err
	}
	if err := checkLen("cleaned_text", t.CleanedText, MaxNormalizedTextLen); err != nil {
		return err
	}
	if err := checkLen("fields.error_message", t.Fields.ErrorMessage, MaxErrorTextLen); err != nil {
		return err
	}
	return checkLen("account_id", t.AccountID(), MaxIDLen)
}

// CheckTicketResponse pairs the decision with the candidate pool size.
type CheckTicketResponse struct {
	Decision       dedup.Decision `json:"decision"`
	IsDuplicate    bool           `json:"is_duplicate"`
	CandidateCount int            `json:"candidate_count"`
	Persisted      bool           `json:"persisted"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Storage      string `json:"storage"`
	Backend      string `json:"backend"`
	Qdrant       string `json:"qdrant,omitempty"`
	Embeddings   string `json:"embeddings"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateIncidentRequest is the body of POST /v1/incidents.
type CreateIncidentRequest struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Product string `json:"product,omitempty"`
}

// CreateKeyRequest is the body of POST /v1/keys.
type CreateKeyRequest struct {
	ClientID string `json:"client_id"`
	Role     Role   `json:"role"`
	Label    string `json:"label"`
}

func checkLen(field, v string, limit int) error {
	if len(v) > limit {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", field, limit)
	}
	return nil
}
