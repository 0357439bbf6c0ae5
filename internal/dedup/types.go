package dedup

import (
	"context"
	"fmt"
	"time"
)

// MatchKind is the strength of a detected relationship.
type MatchKind string

const (
	KindExact         MatchKind = "exact"
	KindLikely        MatchKind = "likely"
	KindKnownIncident MatchKind = "known_incident"
)

// rank orders kinds by severity. Unknown kinds rank below every valid kind.
func (k MatchKind) rank() int {
	switch k {
	case KindKnownIncident:
		return 3
	case KindExact:
		return 2
	case KindLikely:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether k takes precedence over other during action
// resolution.
func (k MatchKind) Outranks(other MatchKind) bool {
	return k.rank() > other.rank()
}

// Valid reports whether k is one of the defined kinds.
func (k MatchKind) Valid() bool { return k.rank() > 0 }

// Action is the automated step a Decision asks the caller to take.
type Action string

const (
	ActionAutoMerge     Action = "auto_merge"
	ActionAgentReview   Action = "agent_review"
	ActionLinkAndNotify Action = "link_and_notify"
	ActionNone          Action = "none"
)

// ActionFor maps the strongest match kind to its action.
func ActionFor(k MatchKind) Action {
	switch k {
	case KindKnownIncident:
		return ActionLinkAndNotify
	case KindExact:
		return ActionAutoMerge
	case KindLikely:
		return ActionAgentReview
	default:
		return ActionNone
	}
}

// ResolveAction returns the action of the highest ranked kind among matches,
// independent of how many matches of each kind exist.
func ResolveAction(matches []Match) Action {
	var top MatchKind
	for _, m := range matches {
		if m.Kind.Outranks(top) {
			top = m.Kind
		}
	}
	return ActionFor(top)
}

// Match is one detected relationship between the current record and a
// candidate (or, for KindKnownIncident, an incident).
type Match struct {
	CandidateID string    `json:"candidate_id"`
	Kind        MatchKind `json:"kind"`
	Score       *float64  `json:"score,omitempty"`
	Reason      string    `json:"reason"`
}

// Decision is the result of one evaluation.
type Decision struct {
	RecordID         string  `json:"record_id"`
	Action           Action  `json:"action"`
	Matches          []Match `json:"matches"`
	LinkedIncidentID *string `json:"linked_incident_id,omitempty"`
}

// IsDuplicate reports whether the decision asks for any action at all.
func (d Decision) IsDuplicate() bool {
	return d.Action != ActionNone
}

// Candidate is a previously seen record the current one is compared against.
// Empty strings, a zero ReceivedAt and a nil Embedding mean "absent".
type Candidate struct {
	ID             string    `json:"id" yaml:"id"`
	AccountID      string    `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	ErrorText      string    `json:"error_text,omitempty" yaml:"error_text,omitempty"`
	ReceivedAt     time.Time `json:"received_at,omitzero" yaml:"received_at,omitempty"`
	NormalizedText string    `json:"normalized_text,omitempty" yaml:"normalized_text,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty" yaml:"embedding,omitempty"`
}

// Input is everything Evaluate needs about the current record.
type Input struct {
	RecordID       string      `json:"record_id" yaml:"record_id"`
	AccountID      string      `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	ErrorText      string      `json:"error_text,omitempty" yaml:"error_text,omitempty"`
	ReceivedAt     time.Time   `json:"received_at,omitzero" yaml:"received_at,omitempty"`
	NormalizedText string      `json:"normalized_text,omitempty" yaml:"normalized_text,omitempty"`
	Embedding      []float32   `json:"embedding,omitempty" yaml:"embedding,omitempty"`
	ProductTag     string      `json:"product_tag,omitempty" yaml:"product_tag,omitempty"`
	Candidates     []Candidate `json:"candidates" yaml:"candidates"`
}

// Validate checks the fields Evaluate cannot work without.
func (in Input) Validate() error {
	if in.RecordID == "" {
		return fmt.Errorf("dedup: record_id is required")
	}
	for i, c := range in.Candidates {
		if c.ID == "" {
			return fmt.Errorf("dedup: candidates[%d]: id is required", i)
		}
	}
	return nil
}

// EmbeddingFunc computes an embedding for text on demand.
type EmbeddingFunc func(ctx context.Context, text string) ([]float32, error)

// IncidentLister returns active incident ids, most relevant first.
type IncidentLister func(ctx context.Context) ([]string, error)

// IncidentLinker picks an incident for a record. It returns "" when no
// incident applies. accountID and productTag may be empty.
type IncidentLinker func(ctx context.Context, recordID, accountID, productTag string) (string, error)

func ptr[T any](v T) *T { return &v }
