package dedup

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MetadataConfig controls which fields MatchMetadata requires to agree.
type MetadataConfig struct {
	RequireSameAccount bool    `json:"require_same_account" yaml:"require_same_account"`
	RequireSameError   bool    `json:"require_same_error" yaml:"require_same_error"`
	TimeWindowHours    float64 `json:"time_window_hours" yaml:"time_window_hours"`
}

// DefaultMetadataConfig requires account and error agreement within one hour.
func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		RequireSameAccount: true,
		RequireSameError:   true,
		TimeWindowHours:    1.0,
	}
}

// Validate rejects a negative or NaN time window. +Inf matches any interval.
func (c MetadataConfig) Validate() error {
	if math.IsNaN(c.TimeWindowHours) || c.TimeWindowHours < 0 {
		return fmt.Errorf("dedup: time_window_hours must be >= 0, got %v", c.TimeWindowHours)
	}
	return nil
}

// MatchMetadata reports an Exact match when the enabled identity checks pass
// and both records were received within the configured window. A record
// without a timestamp never matches.
func MatchMetadata(accountID, errorText string, receivedAt time.Time, cand Candidate, cfg MetadataConfig) (Match, bool) {
	var criteria []string

	if cfg.RequireSameAccount {
		a, b := strings.TrimSpace(accountID), strings.TrimSpace(cand.AccountID)
		if a == "" || b == "" || a != b {
			return Match{}, false
		}
		criteria = append(criteria, "same account")
	}

	if cfg.RequireSameError {
		a, b := NormalizeErrorText(errorText), NormalizeErrorText(cand.ErrorText)
		if a == "" || b == "" || a != b {
			return Match{}, false
		}
		criteria = append(criteria, "same error string")
	}

	if receivedAt.IsZero() || cand.ReceivedAt.IsZero() {
		return Match{}, false
	}
	// Compared in hours: the window may exceed the time.Duration range.
	if math.Abs(receivedAt.Sub(cand.ReceivedAt).Hours()) > cfg.TimeWindowHours {
		return Match{}, false
	}
	criteria = append(criteria, "same timeframe")

	reason := strings.Join(criteria, ", ")
	return Match{
		CandidateID: cand.ID,
		Kind:        KindExact,
		Score:       ptr(1.0),
		Reason:      strings.ToUpper(reason[:1]) + reason[1:],
	}, true
}

// NormalizeErrorText trims, lower-cases and collapses whitespace runs to a
// single space.
func NormalizeErrorText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
