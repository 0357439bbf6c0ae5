package dedup

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestMatchMetadata_NormalizedErrorWithinWindow(t *testing.T) {
	cand := Candidate{
		ID:         "T-1",
		AccountID:  "A1",
		ErrorText:  "timeout   connecting to db",
		ReceivedAt: t0.Add(20 * time.Minute),
	}

	m, ok := MatchMetadata("A1", "Timeout connecting to DB", t0, cand, DefaultMetadataConfig())
	require.True(t, ok)
	assert.Equal(t, "T-1", m.CandidateID)
	assert.Equal(t, KindExact, m.Kind)
	require.NotNil(t, m.Score)
	assert.Equal(t, 1.0, *m.Score)
	assert.Equal(t, "Same account, same error string, same timeframe", m.Reason)
}

func TestMatchMetadata_OutsideWindow(t *testing.T) {
	cand := Candidate{ID: "T-1", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0.Add(61 * time.Minute)}

	_, ok := MatchMetadata("A1", "boom", t0, cand, DefaultMetadataConfig())
	assert.False(t, ok)

	// Earlier candidates are measured the same way.
	cand.ReceivedAt = t0.Add(-61 * time.Minute)
	_, ok = MatchMetadata("A1", "boom", t0, cand, DefaultMetadataConfig())
	assert.False(t, ok)
}

func TestMatchMetadata_WindowBoundaryInclusive(t *testing.T) {
	cand := Candidate{ID: "T-1", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0.Add(time.Hour)}
	_, ok := MatchMetadata("A1", "boom", t0, cand, DefaultMetadataConfig())
	assert.True(t, ok)
}

func TestMatchMetadata_MissingFields(t *testing.T) {
	base := Candidate{ID: "T-1", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0}
	cfg := DefaultMetadataConfig()

	tests := []struct {
		name      string
		account   string
		errText   string
		received  time.Time
		candidate func(Candidate) Candidate
	}{
		{"no current account", "", "boom", t0, nil},
		{"blank current account", "   ", "boom", t0, nil},
		{"no candidate account", "A1", "boom", t0, func(c Candidate) Candidate { c.AccountID = ""; return c }},
		{"different account", "A2", "boom", t0, nil},
		{"no current error", "A1", "", t0, nil},
		{"no candidate error", "A1", "boom", t0, func(c Candidate) Candidate { c.ErrorText = ""; return c }},
		{"different error", "A1", "bang", t0, nil},
		{"no current timestamp", "A1", "boom", time.Time{}, nil},
		{"no candidate timestamp", "A1", "boom", t0, func(c Candidate) Candidate { c.ReceivedAt = time.Time{}; return c }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			if tt.candidate != nil {
				c = tt.candidate(c)
			}
			_, ok := MatchMetadata(tt.account, tt.errText, tt.received, c, cfg)
			assert.False(t, ok)
		})
	}
}

func TestMatchMetadata_AccountTrimmed(t *testing.T) {
	cand := Candidate{ID: "T-1", AccountID: " A1\t", ErrorText: "boom", ReceivedAt: t0}
	_, ok := MatchMetadata("A1 ", "boom", t0, cand, DefaultMetadataConfig())
	assert.True(t, ok)
}

func TestMatchMetadata_RelaxedCriteria(t *testing.T) {
	cfg := MetadataConfig{RequireSameAccount: true, TimeWindowHours: 2}
	cand := Candidate{ID: "T-1", AccountID: "A1", ReceivedAt: t0.Add(90 * time.Minute)}

	m, ok := MatchMetadata("A1", "", t0, cand, cfg)
	require.True(t, ok)
	assert.Equal(t, "Same account, same timeframe", m.Reason)

	m, ok = MatchMetadata("", "", t0, cand, MetadataConfig{TimeWindowHours: 2})
	require.True(t, ok)
	assert.Equal(t, "Same timeframe", m.Reason)
}

func TestMatchMetadata_Symmetric(t *testing.T) {
	a := Candidate{ID: "a", AccountID: "A1", ErrorText: "Disk FULL", ReceivedAt: t0}
	b := Candidate{ID: "b", AccountID: "A1", ErrorText: "disk full ", ReceivedAt: t0.Add(45 * time.Minute)}
	cfg := DefaultMetadataConfig()

	_, ab := MatchMetadata(a.AccountID, a.ErrorText, a.ReceivedAt, b, cfg)
	_, ba := MatchMetadata(b.AccountID, b.ErrorText, b.ReceivedAt, a, cfg)
	assert.Equal(t, ab, ba)
	assert.True(t, ab)
}

func TestNormalizeErrorText(t *testing.T) {
	assert.Equal(t, "timeout connecting to db", NormalizeErrorText("  Timeout \t connecting\nto   DB "))
	assert.Equal(t, "", NormalizeErrorText(" \n "))
}

func TestMetadataConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMetadataConfig().Validate())
	assert.Error(t, MetadataConfig{TimeWindowHours: -1}.Validate())
	assert.Error(t, MetadataConfig{TimeWindowHours: math.NaN()}.Validate())
	assert.NoError(t, MetadataConfig{TimeWindowHours: math.Inf(1)}.Validate())
}

func TestMatchMetadata_HugeWindow(t *testing.T) {
	cand := Candidate{ID: "T-1", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0.Add(48 * time.Hour)}

	for _, hours := range []float64{1e7, 1e9, math.Inf(1)} {
		cfg := MetadataConfig{RequireSameAccount: true, RequireSameError: true, TimeWindowHours: hours}
		require.NoError(t, cfg.Validate())

		_, ok := MatchMetadata("A1", "boom", t0, cand, cfg)
		assert.True(t, ok, "window %v", hours)

		_, ok = MatchMetadata("A1", "boom", t0, Candidate{ID: "T-2", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0}, cfg)
		assert.True(t, ok, "identical timestamps, window %v", hours)
	}
}

func TestMatchMetadata_ZeroWindow(t *testing.T) {
	cand := Candidate{ID: "T-1", AccountID: "A1", ErrorText: "boom", ReceivedAt: t0}
	_, ok := MatchMetadata("A1", "boom", t0, cand, MetadataConfig{TimeWindowHours: 0})
	assert.True(t, ok)

	cand.ReceivedAt = t0.Add(time.Second)
	_, ok = MatchMetadata("A1", "boom", t0, cand, MetadataConfig{TimeWindowHours: 0})
	assert.False(t, ok)
}
