package dedup

import (
	"context"
	"fmt"
	"math"
)

// Default similarity thresholds.
const (
	DefaultExactThreshold  = 0.92
	DefaultLikelyThreshold = 0.85
)

// Thresholds bands cosine similarity into Exact and Likely. Lower bounds are
// inclusive.
type Thresholds struct {
	Exact  float64 `json:"exact" yaml:"exact"`
	Likely float64 `json:"likely" yaml:"likely"`
}

// DefaultThresholds returns 0.92 / 0.85.
func DefaultThresholds() Thresholds {
	return Thresholds{Exact: DefaultExactThreshold, Likely: DefaultLikelyThreshold}
}

// Validate enforces -1 <= likely < exact <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Exact) || t.Exact < -1 || t.Exact > 1 {
		return fmt.Errorf("dedup: exact threshold must be in [-1, 1], got %v", t.Exact)
	}
	if math.IsNaN(t.Likely) || t.Likely < -1 || t.Likely > 1 {
		return fmt.Errorf("dedup: likely threshold must be in [-1, 1], got %v", t.Likely)
	}
	if t.Likely >= t.Exact {
		return fmt.Errorf("dedup: likely threshold (%v) must be below exact threshold (%v)", t.Likely, t.Exact)
	}
	return nil
}

// Band classifies a similarity score. ok is false below the likely threshold.
func (t Thresholds) Band(score float64) (kind MatchKind, ok bool) {
	switch {
	case score >= t.Exact:
		return KindExact, true
	case score >= t.Likely:
		return KindLikely, true
	default:
		return "", false
	}
}

// CosineSimilarity returns dot(a,b) / (|a| * |b|). Vectors of different length,
// empty vectors and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ResolveEmbedding returns vec when present, otherwise embeds text through fn.
// It returns nil without error when neither source is available.
func ResolveEmbedding(ctx context.Context, vec []float32, text string, fn EmbeddingFunc) ([]float32, error) {
	if len(vec) > 0 {
		return vec, nil
	}
	if fn == nil || text == "" {
		return nil, nil
	}
	return fn(ctx, text)
}

// MatchSemantic compares the current record with cand by embedding. Missing
// embeddings on either side (after lazy resolution through fn) or a dimension
// mismatch mean no match, not low similarity.
func MatchSemantic(ctx context.Context, current []float32, currentText string, cand Candidate, fn EmbeddingFunc, t Thresholds) (Match, bool, error) {
	candVec, err := ResolveEmbedding(ctx, cand.Embedding, cand.NormalizedText, fn)
	if err != nil {
		return Match{}, false, err
	}
	current, err = ResolveEmbedding(ctx, current, currentText, fn)
	if err != nil {
		return Match{}, false, err
	}
	m, ok := scoreSemantic(current, candVec, cand.ID, t)
	return m, ok, nil
}

func scoreSemantic(current, candVec []float32, candID string, t Thresholds) (Match, bool) {
	if len(current) == 0 || len(candVec) == 0 || len(current) != len(candVec) {
		return Match{}, false
	}
	sim := CosineSimilarity(current, candVec)
	kind, ok := t.Band(sim)
	if !ok {
		return Match{}, false
	}

	var reason string
	if kind == KindExact {
		reason = fmt.Sprintf("Semantic similarity %.2f >= %v", sim, t.Exact)
	} else {
		reason = fmt.Sprintf("Semantic similarity %.2f in [%v, %v)", sim, t.Likely, t.Exact)
	}
	return Match{
		CandidateID: candID,
		Kind:        kind,
		Score:       ptr(math.Round(sim*10000) / 10000),
		Reason:      reason,
	}, true
}
