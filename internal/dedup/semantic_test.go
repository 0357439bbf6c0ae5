package dedup

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestCosineSimilarity_SymmetricAndSelf(t *testing.T) {
	vectors := [][]float32{
		{1, 2, 3},
		{-0.5, 0.25, 8},
		{0.001, 0, 0.002},
		{3, 3, 3},
	}
	for _, a := range vectors {
		assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
		for _, b := range vectors {
			assert.Equal(t, CosineSimilarity(a, b), CosineSimilarity(b, a))
		}
	}
}

func TestThresholds_BandExhaustive(t *testing.T) {
	th := DefaultThresholds()
	for s := -1.0; s <= 1.0; s += 0.005 {
		kind, ok := th.Band(s)
		switch {
		case s >= th.Exact:
			assert.True(t, ok)
			assert.Equal(t, KindExact, kind)
		case s >= th.Likely:
			assert.True(t, ok)
			assert.Equal(t, KindLikely, kind)
		default:
			assert.False(t, ok)
		}
	}

	kind, ok := th.Band(0.92)
	assert.True(t, ok)
	assert.Equal(t, KindExact, kind)
	kind, ok = th.Band(0.85)
	assert.True(t, ok)
	assert.Equal(t, KindLikely, kind)
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds().Validate())
	assert.Error(t, Thresholds{Exact: 0.8, Likely: 0.8}.Validate())
	assert.Error(t, Thresholds{Exact: 0.8, Likely: 0.9}.Validate())
	assert.Error(t, Thresholds{Exact: 1.5, Likely: 0.9}.Validate())
	assert.Error(t, Thresholds{Exact: 0.5, Likely: -2}.Validate())
	assert.Error(t, Thresholds{Exact: math.NaN(), Likely: 0.85}.Validate())
	assert.Error(t, Thresholds{Exact: 0.92, Likely: math.NaN()}.Validate())
}

func TestMatchSemantic_Exact(t *testing.T) {
	m, ok, err := MatchSemantic(context.Background(), []float32{1, 0}, "", Candidate{ID: "c", Embedding: []float32{1, 0}}, nil, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindExact, m.Kind)
	require.NotNil(t, m.Score)
	assert.Equal(t, 1.0, *m.Score)
	assert.Equal(t, "Semantic similarity 1.00 >= 0.92", m.Reason)
}

func TestMatchSemantic_Likely(t *testing.T) {
	m, ok, err := MatchSemantic(context.Background(), []float32{1, 0}, "", Candidate{ID: "c", Embedding: []float32{0.9, 0.436}}, nil, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindLikely, m.Kind)
	require.NotNil(t, m.Score)
	assert.InDelta(t, 0.9, *m.Score, 0.001)
	assert.Equal(t, "Semantic similarity 0.90 in [0.85, 0.92)", m.Reason)
}

func TestMatchSemantic_ScoreRounded(t *testing.T) {
	m, ok, err := MatchSemantic(context.Background(), []float32{1, 0.3}, "", Candidate{ID: "c", Embedding: []float32{1, 0.31}}, nil, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, math.Round(*m.Score*10000)/10000, *m.Score)
}

func TestMatchSemantic_NoSignal(t *testing.T) {
	ctx := context.Background()
	th := DefaultThresholds()

	_, ok, err := MatchSemantic(ctx, nil, "text", Candidate{ID: "c", Embedding: []float32{1, 0}}, nil, th)
	require.NoError(t, err)
	assert.False(t, ok, "current embedding missing")

	_, ok, err = MatchSemantic(ctx, []float32{1, 0}, "", Candidate{ID: "c", NormalizedText: "x"}, nil, th)
	require.NoError(t, err)
	assert.False(t, ok, "candidate embedding missing")

	_, ok, err = MatchSemantic(ctx, []float32{1, 0}, "", Candidate{ID: "c", Embedding: []float32{1, 0, 0}}, nil, th)
	require.NoError(t, err)
	assert.False(t, ok, "dimension mismatch")

	_, ok, err = MatchSemantic(ctx, []float32{0, 0}, "", Candidate{ID: "c", Embedding: []float32{1, 0}}, nil, th)
	require.NoError(t, err)
	assert.False(t, ok, "zero vector")
}

func TestMatchSemantic_LazyEmbedding(t *testing.T) {
	var calls []string
	embed := func(_ context.Context, text string) ([]float32, error) {
		calls = append(calls, text)
		return []float32{1, 0}, nil
	}

	m, ok, err := MatchSemantic(context.Background(), nil, "current", Candidate{ID: "c", NormalizedText: "cand"}, embed, DefaultThresholds())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindExact, m.Kind)
	assert.Equal(t, []string{"cand", "current"}, calls)
}

func TestMatchSemantic_EmbeddingErrorPropagates(t *testing.T) {
	boom := errors.New("provider down")
	embed := func(context.Context, string) ([]float32, error) { return nil, boom }

	_, _, err := MatchSemantic(context.Background(), []float32{1, 0}, "", Candidate{ID: "c", NormalizedText: "cand"}, embed, DefaultThresholds())
	assert.Same(t, boom, err)
}

func TestScoreSemantic_BandsOnRawSimilarity(t *testing.T) {
	// 0.91996 reports as 0.92 but stays below the exact threshold.
	y := float32(math.Sqrt(1 - 0.91996*0.91996))
	m, ok := scoreSemantic([]float32{1, 0}, []float32{0.91996, y}, "c-1", DefaultThresholds())
	require.True(t, ok)
	assert.Equal(t, KindLikely, m.Kind)
	require.NotNil(t, m.Score)
	assert.Equal(t, 0.92, *m.Score)
}
