package dedup

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Config tunes an Engine. Collaborators are optional.
type Config struct {
	Metadata   MetadataConfig
	Thresholds Thresholds

	Embed  EmbeddingFunc
	Lister IncidentLister
	Linker IncidentLinker

	// Concurrency > 1 resolves missing candidate embeddings in parallel
	// before the semantic pass. Matches are still merged in candidate order.
	Concurrency int
}

// DefaultConfig returns default matcher settings and no collaborators.
func DefaultConfig() Config {
	return Config{
		Metadata:   DefaultMetadataConfig(),
		Thresholds: DefaultThresholds(),
	}
}

// Validate checks matcher settings.
func (c Config) Validate() error {
	if err := c.Metadata.Validate(); err != nil {
		return err
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("dedup: concurrency must be >= 0, got %d", c.Concurrency)
	}
	return nil
}

// Engine evaluates records against candidates. It is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate runs the metadata pass, the semantic pass (only when the record has
// an embedding or an EmbeddingFunc is configured) and incident correlation,
// keeping the first match per candidate id, then resolves the action.
// Collaborator errors are returned unchanged.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	var (
		matches []Match
		seen    = make(map[string]struct{}, len(in.Candidates))
	)
	add := func(m Match) {
		if _, dup := seen[m.CandidateID]; dup {
			return
		}
		seen[m.CandidateID] = struct{}{}
		matches = append(matches, m)
	}
	pending := func(c Candidate) bool {
		if c.ID == in.RecordID {
			return false
		}
		_, dup := seen[c.ID]
		return !dup
	}

	for _, c := range in.Candidates {
		if !pending(c) {
			continue
		}
		if m, ok := MatchMetadata(in.AccountID, in.ErrorText, in.ReceivedAt, c, e.cfg.Metadata); ok {
			add(m)
		}
	}

	if len(in.Embedding) > 0 || e.cfg.Embed != nil {
		if err := e.semanticPass(ctx, in, pending, add); err != nil {
			return Decision{}, err
		}
	}

	m, incidentID, ok, err := CorrelateIncident(ctx, in.RecordID, in.AccountID, in.ProductTag, e.cfg.Lister, e.cfg.Linker)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		matches = append(matches, m)
	}

	d := Decision{
		RecordID: in.RecordID,
		Action:   ResolveAction(matches),
		Matches:  matches,
	}
	if d.Action == ActionLinkAndNotify {
		d.LinkedIncidentID = ptr(incidentID)
	}
	if d.Matches == nil {
		d.Matches = []Match{}
	}
	return d, nil
}

func (e *Engine) semanticPass(ctx context.Context, in Input, pending func(Candidate) bool, add func(Match)) error {
	vecs, err := e.prefetch(ctx, in.Candidates, pending)
	if err != nil {
		return err
	}

	current := in.Embedding
	resolved := len(current) > 0
	for i, c := range in.Candidates {
		if !pending(c) {
			continue
		}
		candVec := c.Embedding
		if vecs != nil {
			candVec = vecs[i]
		} else if candVec, err = ResolveEmbedding(ctx, c.Embedding, c.NormalizedText, e.cfg.Embed); err != nil {
			return err
		}
		if !resolved {
			if current, err = ResolveEmbedding(ctx, nil, in.NormalizedText, e.cfg.Embed); err != nil {
				return err
			}
			resolved = true
		}
		if m, ok := scoreSemantic(current, candVec, c.ID, e.cfg.Thresholds); ok {
			add(m)
		}
	}
	return nil
}

// prefetch resolves candidate embeddings concurrently into a slice indexed
// like candidates. It returns nil when concurrency is disabled or there is
// nothing to embed.
func (e *Engine) prefetch(ctx context.Context, candidates []Candidate, pending func(Candidate) bool) ([][]float32, error) {
	if e.cfg.Concurrency <= 1 || e.cfg.Embed == nil {
		return nil, nil
	}
	vecs := make([][]float32, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, c := range candidates {
		if !pending(c) {
			continue
		}
		if len(c.Embedding) > 0 {
			vecs[i] = c.Embedding
			continue
		}
		if c.NormalizedText == "" {
			continue
		}
		g.Go(func() error {
			v, err := e.cfg.Embed(gctx, c.NormalizedText)
			if err != nil {
				return err
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}
