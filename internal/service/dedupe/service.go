// Package dedupe is the triage service shared by the HTTP API, the MCP server
// and the CLI. It gathers candidates for a ticket, runs the dedup engine and
// records the outcome.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/search"
	"github.com/ashita-ai/futago/internal/service/decisionlog"
	"github.com/ashita-ai/futago/internal/service/embedding"
	"github.com/ashita-ai/futago/internal/storage"
	"github.com/ashita-ai/futago/internal/telemetry"
)

// CandidateStore is the subset of storage.Store the service reads and writes.
type CandidateStore interface {
	SaveRecord(ctx context.Context, r model.Record) error
	RecentCandidates(ctx context.Context, accountID string, since time.Time, limit int) ([]dedup.Candidate, error)
	SimilarCandidates(ctx context.Context, embedding []float32, excludeID string, limit int) ([]dedup.Candidate, error)
	GetRecords(ctx context.Context, ids []string) ([]dedup.Candidate, error)
}

// LogSink receives decision log entries.
type LogSink interface {
	Append(entries ...model.DecisionLog) error
}

// Deps are the service's collaborators. Only Store is required.
type Deps struct {
	Store    CandidateStore
	Finder   search.CandidateFinder // ANN index; nil uses Store.SimilarCandidates
	Embedder embedding.Provider
	Log      LogSink
	Notifier storage.Notifier
	Logger   *slog.Logger
}

// Settings tune candidate gathering and the engine.
type Settings struct {
	Engine        dedup.Config
	Lookback      time.Duration // same-account window for candidate gathering
	MaxCandidates int
}

// CheckOptions control the side effects of CheckTicket.
type CheckOptions struct {
	// Persist stores the ticket as a future candidate, logs the decision and
	// publishes link_and_notify decisions.
	Persist bool
}

// Notification is the payload published on storage.ChannelDecisions.
type Notification struct {
	RecordID         string       `json:"record_id"`
	Action           dedup.Action `json:"action"`
	LinkedIncidentID *string      `json:"linked_incident_id,omitempty"`
}

// Service runs triage.
type Service struct {
	store    CandidateStore
	finder   search.CandidateFinder
	embedder embedding.Provider
	log      LogSink
	notifier storage.Notifier
	logger   *slog.Logger
	engine   *dedup.Engine

	lookback      time.Duration
	maxCandidates int

	decisions    metric.Int64Counter
	evalDuration metric.Float64Histogram
}

// New builds the engine from s and returns a Service. When s.Engine has no
// embedding function one is derived from d.Embedder.
func New(d Deps, s Settings) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("dedupe: store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if s.Engine.Embed == nil {
		s.Engine.Embed = embedding.Func(d.Embedder)
	}
	eng, err := dedup.New(s.Engine)
	if err != nil {
		return nil, fmt.Errorf("dedupe: %w", err)
	}
	if s.Lookback <= 0 {
		s.Lookback = 72 * time.Hour
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = 200
	}

	meter := telemetry.Meter("futago/dedupe")
	decisions, _ := meter.Int64Counter("futago.decisions",
		metric.WithDescription("Triage decisions by action"),
	)
	evalDur, _ := meter.Float64Histogram("futago.evaluate.duration",
		metric.WithDescription("Time to evaluate a record (ms)"),
		metric.WithUnit("ms"),
	)

	return &Service{
		store:         d.Store,
		finder:        d.Finder,
		embedder:      d.Embedder,
		log:           d.Log,
		notifier:      d.Notifier,
		logger:        d.Logger,
		engine:        eng,
		lookback:      s.Lookback,
		maxCandidates: s.MaxCandidates,
		decisions:     decisions,
		evalDuration:  evalDur,
	}, nil
}

// Engine returns the configured engine.
func (s *Service) Engine() *dedup.Engine { return s.engine }

// Evaluate runs the engine on caller-supplied candidates. Nothing is stored.
func (s *Service) Evaluate(ctx context.Context, in dedup.Input) (dedup.Decision, error) {
	ctx, span := telemetry.Tracer("futago/dedupe").Start(ctx, "dedupe.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("futago.record_id", in.RecordID),
		attribute.Int("futago.candidates", len(in.Candidates)),
	)

	d, err := s.evaluate(ctx, in)
	if err != nil {
		span.RecordError(err)
		return dedup.Decision{}, err
	}
	span.SetAttributes(attribute.String("futago.action", string(d.Action)))
	return d, nil
}

func (s *Service) evaluate(ctx context.Context, in dedup.Input) (dedup.Decision, error) {
	start := time.Now()
	d, err := s.engine.Evaluate(ctx, in)
	s.evalDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		return dedup.Decision{}, err
	}
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(d.Action))))
	return d, nil
}

// CheckTicket embeds the ticket text, gathers candidates from storage,
// evaluates and, with opts.Persist, records the outcome.
func (s *Service) CheckTicket(ctx context.Context, t model.Ticket, opts CheckOptions) (model.CheckTicketResponse, error) {
	ctx, span := telemetry.Tracer("futago/dedupe").Start(ctx, "dedupe.CheckTicket")
	defer span.End()
	span.SetAttributes(attribute.String("futago.record_id", t.ID))

	if err := model.ValidateTicket(t); err != nil {
		return model.CheckTicketResponse{}, fmt.Errorf("dedupe: %w", err)
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}

	emb, err := s.embedTicket(ctx, t)
	if err != nil {
		span.RecordError(err)
		return model.CheckTicketResponse{}, err
	}

	candidates, err := s.gatherCandidates(ctx, t.ID, t.AccountID(), t.ReceivedAt, emb)
	if err != nil {
		span.RecordError(err)
		return model.CheckTicketResponse{}, err
	}
	span.SetAttributes(attribute.Int("futago.candidates", len(candidates)))

	d, err := s.evaluate(ctx, t.Input(emb, candidates))
	if err != nil {
		span.RecordError(err)
		return model.CheckTicketResponse{}, err
	}
	span.SetAttributes(attribute.String("futago.action", string(d.Action)))

	resp := model.CheckTicketResponse{
		Decision:       d,
		IsDuplicate:    d.IsDuplicate(),
		CandidateCount: len(candidates),
	}
	if !opts.Persist {
		return resp, nil
	}

	if err := s.store.SaveRecord(ctx, t.Record(emb)); err != nil {
		return model.CheckTicketResponse{}, fmt.Errorf("dedupe: save record: %w", err)
	}
	resp.Persisted = true
	s.recordOutcome(ctx, d, len(candidates))
	return resp, nil
}

func (s *Service) embedTicket(ctx context.Context, t model.Ticket) ([]float32, error) {
	if embedding.IsNoop(s.embedder) || t.CleanedText == "" {
		return nil, nil
	}
	v, err := s.embedder.Embed(ctx, t.CleanedText)
	if err != nil {
		return nil, fmt.Errorf("dedupe: embed ticket: %w", err)
	}
	return v.Slice(), nil
}

// gatherCandidates merges same-account records from the lookback window with
// nearest neighbours of emb, capped at maxCandidates. When both sources
// overflow the cap, each keeps at least half of it.
func (s *Service) gatherCandidates(ctx context.Context, recordID, accountID string, ref time.Time, emb []float32) ([]dedup.Candidate, error) {
	var recent, similar []dedup.Candidate
	if accountID != "" {
		var err error
		recent, err = s.store.RecentCandidates(ctx, accountID, ref.Add(-s.lookback), s.maxCandidates)
		if err != nil {
			return nil, fmt.Errorf("dedupe: recent candidates: %w", err)
		}
	}
	if len(emb) > 0 {
		var err error
		similar, err = s.similarCandidates(ctx, recordID, emb)
		if err != nil {
			return nil, err
		}
	}
	return mergeCandidates(recordID, s.maxCandidates, recent, similar), nil
}

func (s *Service) similarCandidates(ctx context.Context, recordID string, emb []float32) ([]dedup.Candidate, error) {
	if s.finder != nil {
		results, err := s.finder.FindSimilar(ctx, emb, recordID, s.maxCandidates)
		if err == nil {
			recs, err := s.store.GetRecords(ctx, search.RecordIDs(results))
			if err != nil {
				return nil, fmt.Errorf("dedupe: hydrate similar records: %w", err)
			}
			return orderByResults(results, recs), nil
		}
		s.logger.Warn("dedupe: vector index unavailable, using database search", "error", err)
	}
	similar, err := s.store.SimilarCandidates(ctx, emb, recordID, s.maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("dedupe: similar candidates: %w", err)
	}
	return similar, nil
}

// orderByResults returns recs in index rank order. Ids the index returned
// that are no longer stored are dropped.
func orderByResults(results []search.Result, recs []dedup.Candidate) []dedup.Candidate {
	byID := make(map[string]dedup.Candidate, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]dedup.Candidate, 0, len(results))
	for _, r := range results {
		if c, ok := byID[r.RecordID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// mergeCandidates drops recordID and repeated ids, then fills limit with
// recent records first and neighbours after them. Neighbours are guaranteed
// limit/2 slots when they have that many; unused slots go to either source.
func mergeCandidates(recordID string, limit int, recent, similar []dedup.Candidate) []dedup.Candidate {
	seen := map[string]struct{}{recordID: {}}
	unique := func(in []dedup.Candidate) []dedup.Candidate {
		var out []dedup.Candidate
		for _, c := range in {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
		return out
	}
	recent = unique(recent)
	similar = unique(similar)

	similarTake := min(len(similar), max(limit/2, limit-len(recent)))
	recentTake := min(len(recent), limit-similarTake)

	out := make([]dedup.Candidate, 0, recentTake+similarTake)
	out = append(out, recent[:recentTake]...)
	return append(out, similar[:similarTake]...)
}

// recordOutcome logs the decision and publishes link_and_notify decisions.
// Failures are logged; the record is already stored.
func (s *Service) recordOutcome(ctx context.Context, d dedup.Decision, candidateCount int) {
	if s.log != nil {
		if err := s.log.Append(model.NewDecisionLog(d, candidateCount)); err != nil {
			if errors.Is(err, decisionlog.ErrBufferFull) {
				s.logger.Warn("dedupe: decision log full, entry dropped", "record_id", d.RecordID)
			} else {
				s.logger.Error("dedupe: append decision log", "error", err, "record_id", d.RecordID)
			}
		}
	}

	if d.Action != dedup.ActionLinkAndNotify || s.notifier == nil {
		return
	}
	payload, err := json.Marshal(Notification{
		RecordID:         d.RecordID,
		Action:           d.Action,
		LinkedIncidentID: d.LinkedIncidentID,
	})
	if err != nil {
		s.logger.Error("dedupe: marshal notification", "error", err)
		return
	}
	if err := s.notifier.Notify(ctx, storage.ChannelDecisions, string(payload)); err != nil {
		s.logger.Warn("dedupe: notify failed", "error", err, "record_id", d.RecordID)
	}
}
