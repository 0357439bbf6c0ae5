package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/search"
	"github.com/ashita-ai/futago/internal/service/decisionlog"
	"github.com/ashita-ai/futago/internal/storage"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]dedup.Candidate
	recent  []dedup.Candidate
	similar []dedup.Candidate
	saved   []model.Record

	recentSince time.Time
	similarCall int
}

func (f *fakeStore) SaveRecord(_ context.Context, r model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, r)
	return nil
}

func (f *fakeStore) RecentCandidates(_ context.Context, _ string, since time.Time, _ int) ([]dedup.Candidate, error) {
	f.recentSince = since
	return f.recent, nil
}

func (f *fakeStore) SimilarCandidates(context.Context, []float32, string, int) ([]dedup.Candidate, error) {
	f.similarCall++
	return f.similar, nil
}

func (f *fakeStore) GetRecords(_ context.Context, ids []string) ([]dedup.Candidate, error) {
	var out []dedup.Candidate
	for _, id := range ids {
		if c, ok := f.records[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeFinder struct {
	results []search.Result
	err     error
}

func (f *fakeFinder) FindSimilar(context.Context, []float32, string, int) ([]search.Result, error) {
	return f.results, f.err
}

func (f *fakeFinder) Healthy(context.Context) error { return f.err }

// fakeEmbedder maps known texts to vectors; anything else has no embedding.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	f.calls++
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector(f.vectors[text]), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeSink struct {
	entries []model.DecisionLog
	err     error
}

func (f *fakeSink) Append(entries ...model.DecisionLog) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entries...)
	return nil
}

type fakeNotifier struct {
	channel, payload string
}

func (f *fakeNotifier) Notify(_ context.Context, channel, payload string) error {
	f.channel, f.payload = channel, payload
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, d Deps, cfg dedup.Config) *Service {
	t.Helper()
	if d.Logger == nil {
		d.Logger = discard()
	}
	svc, err := New(d, Settings{Engine: cfg, Lookback: 24 * time.Hour, MaxCandidates: 10})
	require.NoError(t, err)
	return svc
}

func ticket() model.Ticket {
	return model.Ticket{
		ID:          "TKT-9",
		CleanedText: "checkout returns 500",
		ReceivedAt:  base,
		Customer:    &model.Customer{AccountID: "ACC-1"},
		Fields:      model.ExtractedFields{ErrorMessage: "HTTP 500 on /checkout", Product: "payments"},
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Deps{}, Settings{Engine: dedup.DefaultConfig()})
	assert.ErrorContains(t, err, "store is required")
}

func TestNewRejectsInvalidEngineConfig(t *testing.T) {
	cfg := dedup.DefaultConfig()
	cfg.Thresholds = dedup.Thresholds{Exact: 0.5, Likely: 0.9}
	_, err := New(Deps{Store: &fakeStore{}}, Settings{Engine: cfg})
	assert.ErrorContains(t, err, "dedupe:")
}

func TestEvaluateIsStateless(t *testing.T) {
	store := &fakeStore{}
	svc := newService(t, Deps{Store: store}, dedup.DefaultConfig())

	d, err := svc.Evaluate(context.Background(), dedup.Input{
		RecordID:   "T2",
		AccountID:  "ACC-1",
		ErrorText:  "E42",
		ReceivedAt: base,
		Candidates: []dedup.Candidate{{ID: "T1", AccountID: "ACC-1", ErrorText: "e42", ReceivedAt: base.Add(-10 * time.Minute)}},
	})
	require.NoError(t, err)
	assert.Equal(t, dedup.ActionAutoMerge, d.Action)
	require.Len(t, d.Matches, 1)
	assert.Equal(t, "T1", d.Matches[0].CandidateID)
	assert.Empty(t, store.saved)
}

func TestCheckTicketMetadataMatchWithoutPersist(t *testing.T) {
	store := &fakeStore{recent: []dedup.Candidate{
		{ID: "TKT-9", AccountID: "ACC-1", ErrorText: "HTTP 500 on /checkout", ReceivedAt: base},
		{ID: "TKT-1", AccountID: "ACC-1", ErrorText: "http 500  on /checkout", ReceivedAt: base.Add(-20 * time.Minute)},
	}}
	svc := newService(t, Deps{Store: store}, dedup.DefaultConfig())

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, dedup.ActionAutoMerge, resp.Decision.Action)
	assert.True(t, resp.IsDuplicate)
	assert.Equal(t, 1, resp.CandidateCount, "the ticket itself is not a candidate")
	assert.False(t, resp.Persisted)
	assert.Empty(t, store.saved)
	assert.Equal(t, base.Add(-24*time.Hour), store.recentSince)
	assert.Zero(t, store.similarCall, "no embedding, no similarity lookup")
}

func TestCheckTicketUsesVectorIndex(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"checkout returns 500": {1, 0, 0}}}
	store := &fakeStore{
		records: map[string]dedup.Candidate{
			"TKT-2": {ID: "TKT-2", Embedding: []float32{1, 0.05, 0}},
			"TKT-3": {ID: "TKT-3", Embedding: []float32{0, 1, 0}},
		},
		recent: []dedup.Candidate{{ID: "TKT-3", AccountID: "ACC-1", Embedding: []float32{0, 1, 0}}},
	}
	finder := &fakeFinder{results: []search.Result{
		{RecordID: "TKT-gone", Score: 0.99},
		{RecordID: "TKT-2", Score: 0.98},
		{RecordID: "TKT-3", Score: 0.1},
	}}
	svc := newService(t, Deps{Store: store, Finder: finder, Embedder: emb}, dedup.DefaultConfig())

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CandidateCount)
	assert.Equal(t, dedup.ActionAutoMerge, resp.Decision.Action)
	require.Len(t, resp.Decision.Matches, 1)
	assert.Equal(t, "TKT-2", resp.Decision.Matches[0].CandidateID)
	assert.Equal(t, dedup.KindExact, resp.Decision.Matches[0].Kind)
	assert.Equal(t, 1, emb.calls, "the ticket is embedded once")
	assert.Zero(t, store.similarCall)
}

func TestCheckTicketBusyAccountKeepsNeighbours(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"checkout returns 500": {1, 0, 0}}}
	store := &fakeStore{records: map[string]dedup.Candidate{
		"TKT-near": {ID: "TKT-near", AccountID: "ACC-7", Embedding: []float32{1, 0.05, 0}},
	}}
	for i := range 10 {
		store.recent = append(store.recent, dedup.Candidate{
			ID:         fmt.Sprintf("TKT-r%d", i),
			AccountID:  "ACC-1",
			ErrorText:  "unrelated",
			ReceivedAt: base.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	finder := &fakeFinder{results: []search.Result{{RecordID: "TKT-near", Score: 0.99}}}
	svc := newService(t, Deps{Store: store, Finder: finder, Embedder: emb}, dedup.DefaultConfig())

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, resp.CandidateCount)
	assert.Equal(t, dedup.ActionAutoMerge, resp.Decision.Action)
	require.Len(t, resp.Decision.Matches, 1)
	assert.Equal(t, "TKT-near", resp.Decision.Matches[0].CandidateID)
}

func TestCheckTicketFallsBackWhenIndexFails(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{"checkout returns 500": {1, 0, 0}}}
	store := &fakeStore{similar: []dedup.Candidate{{ID: "TKT-4", Embedding: []float32{0.9, 0.4, 0}}}}
	finder := &fakeFinder{err: errors.New("qdrant unreachable")}
	svc := newService(t, Deps{Store: store, Finder: finder, Embedder: emb}, dedup.DefaultConfig())

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.similarCall)
	assert.Equal(t, dedup.ActionAgentReview, resp.Decision.Action)
	require.Len(t, resp.Decision.Matches, 1)
	assert.Equal(t, dedup.KindLikely, resp.Decision.Matches[0].Kind)
}

func TestCheckTicketPersistLinksIncident(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	cfg := dedup.DefaultConfig()
	cfg.Lister = func(context.Context) ([]string, error) { return []string{"INC-7"}, nil }
	emb := &fakeEmbedder{vectors: map[string][]float32{"checkout returns 500": {0, 0, 1}}}
	svc := newService(t, Deps{Store: store, Embedder: emb, Log: sink, Notifier: notifier}, cfg)

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, resp.Persisted)
	assert.Equal(t, dedup.ActionLinkAndNotify, resp.Decision.Action)

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, "TKT-9", saved.ID)
	assert.Equal(t, "ACC-1", saved.AccountID)
	assert.Equal(t, "payments", saved.Product)
	assert.Equal(t, []float32{0, 0, 1}, saved.Embedding)

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "TKT-9", sink.entries[0].RecordID)
	assert.Equal(t, dedup.ActionLinkAndNotify, sink.entries[0].Action)

	assert.Equal(t, storage.ChannelDecisions, notifier.channel)
	var n Notification
	require.NoError(t, json.Unmarshal([]byte(notifier.payload), &n))
	assert.Equal(t, "TKT-9", n.RecordID)
	require.NotNil(t, n.LinkedIncidentID)
	assert.Equal(t, "INC-7", *n.LinkedIncidentID)
}

func TestCheckTicketPersistSurvivesFullLog(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{err: decisionlog.ErrBufferFull}
	notifier := &fakeNotifier{}
	svc := newService(t, Deps{Store: store, Log: sink, Notifier: notifier}, dedup.DefaultConfig())

	resp, err := svc.CheckTicket(context.Background(), ticket(), CheckOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, resp.Persisted)
	assert.Equal(t, dedup.ActionNone, resp.Decision.Action)
	assert.Empty(t, notifier.payload, "only link_and_notify is published")
}

func TestCheckTicketErrors(t *testing.T) {
	svc := newService(t, Deps{Store: &fakeStore{}}, dedup.DefaultConfig())
	_, err := svc.CheckTicket(context.Background(), model.Ticket{}, CheckOptions{})
	assert.ErrorContains(t, err, "ticket_id is required")

	boom := errors.New("provider down")
	svc = newService(t, Deps{Store: &fakeStore{}, Embedder: &fakeEmbedder{err: boom}}, dedup.DefaultConfig())
	_, err = svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	assert.ErrorIs(t, err, boom)

	cfg := dedup.DefaultConfig()
	cfg.Lister = func(context.Context) ([]string, error) { return nil, boom }
	svc = newService(t, Deps{Store: &fakeStore{}}, cfg)
	_, err = svc.CheckTicket(context.Background(), ticket(), CheckOptions{})
	assert.Same(t, boom, err)
}

func TestCheckTicketDefaultsReceivedAt(t *testing.T) {
	store := &fakeStore{}
	svc := newService(t, Deps{Store: store}, dedup.DefaultConfig())

	tk := ticket()
	tk.ReceivedAt = time.Time{}
	_, err := svc.CheckTicket(context.Background(), tk, CheckOptions{Persist: true})
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.WithinDuration(t, time.Now(), store.saved[0].ReceivedAt, time.Minute)
}

func TestMergeCandidates(t *testing.T) {
	recent := []dedup.Candidate{{ID: "self"}, {ID: "a"}, {ID: "b"}, {ID: "a"}}
	similar := []dedup.Candidate{{ID: "b"}, {ID: "c"}, {ID: "self"}}

	got := mergeCandidates("self", 10, recent, similar)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))

	got = mergeCandidates("self", 2, recent, nil)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got = mergeCandidates("self", 2, nil, similar)
	assert.Equal(t, []string{"b", "c"}, ids(got))
}

func TestMergeCandidatesSharesBudget(t *testing.T) {
	mk := func(prefix string, n int) []dedup.Candidate {
		out := make([]dedup.Candidate, n)
		for i := range out {
			out[i] = dedup.Candidate{ID: fmt.Sprintf("%s%d", prefix, i)}
		}
		return out
	}

	// A busy account must not crowd out every neighbour.
	got := mergeCandidates("self", 4, mk("r", 4), mk("s", 4))
	assert.Equal(t, []string{"r0", "r1", "s0", "s1"}, ids(got))

	// Spare slots from a short source go to the other one.
	got = mergeCandidates("self", 4, mk("r", 1), mk("s", 4))
	assert.Equal(t, []string{"r0", "s0", "s1", "s2"}, ids(got))

	got = mergeCandidates("self", 4, mk("r", 4), mk("s", 1))
	assert.Equal(t, []string{"r0", "r1", "r2", "s0"}, ids(got))

	got = mergeCandidates("self", 5, mk("r", 5), mk("s", 5))
	assert.Len(t, got, 5)
	assert.Equal(t, []string{"r0", "r1", "r2", "s0", "s1"}, ids(got))
}

func ids(cs []dedup.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
