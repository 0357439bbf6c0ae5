package decisionlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]model.DecisionLog
	fail    bool
}

func (w *recordingWriter) InsertDecisions(_ context.Context, entries []model.DecisionLog) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("database unavailable")
	}
	w.batches = append(w.batches, entries)
	return len(entries), nil
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func (w *recordingWriter) setFail(v bool) {
	w.mu.Lock()
	w.fail = v
	w.mu.Unlock()
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(id string) model.DecisionLog {
	return model.NewDecisionLog(dedup.Decision{RecordID: id, Action: dedup.ActionNone, Matches: []dedup.Match{}}, 0)
}

func TestBufferFlushesOnBatchSize(t *testing.T) {
	w := &recordingWriter{}
	b := NewBuffer(w, discard(), 2, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	require.NoError(t, b.Append(entry("a"), entry("b")))
	assert.Eventually(t, func() bool { return w.total() == 2 }, 2*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	b.Drain(drainCtx)
}

func TestBufferFlushesOnInterval(t *testing.T) {
	w := &recordingWriter{}
	b := NewBuffer(w, discard(), 100, 1000, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	require.NoError(t, b.Append(entry("a")))
	assert.Eventually(t, func() bool { return w.total() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.Len())

	b.Drain(context.Background())
}

func TestBufferDrainFlushesRemaining(t *testing.T) {
	w := &recordingWriter{}
	b := NewBuffer(w, discard(), 100, 1000, time.Hour)
	b.Start(context.Background())
	b.Start(context.Background())

	require.NoError(t, b.Append(entry("a"), entry("b"), entry("c")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Drain(ctx)

	assert.Equal(t, 3, w.total())
	assert.Zero(t, b.Len())
}

func TestBufferDrainWithoutStart(t *testing.T) {
	w := &recordingWriter{}
	b := NewBuffer(w, discard(), 10, 100, time.Hour)
	require.NoError(t, b.Append(entry("a")))

	b.Drain(context.Background())
	assert.Equal(t, 1, w.total())
}

func TestBufferCapacity(t *testing.T) {
	b := NewBuffer(&recordingWriter{}, discard(), 2, 3, time.Hour)
	assert.Equal(t, 3, b.Capacity())

	require.NoError(t, b.Append(entry("a"), entry("b"), entry("c")))
	err := b.Append(entry("d"))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 3, b.Len())
	assert.NoError(t, b.Append())
}

func TestBufferRequeuesFailedBatch(t *testing.T) {
	w := &recordingWriter{fail: true}
	b := NewBuffer(w, discard(), 10, 100, time.Hour)
	require.NoError(t, b.Append(entry("a"), entry("b")))

	b.flush(context.Background())
	assert.Equal(t, 2, b.Len())
	assert.Zero(t, b.Dropped())

	w.setFail(false)
	b.flush(context.Background())
	assert.Zero(t, b.Len())
	assert.Equal(t, 2, w.total())
}

func TestBufferDropsWhenRequeueOverflows(t *testing.T) {
	w := &recordingWriter{fail: true}
	b := NewBuffer(w, discard(), 2, 2, time.Hour)

	// Seed more than capacity so the failed batch cannot be requeued.
	b.entries = []model.DecisionLog{entry("a"), entry("b"), entry("c")}

	b.flush(context.Background())
	assert.Equal(t, int64(3), b.Dropped())
	assert.Zero(t, b.Len())
}

func TestNewBufferDefaults(t *testing.T) {
	b := NewBuffer(&recordingWriter{}, discard(), 0, 0, time.Second)
	assert.Equal(t, 100, b.batchSize)
	assert.Equal(t, 1000, b.capacity)
}
