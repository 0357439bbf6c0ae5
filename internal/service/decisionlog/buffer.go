// Package decisionlog batches evaluation outcomes in memory and writes them
// to storage in bulk.
package decisionlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/telemetry"
)

// ErrBufferFull is returned by Append when the buffer is at capacity.
var ErrBufferFull = errors.New("decisionlog: buffer at capacity")

// Writer persists a batch of decision log entries.
type Writer interface {
	InsertDecisions(ctx context.Context, entries []model.DecisionLog) (int, error)
}

// Buffer accumulates entries and flushes them when the batch size or the
// flush interval is reached.
type Buffer struct {
	w             Writer
	logger        *slog.Logger
	batchSize     int
	capacity      int
	flushInterval time.Duration

	mu      sync.Mutex
	entries []model.DecisionLog

	dropped atomic.Int64

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCh    chan context.Context
}

// NewBuffer creates a buffer. capacity bounds the number of pending entries;
// values below batchSize are raised to 10x batchSize.
func NewBuffer(w Writer, logger *slog.Logger, batchSize, capacity int, flushInterval time.Duration) *Buffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if capacity < batchSize {
		capacity = batchSize * 10
	}
	return &Buffer{
		w:             w,
		logger:        logger,
		batchSize:     batchSize,
		capacity:      capacity,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		drainCh:       make(chan context.Context, 1),
	}
}

// Start begins the background flush loop. Call Drain to stop it.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("decisionlog: Start called more than once, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues entries. It fails with ErrBufferFull rather than grow past
// capacity.
func (b *Buffer) Append(entries ...model.DecisionLog) error {
	if len(entries) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries)+len(entries) > b.capacity {
		return ErrBufferFull
	}
	b.entries = append(b.entries, entries...)

	if len(b.entries) >= b.batchSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-b.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.flush(drainCtx)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	start := time.Now()
	n, err := b.w.InsertDecisions(ctx, batch)
	if err != nil {
		b.logger.Error("decisionlog: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.entries)+len(batch) <= b.capacity {
			b.entries = append(batch, b.entries...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("decisionlog: dropping entries after failed flush", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("decisionlog: batch flushed",
		"batch_size", n,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush under ctx and waits for it.
func (b *Buffer) Drain(ctx context.Context) {
	select {
	case b.drainCh <- ctx:
	default:
	}
	if b.cancelLoop == nil {
		b.flush(ctx)
		return
	}
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("decisionlog: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("futago/decisionlog")

	_, _ = meter.Int64ObservableGauge("futago.decisionlog.depth",
		metric.WithDescription("Decision log entries waiting to be written"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("futago.decisionlog.dropped_total",
		metric.WithDescription("Decision log entries dropped after failed flushes"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries were discarded because a failed batch
// could not be requeued.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Capacity returns the maximum number of pending entries.
func (b *Buffer) Capacity() int {
	return b.capacity
}
