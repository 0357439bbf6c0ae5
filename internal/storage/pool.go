// Package storage provides the PostgreSQL storage layer for futago.
//
// It manages connection pooling via pgxpool, a dedicated connection for
// LISTEN/NOTIFY (direct to Postgres), and query methods for records,
// incidents, the decision log and API keys.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/futago/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool      *pgxpool.Pool
	notifyDSN string
	logger    *slog.Logger

	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
	listening  []string
}

// New creates a DB with a connection pool. notifyDSN may be empty, which
// disables Listen and WaitForNotification.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// Registration fails until the vector extension exists (first start,
	// before migrations). Later connections pick it up.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, notifyDSN: notifyDSN, logger: logger}
	if notifyDSN != "" {
		if db.notifyConn, err = pgx.Connect(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}
	return db, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// RegisterPoolMetrics registers observable gauges for connection pool usage.
// Call after telemetry.Init so the gauges bind to the installed provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("futago/storage")
	_, _ = meter.Int64ObservableGauge("futago.db.pool.acquired",
		metric.WithDescription("Connections currently in use"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("futago.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
}

// HasNotifyConn reports whether LISTEN/NOTIFY is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
		db.notifyConn = nil
	}
}
