package storage

import (
	"context"
	"io/fs"
	"time"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
)

// Store is the persistence surface used by the service layer. *DB (Postgres)
// and sqlite.Store implement it.
type Store interface {
	// SaveRecord inserts or replaces a record.
	SaveRecord(ctx context.Context, r model.Record) error
	// RecentCandidates returns records for accountID received at or after
	// since, newest first.
	RecentCandidates(ctx context.Context, accountID string, since time.Time, limit int) ([]dedup.Candidate, error)
	// SimilarCandidates returns records likely to be near embedding. Backends
	// without vector search return recent records that carry an embedding.
	SimilarCandidates(ctx context.Context, embedding []float32, excludeID string, limit int) ([]dedup.Candidate, error)
	// GetRecords returns the records with the given ids, in no particular order.
	GetRecords(ctx context.Context, ids []string) ([]dedup.Candidate, error)

	CreateIncident(ctx context.Context, inc model.Incident) (model.Incident, error)
	ResolveIncident(ctx context.Context, id string) (model.Incident, error)
	// ListIncidents returns incidents newest first.
	ListIncidents(ctx context.Context, activeOnly bool) ([]model.Incident, error)

	InsertDecisions(ctx context.Context, entries []model.DecisionLog) (int, error)
	ListDecisions(ctx context.Context, recordID string, limit int) ([]model.DecisionLog, error)

	CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error)
	// ActiveAPIKeys returns unrevoked keys for a client.
	ActiveAPIKeys(ctx context.Context, clientID string) ([]model.APIKey, error)

	RunMigrations(ctx context.Context, migrationsFS fs.FS) error
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// Notifier publishes events to subscribers. Only Postgres implements it.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

var _ Store = (*DB)(nil)
var _ Notifier = (*DB)(nil)
