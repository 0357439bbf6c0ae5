// Package search provides approximate nearest-neighbour lookup of triaged
// records through an external vector index. Postgres stays the source of
// truth; the index only returns record ids that the caller hydrates.
package search

import (
	"context"

	"github.com/google/uuid"
)

// pointNamespace scopes the deterministic Qdrant point ids derived from
// record ids. Record ids are free-form strings, Qdrant wants UUIDs.
var pointNamespace = uuid.MustParse("3b0f5c2e-6f0b-4c1e-9d43-0a5f7e2c9b18")

// PointID returns the Qdrant point id for a record id. The mapping is
// stable across processes so upserts and deletes address the same point.
func PointID(recordID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(recordID))
}

// Result holds a record id and its raw similarity score from the index.
type Result struct {
	RecordID string
	Score    float32
}

// CandidateFinder performs ANN search over indexed records.
// Implementations must be safe for concurrent use.
type CandidateFinder interface {
	// FindSimilar returns record ids near embedding, best first. excludeID
	// is removed from the results.
	FindSimilar(ctx context.Context, embedding []float32, excludeID string, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Indexer writes points to the vector index. The outbox worker drives it.
type Indexer interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByRecordIDs(ctx context.Context, recordIDs []string) error
}

// RecordIDs returns the ids of results in order.
func RecordIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.RecordID
	}
	return ids
}
