package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
)

const recordColumns = `id, account_id, error_text, normalized_text, received_at, embedding`

// SaveRecord upserts r. Records with an embedding also get a search_outbox
// row in the same transaction so the Qdrant index follows.
func (db *DB) SaveRecord(ctx context.Context, r model.Record) error {
	var emb *pgvector.Vector
	if len(r.Embedding) > 0 {
		v := pgvector.NewVector(r.Embedding)
		emb = &v
	}

	return WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin save record tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO records (id, account_id, error_text, normalized_text, product, received_at, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			     account_id = EXCLUDED.account_id,
			     error_text = EXCLUDED.error_text,
			     normalized_text = EXCLUDED.normalized_text,
			     product = EXCLUDED.product,
			     received_at = EXCLUDED.received_at,
			     embedding = EXCLUDED.embedding,
			     updated_at = now()`,
			r.ID, nullStr(r.AccountID), nullStr(r.ErrorText), r.NormalizedText,
			nullStr(r.Product), nullTime(r.ReceivedAt), emb,
		); err != nil {
			return fmt.Errorf("storage: save record: %w", err)
		}

		op := "upsert"
		if emb == nil {
			op = "delete"
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (record_id, operation) VALUES ($1, $2)`, r.ID, op,
		); err != nil {
			return fmt.Errorf("storage: enqueue search outbox: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit save record: %w", err)
		}
		return nil
	})
}

// RecentCandidates returns same-account records received since the cutoff.
func (db *DB) RecentCandidates(ctx context.Context, accountID string, since time.Time, limit int) ([]dedup.Candidate, error) {
	if accountID == "" {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM records
		 WHERE account_id = $1 AND received_at >= $2
		 ORDER BY received_at DESC
		 LIMIT $3`,
		accountID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent candidates: %w", err)
	}
	return scanCandidates(rows)
}

// SimilarCandidates returns nearest neighbours of embedding by cosine distance.
func (db *DB) SimilarCandidates(ctx context.Context, embedding []float32, excludeID string, limit int) ([]dedup.Candidate, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM records
		 WHERE embedding IS NOT NULL AND id <> $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(embedding), excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query similar candidates: %w", err)
	}
	return scanCandidates(rows)
}

// GetRecords returns the records with the given ids.
func (db *DB) GetRecords(ctx context.Context, ids []string) ([]dedup.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query records: %w", err)
	}
	return scanCandidates(rows)
}

func scanCandidates(rows pgx.Rows) ([]dedup.Candidate, error) {
	defer rows.Close()
	var out []dedup.Candidate
	for rows.Next() {
		var (
			c                dedup.Candidate
			account, errText *string
			receivedAt       *time.Time
			emb              *pgvector.Vector
		)
		if err := rows.Scan(&c.ID, &account, &errText, &c.NormalizedText, &receivedAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan candidate: %w", err)
		}
		if account != nil {
			c.AccountID = *account
		}
		if errText != nil {
			c.ErrorText = *errText
		}
		if receivedAt != nil {
			c.ReceivedAt = receivedAt.UTC()
		}
		if emb != nil {
			c.Embedding = emb.Slice()
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
