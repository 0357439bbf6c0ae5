package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/futago/internal/model"
)

// InsertDecisions writes a batch of decision log entries with COPY.
func (db *DB) InsertDecisions(ctx context.Context, entries []model.DecisionLog) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		matches, err := json.Marshal(e.Matches)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal matches for %s: %w", e.RecordID, err)
		}
		rows = append(rows, []any{
			e.ID, e.RecordID, string(e.Action), matches, e.LinkedIncidentID, e.CandidateCount, e.CreatedAt,
		})
	}

	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"decision_log"},
		[]string{"id", "record_id", "action", "matches", "linked_incident_id", "candidate_count", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: copy decision log: %w", err)
	}
	return int(n), nil
}

// ListDecisions returns the decision history of a record, newest first.
func (db *DB) ListDecisions(ctx context.Context, recordID string, limit int) ([]model.DecisionLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, record_id, action, matches, linked_incident_id, candidate_count, created_at
		 FROM decision_log
		 WHERE record_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		recordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.DecisionLog
	for rows.Next() {
		var (
			e       model.DecisionLog
			matches []byte
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Action, &matches, &e.LinkedIncidentID, &e.CandidateCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		if err := json.Unmarshal(matches, &e.Matches); err != nil {
			return nil, fmt.Errorf("storage: unmarshal matches: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
