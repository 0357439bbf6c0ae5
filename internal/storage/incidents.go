package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/futago/internal/model"
)

const incidentColumns = `id, title, product, status, opened_at, resolved_at`

// CreateIncident opens a new incident. Returns ErrConflict if the id exists.
func (db *DB) CreateIncident(ctx context.Context, inc model.Incident) (model.Incident, error) {
	if inc.OpenedAt.IsZero() {
		inc.OpenedAt = time.Now().UTC()
	}
	inc.Status = model.IncidentActive
	inc.ResolvedAt = nil

	_, err := db.pool.Exec(ctx,
		`INSERT INTO incidents (id, title, product, status, opened_at) VALUES ($1, $2, $3, $4, $5)`,
		inc.ID, inc.Title, nullStr(inc.Product), inc.Status, inc.OpenedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Incident{}, ErrConflict
		}
		return model.Incident{}, fmt.Errorf("storage: create incident: %w", err)
	}
	return inc, nil
}

// ResolveIncident marks an incident resolved. Resolving twice keeps the first
// resolution time.
func (db *DB) ResolveIncident(ctx context.Context, id string) (model.Incident, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE incidents
		 SET status = 'resolved', resolved_at = COALESCE(resolved_at, now())
		 WHERE id = $1
		 RETURNING `+incidentColumns,
		id,
	)
	inc, err := scanIncident(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Incident{}, ErrNotFound
	}
	if err != nil {
		return model.Incident{}, fmt.Errorf("storage: resolve incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents, most recently opened first.
func (db *DB) ListIncidents(ctx context.Context, activeOnly bool) ([]model.Incident, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+incidentColumns+`
		 FROM incidents
		 WHERE NOT $1 OR status = 'active'
		 ORDER BY opened_at DESC, id`,
		activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list incidents: %w", err)
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row pgx.Row) (model.Incident, error) {
	var (
		inc     model.Incident
		product *string
	)
	if err := row.Scan(&inc.ID, &inc.Title, &product, &inc.Status, &inc.OpenedAt, &inc.ResolvedAt); err != nil {
		return model.Incident{}, err
	}
	if product != nil {
		inc.Product = *product
	}
	return inc, nil
}
