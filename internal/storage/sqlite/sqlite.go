// Package sqlite is a single-node storage.Store backed by modernc.org/sqlite.
// It needs no external services, which suits development and the CLI.
// Vector search is not available; SimilarCandidates returns recent records
// that carry an embedding and leaves scoring to the dedup engine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/storage"
)

// tsLayout is fixed-width so text comparison orders timestamps correctly.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}

// RunMigrations applies pending .sql files from migrationsFS.
func (s *Store) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: scan migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}

	names, err := storage.PendingMigrations(migrationsFS, applied)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		err = s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, name, ts(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("sqlite: migration %s: %w", name, err)
		}
	}
	return nil
}

// SaveRecord inserts or replaces a record.
func (s *Store) SaveRecord(ctx context.Context, r model.Record) error {
	emb, err := encodeEmbedding(r.Embedding)
	if err != nil {
		return err
	}
	now := ts(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, account_id, error_text, normalized_text, product, received_at, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     account_id = excluded.account_id,
		     error_text = excluded.error_text,
		     normalized_text = excluded.normalized_text,
		     product = excluded.product,
		     received_at = excluded.received_at,
		     embedding = excluded.embedding,
		     updated_at = excluded.updated_at`,
		r.ID, nullStr(r.AccountID), nullStr(r.ErrorText), r.NormalizedText, nullStr(r.Product),
		nullTS(r.ReceivedAt), emb, now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save record: %w", err)
	}
	return nil
}

const recordColumns = `id, account_id, error_text, normalized_text, received_at, embedding`

// RecentCandidates returns same-account records received since the cutoff.
func (s *Store) RecentCandidates(ctx context.Context, accountID string, since time.Time, limit int) ([]dedup.Candidate, error) {
	if accountID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE account_id = ? AND received_at >= ?
		 ORDER BY received_at DESC LIMIT ?`,
		accountID, ts(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query recent candidates: %w", err)
	}
	return scanCandidates(rows)
}

// SimilarCandidates returns the newest records that carry an embedding.
func (s *Store) SimilarCandidates(ctx context.Context, embedding []float32, excludeID string, limit int) ([]dedup.Candidate, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE embedding IS NOT NULL AND id <> ?
		 ORDER BY created_at DESC LIMIT ?`,
		excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query similar candidates: %w", err)
	}
	return scanCandidates(rows)
}

// GetRecords returns the records with the given ids.
func (s *Store) GetRecords(ctx context.Context, ids []string) ([]dedup.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(ids))+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	return scanCandidates(rows)
}

// CreateIncident opens a new incident.
func (s *Store) CreateIncident(ctx context.Context, inc model.Incident) (model.Incident, error) {
	if inc.OpenedAt.IsZero() {
		inc.OpenedAt = time.Now().UTC()
	}
	inc.OpenedAt = inc.OpenedAt.UTC()
	inc.Status = model.IncidentActive
	inc.ResolvedAt = nil

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, title, product, status, opened_at) VALUES (?, ?, ?, ?, ?)`,
		inc.ID, inc.Title, nullStr(inc.Product), string(inc.Status), ts(inc.OpenedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.Incident{}, storage.ErrConflict
		}
		return model.Incident{}, fmt.Errorf("sqlite: create incident: %w", err)
	}
	return inc, nil
}

// ResolveIncident marks an incident resolved.
func (s *Store) ResolveIncident(ctx context.Context, id string) (model.Incident, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = 'resolved', resolved_at = COALESCE(resolved_at, ?) WHERE id = ?`,
		ts(time.Now()), id,
	)
	if err != nil {
		return model.Incident{}, fmt.Errorf("sqlite: resolve incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Incident{}, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, title, product, status, opened_at, resolved_at FROM incidents WHERE id = ?`, id)
	return scanIncident(row)
}

// ListIncidents returns incidents, most recently opened first.
func (s *Store) ListIncidents(ctx context.Context, activeOnly bool) ([]model.Incident, error) {
	q := `SELECT id, title, product, status, opened_at, resolved_at FROM incidents`
	if activeOnly {
		q += ` WHERE status = 'active'`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY opened_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// InsertDecisions writes decision log entries in one transaction.
func (s *Store) InsertDecisions(ctx context.Context, entries []model.DecisionLog) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO decision_log (id, record_id, action, matches, linked_incident_id, candidate_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, e := range entries {
			matches, err := json.Marshal(e.Matches)
			if err != nil {
				return fmt.Errorf("marshal matches for %s: %w", e.RecordID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID.String(), e.RecordID, string(e.Action), string(matches), e.LinkedIncidentID, e.CandidateCount, ts(e.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert decisions: %w", err)
	}
	return len(entries), nil
}

// ListDecisions returns the decision history of a record, newest first.
func (s *Store) ListDecisions(ctx context.Context, recordID string, limit int) ([]model.DecisionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, action, matches, linked_incident_id, candidate_count, created_at
		 FROM decision_log WHERE record_id = ? ORDER BY created_at DESC LIMIT ?`,
		recordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DecisionLog
	for rows.Next() {
		var (
			e                model.DecisionLog
			id, action       string
			matches, created string
			linked           sql.NullString
		)
		if err := rows.Scan(&id, &e.RecordID, &action, &matches, &linked, &e.CandidateCount, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan decision: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse decision id: %w", err)
		}
		e.Action = dedup.Action(action)
		if err := json.Unmarshal([]byte(matches), &e.Matches); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal matches: %w", err)
		}
		if linked.Valid {
			e.LinkedIncidentID = &linked.String
		}
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateAPIKey inserts a new API key.
func (s *Store) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, client_id, role, label, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.Prefix, key.KeyHash, key.ClientID, string(key.Role), key.Label, ts(key.CreatedAt),
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("sqlite: create api key: %w", err)
	}
	return key, nil
}

// ActiveAPIKeys returns unrevoked keys for clientID, newest first.
func (s *Store) ActiveAPIKeys(ctx context.Context, clientID string) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prefix, key_hash, client_id, role, label, created_at
		 FROM api_keys WHERE client_id = ? AND revoked_at IS NULL ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.APIKey
	for rows.Next() {
		var (
			k               model.APIKey
			id, role, added string
		)
		if err := rows.Scan(&id, &k.Prefix, &k.KeyHash, &k.ClientID, &role, &k.Label, &added); err != nil {
			return nil, fmt.Errorf("sqlite: scan api key: %w", err)
		}
		if k.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse api key id: %w", err)
		}
		k.Role = model.Role(role)
		if k.CreatedAt, err = parseTS(added); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandidates(rows *sql.Rows) ([]dedup.Candidate, error) {
	defer func() { _ = rows.Close() }()
	var out []dedup.Candidate
	for rows.Next() {
		var (
			c                          dedup.Candidate
			account, errText, received sql.NullString
			emb                        sql.NullString
		)
		if err := rows.Scan(&c.ID, &account, &errText, &c.NormalizedText, &received, &emb); err != nil {
			return nil, fmt.Errorf("sqlite: scan candidate: %w", err)
		}
		c.AccountID = account.String
		c.ErrorText = errText.String
		if received.Valid {
			t, err := parseTS(received.String)
			if err != nil {
				return nil, err
			}
			c.ReceivedAt = t
		}
		if emb.Valid {
			if err := json.Unmarshal([]byte(emb.String), &c.Embedding); err != nil {
				return nil, fmt.Errorf("sqlite: decode embedding for %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanIncident(row scanner) (model.Incident, error) {
	var (
		inc            model.Incident
		product        sql.NullString
		status, opened string
		resolved       sql.NullString
	)
	if err := row.Scan(&inc.ID, &inc.Title, &product, &status, &opened, &resolved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Incident{}, storage.ErrNotFound
		}
		return model.Incident{}, fmt.Errorf("sqlite: scan incident: %w", err)
	}
	inc.Product = product.String
	inc.Status = model.IncidentStatus(status)
	var err error
	if inc.OpenedAt, err = parseTS(opened); err != nil {
		return model.Incident{}, err
	}
	if resolved.Valid {
		t, err := parseTS(resolved.String)
		if err != nil {
			return model.Incident{}, err
		}
		inc.ResolvedAt = &t
	}
	return inc, nil
}

func encodeEmbedding(v []float32) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode embedding: %w", err)
	}
	return string(b), nil
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return ts(t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
