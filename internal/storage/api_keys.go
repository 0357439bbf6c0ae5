package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/futago/internal/model"
)

// CreateAPIKey inserts a new API key. KeyHash must already be an argon2id hash.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, prefix, key_hash, client_id, role, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Prefix, key.KeyHash, key.ClientID, string(key.Role), key.Label, key.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// ActiveAPIKeys returns unrevoked keys for clientID, newest first.
func (db *DB) ActiveAPIKeys(ctx context.Context, clientID string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, prefix, key_hash, client_id, role, label, created_at, revoked_at
		 FROM api_keys
		 WHERE client_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at DESC`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.ClientID, &k.Role, &k.Label, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
