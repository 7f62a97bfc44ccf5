package auth

import (
	"context"
	"database/sql"
)

// PostgresStore persists API keys in PostgreSQL (table user_api_keys).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_api_keys (id, key_hash, steam_id, name, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.SteamID, key.Name, key.Revoked, key.CreatedAt)
	return err
}

// GetByHash retrieves a live API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, key_hash, steam_id, name, revoked, created_at, last_used_at
		FROM user_api_keys WHERE key_hash = $1 AND revoked = FALSE
	`, hash).Scan(
		&key.ID, &key.Hash, &key.SteamID, &key.Name,
		&key.Revoked, &key.CreatedAt, &lastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

// GetByUser retrieves all API keys for a user
func (p *PostgresStore) GetByUser(ctx context.Context, steamID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, key_hash, steam_id, name, revoked, created_at, last_used_at
		FROM user_api_keys WHERE steam_id = $1 ORDER BY created_at DESC
	`, steamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key := &APIKey{}
		var lastUsed sql.NullTime

		if err := rows.Scan(
			&key.ID, &key.Hash, &key.SteamID, &key.Name,
			&key.Revoked, &key.CreatedAt, &lastUsed,
		); err != nil {
			return nil, err
		}

		if lastUsed.Valid {
			key.LastUsed = lastUsed.Time
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update updates an API key's mutable fields
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE user_api_keys SET last_used_at = $1, revoked = $2 WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	return err
}
