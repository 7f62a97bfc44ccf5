package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new user row.
func (p *PostgresStore) Create(ctx context.Context, user *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (steam_id, display_name, avatar_url, trade_url, balance, reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.SteamID, user.DisplayName, user.AvatarURL, user.TradeURL,
		user.Balance, user.Reserved, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Get retrieves a user by steam id.
func (p *PostgresStore) Get(ctx context.Context, steamID string) (*User, error) {
	user := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT steam_id, display_name, avatar_url, trade_url, balance, reserved,
		       risk_score, banned, created_at, updated_at
		FROM users WHERE steam_id = $1
	`, steamID).Scan(&user.SteamID, &user.DisplayName, &user.AvatarURL, &user.TradeURL,
		&user.Balance, &user.Reserved, &user.RiskScore, &user.Banned,
		&user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UpdateProfile replaces the mutable profile fields.
func (p *PostgresStore) UpdateProfile(ctx context.Context, steamID, displayName, avatarURL, tradeURL string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET display_name = $2, avatar_url = $3, trade_url = $4, updated_at = NOW()
		WHERE steam_id = $1
	`, steamID, displayName, avatarURL, tradeURL)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return requireRow(res)
}

// SetBanned flips the banned flag.
func (p *PostgresStore) SetBanned(ctx context.Context, steamID string, banned bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET banned = $2, updated_at = NOW() WHERE steam_id = $1
	`, steamID, banned)
	if err != nil {
		return fmt.Errorf("set banned: %w", err)
	}
	return requireRow(res)
}

// AddRiskScore increments the risk score and returns the new value.
// The score never goes below zero.
func (p *PostgresStore) AddRiskScore(ctx context.Context, steamID string, delta int) (int, error) {
	var score int
	err := p.db.QueryRowContext(ctx, `
		UPDATE users SET risk_score = GREATEST(risk_score + $2, 0), updated_at = NOW()
		WHERE steam_id = $1
		RETURNING risk_score
	`, steamID, delta).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("add risk score: %w", err)
	}
	return score, nil
}

// List returns most recently created users, for the admin surface.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT steam_id, display_name, avatar_url, trade_url, balance, reserved,
		       risk_score, banned, created_at, updated_at
		FROM users ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		user := &User{}
		if err := rows.Scan(&user.SteamID, &user.DisplayName, &user.AvatarURL, &user.TradeURL,
			&user.Balance, &user.Reserved, &user.RiskScore, &user.Banned,
			&user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
