package bots

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const botColumns = `id, steam_id, account_name, secrets_enc, status, inventory_size,
	active_trades, last_error, last_online_at, created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, b *Bot) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bots (steam_id, account_name, secrets_enc, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_name) DO UPDATE
		SET steam_id = EXCLUDED.steam_id,
		    secrets_enc = EXCLUDED.secrets_enc,
		    updated_at = NOW()
		RETURNING id, status, inventory_size, active_trades, created_at, updated_at`,
		b.SteamID, b.AccountName, b.SecretsEnc, b.Status,
	).Scan(&b.ID, &b.Status, &b.InventorySize, &b.ActiveTrades, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting bot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
}

func (s *PostgresStore) GetByAccountName(ctx context.Context, accountName string) (*Bot, error) {
	return scanBot(s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE account_name = $1`, accountName))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	defer rows.Close()

	out := []*Bot{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, status Status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("updating bot status: %w", err)
	}
	return requireBotRow(res)
}

func (s *PostgresStore) AcquireLeastLoaded(ctx context.Context, excluding []int64) (*Bot, error) {
	// The subquery with FOR UPDATE SKIP LOCKED prevents two concurrent
	// acquisitions from picking the same row.
	row := s.db.QueryRowContext(ctx, `
		UPDATE bots SET active_trades = active_trades + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM bots
			WHERE status = 'ready' AND NOT (id = ANY($1))
			ORDER BY active_trades ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+botColumns,
		pq.Array(excluding))
	b, err := scanBot(row)
	if errors.Is(err, ErrBotNotFound) {
		return nil, ErrNoBotAvailable
	}
	return b, err
}

func (s *PostgresStore) ReleaseTrade(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bots SET active_trades = GREATEST(active_trades - 1, 0), updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("releasing bot: %w", err)
	}
	return requireBotRow(res)
}

func (s *PostgresStore) SetInventorySize(ctx context.Context, id int64, size int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET inventory_size = $2, updated_at = NOW() WHERE id = $1`, id, size)
	return err
}

func (s *PostgresStore) TouchOnline(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_online_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.SteamID, &b.AccountName, &b.SecretsEnc, &b.Status,
		&b.InventorySize, &b.ActiveTrades, &b.LastError, &b.LastOnlineAt,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func requireBotRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBotNotFound
	}
	return nil
}
