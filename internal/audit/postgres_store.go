package audit

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO escrow_trade_history (trade_uuid, prev_status, new_status, actor, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.TradeUUID, e.PrevStatus, e.NewStatus, e.Actor, e.Notes,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording trade history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Tail(ctx context.Context, tradeUUID string, limit int) ([]*Entry, error) {
	return s.query(ctx, `
		SELECT id, trade_uuid, prev_status, new_status, actor, notes, created_at
		FROM escrow_trade_history
		WHERE trade_uuid = $1
		ORDER BY id DESC
		LIMIT $2`, tradeUUID, limit)
}

func (s *PostgresStore) ByActor(ctx context.Context, actor Actor, limit int) ([]*Entry, error) {
	return s.query(ctx, `
		SELECT id, trade_uuid, prev_status, new_status, actor, notes, created_at
		FROM escrow_trade_history
		WHERE actor = $1
		ORDER BY id DESC
		LIMIT $2`, actor, limit)
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trade history: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TradeUUID, &e.PrevStatus, &e.NewStatus,
			&e.Actor, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
