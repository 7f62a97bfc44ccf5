package fraud

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, l *Log) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_scam_logs (steam_id, event, detail, score_delta)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		l.SteamID, l.Event, l.Detail, l.ScoreDelta,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending scam log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByUser(ctx context.Context, steamID string, limit int) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, steam_id, event, detail, score_delta, created_at
		FROM user_scam_logs
		WHERE steam_id = $1
		ORDER BY id DESC
		LIMIT $2`, steamID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scam logs: %w", err)
	}
	defer rows.Close()

	out := []*Log{}
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.SteamID, &l.Event, &l.Detail,
			&l.ScoreDelta, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountSince(ctx context.Context, steamID string, event Event, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_scam_logs
		WHERE steam_id = $1 AND event = $2 AND created_at >= $3`,
		steamID, event, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting scam logs: %w", err)
	}
	return n, nil
}
