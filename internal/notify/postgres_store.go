package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, n *Notification) error {
	if len(n.Payload) == 0 {
		n.Payload = []byte("{}")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_steam_id, kind, payload)
		VALUES ($1, $2, $3)
		RETURNING id, status, created_at`,
		n.UserSteamID, n.Kind, []byte(n.Payload),
	).Scan(&n.ID, &n.Status, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Notification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_steam_id, kind, payload, status, created_at, delivered_at, read_at
		FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

func (s *PostgresStore) Pending(ctx context.Context, userSteamID string) ([]*Notification, error) {
	return s.query(ctx, `
		SELECT id, user_steam_id, kind, payload, status, created_at, delivered_at, read_at
		FROM notifications
		WHERE user_steam_id = $1 AND status = 'pending'
		ORDER BY id ASC`, userSteamID)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userSteamID string, limit int) ([]*Notification, error) {
	return s.query(ctx, `
		SELECT id, user_steam_id, kind, payload, status, created_at, delivered_at, read_at
		FROM notifications
		WHERE user_steam_id = $1
		ORDER BY id DESC
		LIMIT $2`, userSteamID, limit)
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'delivered', delivered_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("marking delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, id int64, userSteamID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'read', read_at = NOW()
		WHERE id = $1 AND user_steam_id = $2 AND status != 'read'`, id, userSteamID)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var payload []byte
	err := row.Scan(&n.ID, &n.UserSteamID, &n.Kind, &payload, &n.Status,
		&n.CreatedAt, &n.DeliveredAt, &n.ReadAt)
	if err != nil {
		return nil, err
	}
	n.Payload = payload
	return &n, nil
}
