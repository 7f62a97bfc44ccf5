package trades

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `uuid, listing_id, buyer_steam_id, seller_steam_id, bot_id,
	asset_id, market_hash_name, app_id, context_id, icon_url, rarity, exterior,
	wear_float, stickers, kind, price, currency, fee_percent, fee, seller_payout,
	seller_offer_id, buyer_offer_id, buyer_trade_url, status, cancel_requested,
	cancel_reason, retry_count, notes, expires_at, deadline_at, last_polled_at,
	paid_at, seller_offer_sent_at, seller_accepted_at, buyer_offer_sent_at,
	buyer_accepted_at, completed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t *Trade) error {
	stickers, err := json.Marshal(t.Stickers)
	if err != nil {
		return fmt.Errorf("encoding stickers: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO escrow_trades (uuid, listing_id, buyer_steam_id, seller_steam_id,
			asset_id, market_hash_name, app_id, context_id, icon_url, rarity,
			exterior, wear_float, stickers, kind, price, currency, fee_percent,
			fee, seller_payout, buyer_trade_url, status, expires_at, deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING created_at, updated_at`,
		t.UUID, t.ListingID, t.BuyerSteamID, t.SellerSteamID,
		t.AssetID, t.MarketHashName, t.AppID, t.ContextID, t.IconURL, t.Rarity,
		t.Exterior, t.WearFloat, stickers, t.Kind, t.Price, t.Currency,
		t.FeePercent, t.Fee, t.SellerPayout, t.BuyerTradeURL, t.Status,
		t.ExpiresAt, t.DeadlineAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, uuid string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM escrow_trades WHERE uuid = $1`, uuid)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM escrow_trades WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	if f.Participant != "" {
		p := arg(f.Participant)
		query += ` AND (buyer_steam_id = ` + p + ` OR seller_steam_id = ` + p + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// Transition locks the trade row, hands the current state to fn, and writes
// back every mutable field in the same transaction. The caller's ledger and
// history writes ride on the same tx, so a failed fn leaves nothing behind.
func (s *PostgresStore) Transition(ctx context.Context, uuid string, fn func(tx *sql.Tx, t *Trade) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM escrow_trades WHERE uuid = $1 FOR UPDATE`, uuid)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTradeNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx, t); err != nil {
		return err
	}

	stickers, err := json.Marshal(t.Stickers)
	if err != nil {
		return fmt.Errorf("encoding stickers: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_trades SET
			bot_id = $2, stickers = $3, seller_offer_id = $4, buyer_offer_id = $5,
			status = $6, cancel_requested = $7, cancel_reason = $8,
			retry_count = $9, notes = $10, expires_at = $11, deadline_at = $12,
			last_polled_at = $13, paid_at = $14, seller_offer_sent_at = $15,
			seller_accepted_at = $16, buyer_offer_sent_at = $17,
			buyer_accepted_at = $18, completed_at = $19, updated_at = NOW()
		WHERE uuid = $1`,
		t.UUID, t.BotID, stickers, t.SellerOfferID, t.BuyerOfferID,
		t.Status, t.CancelRequested, t.CancelReason,
		t.RetryCount, t.Notes, t.ExpiresAt, t.DeadlineAt,
		t.LastPolledAt, t.PaidAt, t.SellerOfferSentAt,
		t.SellerAcceptedAt, t.BuyerOfferSentAt,
		t.BuyerAcceptedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("updating trade: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) RequestCancel(ctx context.Context, uuid, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_trades
		SET cancel_requested = TRUE, cancel_reason = $2, updated_at = NOW()
		WHERE uuid = $1`, uuid, reason)
	if err != nil {
		return fmt.Errorf("requesting cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time, pollInterval time.Duration, limit int) ([]*Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM escrow_trades
		WHERE status NOT IN ('completed', 'cancelled', 'refunded', 'expired', 'disputed')
		  AND (
			cancel_requested
			OR (expires_at IS NOT NULL AND expires_at <= $1)
			OR (deadline_at IS NOT NULL AND deadline_at <= $1)
			OR (status IN ('awaiting_seller', 'awaiting_buyer', 'error_sending', 'error_forwarding')
				AND (last_polled_at IS NULL OR last_polled_at <= $2))
			OR (status IN ('payment_received', 'seller_accepted') AND updated_at <= $2)
		  )
		ORDER BY created_at ASC
		LIMIT $3`, now, now.Add(-pollInterval), limit)
	if err != nil {
		return nil, fmt.Errorf("scanning due trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *PostgresStore) TouchPolled(ctx context.Context, uuid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escrow_trades SET last_polled_at = $2 WHERE uuid = $1`, uuid, at)
	return err
}

func collectTrades(rows *sql.Rows) ([]*Trade, error) {
	out := []*Trade{}
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var stickers []byte
	err := row.Scan(&t.UUID, &t.ListingID, &t.BuyerSteamID, &t.SellerSteamID,
		&t.BotID, &t.AssetID, &t.MarketHashName, &t.AppID, &t.ContextID,
		&t.IconURL, &t.Rarity, &t.Exterior, &t.WearFloat, &stickers, &t.Kind,
		&t.Price, &t.Currency, &t.FeePercent, &t.Fee, &t.SellerPayout,
		&t.SellerOfferID, &t.BuyerOfferID, &t.BuyerTradeURL, &t.Status,
		&t.CancelRequested, &t.CancelReason, &t.RetryCount, &t.Notes,
		&t.ExpiresAt, &t.DeadlineAt, &t.LastPolledAt, &t.PaidAt,
		&t.SellerOfferSentAt, &t.SellerAcceptedAt, &t.BuyerOfferSentAt,
		&t.BuyerAcceptedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stickers, &t.Stickers); err != nil {
		return nil, fmt.Errorf("decoding stickers: %w", err)
	}
	return &t, nil
}
