package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/idgen"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
)

// PostgresStore implements Store with PostgreSQL. Balance columns live on
// the users table; entries in escrow_transactions. The CHECK constraints
// (balance >= 0, reserved <= balance) are the last line of defense under
// concurrent serializable transactions.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn inside a serializable transaction.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Reserve(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET reserved = reserved + $2, updated_at = NOW()
		WHERE steam_id = $1 AND balance - reserved >= $2
	`, steamID, amount)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if err := requireBalanceRow(ctx, tx, res, steamID); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID,
		SteamID:   steamID,
		Kind:      KindDebitHold,
		Amount:    amount.Neg(),
		Status:    StatusPending,
	})
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET reserved = reserved - $2, updated_at = NOW()
		WHERE steam_id = $1 AND reserved >= $2
	`, steamID, amount)
	if err != nil {
		return fmt.Errorf("release hold: %w", err)
	}
	if err := requireBalanceRow(ctx, tx, res, steamID); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID,
		SteamID:   steamID,
		Kind:      KindReleaseHold,
		Amount:    amount,
		Status:    StatusPending,
	})
}

func (p *PostgresStore) Capture(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2, reserved = reserved - $2, updated_at = NOW()
		WHERE steam_id = $1 AND reserved >= $2
	`, steamID, amount)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := requireBalanceRow(ctx, tx, res, steamID); err != nil {
		return err
	}
	if err := credit(ctx, tx, EscrowAccount, amount); err != nil {
		return fmt.Errorf("capture escrow leg: %w", err)
	}
	if err := insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: steamID,
		Kind: KindCapture, Amount: amount.Neg(), Status: StatusPosted,
	}); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: EscrowAccount,
		Kind: KindCapture, Amount: amount, Status: StatusPosted,
	})
}

func (p *PostgresStore) Payout(ctx context.Context, tx *sql.Tx, sellerSteamID string, price, fee decimal.Decimal, tradeUUID string) error {
	if !price.IsPositive() || fee.IsNegative() || fee.GreaterThanOrEqual(price) {
		return ErrInvalidAmount
	}
	payout := price.Sub(fee)

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2, updated_at = NOW()
		WHERE steam_id = $1 AND balance - reserved >= $2
	`, EscrowAccount, price)
	if err != nil {
		return fmt.Errorf("payout escrow leg: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Escrow short of funds: a ledger inconsistency, not a user error.
		return fmt.Errorf("payout: escrow account below trade price for %s", tradeUUID)
	}

	if err := credit(ctx, tx, sellerSteamID, payout); err != nil {
		return fmt.Errorf("payout seller leg: %w", err)
	}
	if err := insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: EscrowAccount,
		Kind: KindPayout, Amount: price.Neg(), Status: StatusPosted,
	}); err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: sellerSteamID,
		Kind: KindPayout, Amount: payout, Status: StatusPosted,
	}); err != nil {
		return err
	}
	if fee.IsZero() {
		return nil
	}
	if err := credit(ctx, tx, RevenueAccount, fee); err != nil {
		return fmt.Errorf("payout fee leg: %w", err)
	}
	return insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: RevenueAccount,
		Kind: KindFee, Amount: fee, Status: StatusPosted,
	})
}

func (p *PostgresStore) Refund(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2, updated_at = NOW()
		WHERE steam_id = $1 AND balance - reserved >= $2
	`, EscrowAccount, amount)
	if err != nil {
		return fmt.Errorf("refund escrow leg: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("refund: escrow account below refund amount for %s", tradeUUID)
	}

	if err := credit(ctx, tx, steamID, amount); err != nil {
		return fmt.Errorf("refund buyer leg: %w", err)
	}
	if err := insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: EscrowAccount,
		Kind: KindRefund, Amount: amount.Neg(), Status: StatusPosted,
	}); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{
		TradeUUID: tradeUUID, SteamID: steamID,
		Kind: KindRefund, Amount: amount, Status: StatusPosted,
	})
}

func (p *PostgresStore) Adjust(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, providerRef string) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	// The available check only bites for debits; credits always pass.
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance + $2, updated_at = NOW()
		WHERE steam_id = $1 AND balance + $2 >= reserved
	`, steamID, amount)
	if err != nil {
		return fmt.Errorf("adjust: %w", err)
	}
	if err := requireBalanceRow(ctx, tx, res, steamID); err != nil {
		return err
	}
	return insertEntry(ctx, tx, &Entry{
		SteamID: steamID, Kind: KindAdjust, Amount: amount,
		Status: StatusPosted, ProviderRef: providerRef,
	})
}

// Balance reads one account's balance view.
func (p *PostgresStore) Balance(ctx context.Context, steamID string) (*Balance, error) {
	b := &Balance{SteamID: steamID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, reserved FROM users WHERE steam_id = $1
	`, steamID).Scan(&b.Balance, &b.Reserved)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	b.Available = b.Balance.Sub(b.Reserved)
	return b, nil
}

// Balances lists every account's balance view, for the conservation audit.
func (p *PostgresStore) Balances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT steam_id, balance, reserved FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		b := &Balance{}
		if err := rows.Scan(&b.SteamID, &b.Balance, &b.Reserved); err != nil {
			return nil, err
		}
		b.Available = b.Balance.Sub(b.Reserved)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Entries lists an account's ledger, newest first, created before the
// given time (zero means now).
func (p *PostgresStore) Entries(ctx context.Context, steamID string, limit int, before time.Time) ([]*Entry, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(trade_uuid, ''), steam_id, kind, amount, currency, status,
		       COALESCE(provider_ref, ''), retry_count, created_at, posted_at
		FROM escrow_transactions
		WHERE steam_id = $1 AND created_at < $2
		ORDER BY created_at DESC LIMIT $3
	`, steamID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// EntriesByTrade lists all ledger entries recorded against one trade.
func (p *PostgresStore) EntriesByTrade(ctx context.Context, tradeUUID string) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(trade_uuid, ''), steam_id, kind, amount, currency, status,
		       COALESCE(provider_ref, ''), retry_count, created_at, posted_at
		FROM escrow_transactions WHERE trade_uuid = $1 ORDER BY created_at ASC
	`, tradeUUID)
	if err != nil {
		return nil, fmt.Errorf("list trade entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// PostedSums returns SUM(amount) over posted entries per account.
func (p *PostgresStore) PostedSums(ctx context.Context) (map[string]decimal.Decimal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT steam_id, COALESCE(SUM(amount), 0)
		FROM escrow_transactions WHERE status = 'posted' GROUP BY steam_id
	`)
	if err != nil {
		return nil, fmt.Errorf("posted sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id string
		var sum decimal.Decimal
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

func credit(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = balance + $2, updated_at = NOW() WHERE steam_id = $1
	`, steamID, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.UUID()
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	var tradeUUID sql.NullString
	if e.TradeUUID != "" {
		tradeUUID = sql.NullString{String: e.TradeUUID, Valid: true}
	}
	var postedAt sql.NullTime
	if e.Status == StatusPosted {
		postedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (id, trade_uuid, steam_id, kind, amount, currency, status, provider_ref, created_at, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NOW(), $9)
	`, e.ID, tradeUUID, e.SteamID, e.Kind, e.Amount, e.Currency, e.Status, e.ProviderRef, postedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

func requireBalanceRow(ctx context.Context, tx *sql.Tx, res sql.Result, steamID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT TRUE FROM users WHERE steam_id = $1`, steamID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		return err
	}
	return ErrInsufficientFunds
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var postedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.TradeUUID, &e.SteamID, &e.Kind, &e.Amount,
			&e.Currency, &e.Status, &e.ProviderRef, &e.RetryCount, &e.CreatedAt, &postedAt); err != nil {
			return nil, err
		}
		if postedAt.Valid {
			e.PostedAt = &postedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
