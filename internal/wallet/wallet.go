// Package wallet is the double-entry ledger behind user balances.
//
// Money movement model:
//  1. reserve    — buyer's funds earmarked (reserved += amount), hold entry
//  2. capture    — reserved funds move to the platform_escrow account
//  3. payout     — escrowed funds split into seller payout + platform fee
//  4. refund     — escrowed funds return to the buyer
//  5. adjust     — deposits, withdrawals, and admin corrections
//
// Every posted entry changes exactly one account's balance, and each
// movement's posted entries sum to zero across accounts, so
// SUM(posted entries) = balance holds per account at all times.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrAccountNotFound   = errors.New("wallet account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Internal pseudo-accounts. They live as user rows so balance constraints
// and the conservation audit cover them too.
const (
	EscrowAccount  = "platform_escrow"
	RevenueAccount = "platform_revenue"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDebitHold   Kind = "debit_hold"
	KindReleaseHold Kind = "release_hold"
	KindCapture     Kind = "capture"
	KindPayout      Kind = "payout"
	KindFee         Kind = "fee"
	KindRefund      Kind = "refund"
	KindAdjust      Kind = "adjust"
)

// EntryStatus is the posting state of an entry. Hold entries stay pending:
// they track reservations and never affect the balance sum.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusPosted   EntryStatus = "posted"
	StatusReversed EntryStatus = "reversed"
)

// Entry is one append-only ledger record.
type Entry struct {
	ID          string          `json:"id"`
	TradeUUID   string          `json:"trade_uuid,omitempty"`
	SteamID     string          `json:"steam_id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"` // signed
	Currency    string          `json:"currency"`
	Status      EntryStatus     `json:"status"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	PostedAt    *time.Time      `json:"posted_at,omitempty"`
}

// Balance is the read view of one account.
type Balance struct {
	SteamID   string          `json:"steam_id"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// TxLedger executes ledger movements inside a caller-owned transaction so a
// trade transition and its money movement commit or abort together. The tx
// argument is nil for the memory implementation.
//
// All amounts are positive; the operation decides the signs.
type TxLedger interface {
	// Reserve earmarks amount of the user's available balance.
	Reserve(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error
	// ReleaseHold returns a reservation without moving funds.
	ReleaseHold(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error
	// Capture moves reserved buyer funds into platform escrow.
	Capture(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error
	// Payout releases escrowed funds: price-fee to the seller, fee to revenue.
	Payout(ctx context.Context, tx *sql.Tx, sellerSteamID string, price, fee decimal.Decimal, tradeUUID string) error
	// Refund returns escrowed funds to the buyer.
	Refund(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error
	// Adjust credits (or debits, when negative) a balance directly.
	Adjust(ctx context.Context, tx *sql.Tx, steamID string, amount decimal.Decimal, providerRef string) error
}

// Store is the full ledger surface: movements plus reads. Mutations must run
// inside WithTx.
type Store interface {
	TxLedger

	// WithTx runs fn in one atomic unit. Postgres opens a serializable
	// transaction; memory snapshots and restores on error.
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Balance(ctx context.Context, steamID string) (*Balance, error)
	Balances(ctx context.Context) ([]*Balance, error)
	Entries(ctx context.Context, steamID string, limit int, before time.Time) ([]*Entry, error)
	EntriesByTrade(ctx context.Context, tradeUUID string) ([]*Entry, error)

	// PostedSums returns SUM(amount) over posted entries per account,
	// for the conservation audit.
	PostedSums(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Service exposes wallet operations to handlers and background jobs.
type Service struct {
	store Store
}

// NewService creates a wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store exposes the underlying store for components that compose ledger
// movements into their own transactions.
func (s *Service) Store() Store {
	return s.store
}

// GetBalance returns the balance view for one account.
func (s *Service) GetBalance(ctx context.Context, steamID string) (*Balance, error) {
	return s.store.Balance(ctx, steamID)
}

// History returns the account's ledger entries, newest first.
func (s *Service) History(ctx context.Context, steamID string, limit int, before time.Time) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Entries(ctx, steamID, limit, before)
}

// Deposit credits a balance after the payment provider confirms the charge.
// providerRef is the provider's payment id, kept for reconciliation.
func (s *Service) Deposit(ctx context.Context, steamID string, amount decimal.Decimal, providerRef string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.Adjust(ctx, tx, steamID, amount, providerRef)
	})
}

// Withdraw debits available balance for an external payout.
func (s *Service) Withdraw(ctx context.Context, steamID string, amount decimal.Decimal, providerRef string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.Adjust(ctx, tx, steamID, amount.Neg(), providerRef)
	})
}
