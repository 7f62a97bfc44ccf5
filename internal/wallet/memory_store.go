package wallet

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/idgen"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
)

type account struct {
	balance  decimal.Decimal
	reserved decimal.Decimal
}

// MemoryStore implements Store in memory for development and tests.
// WithTx serializes all mutations under one mutex and restores a snapshot
// when fn fails, matching the all-or-nothing commit of the Postgres store.
// The nil *sql.Tx threaded through TxLedger methods is ignored.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*account
	entries  []*Entry
}

// NewMemoryStore creates an in-memory wallet store with the platform
// pseudo-accounts pre-created.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{accounts: make(map[string]*account)}
	m.accounts[EscrowAccount] = &account{}
	m.accounts[RevenueAccount] = &account{}
	return m
}

// CreateAccount registers a zero-balance account. The Postgres store gets
// this for free from user registration.
func (m *MemoryStore) CreateAccount(steamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[steamID]; !ok {
		m.accounts[steamID] = &account{}
	}
}

func (m *MemoryStore) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapAccounts := make(map[string]*account, len(m.accounts))
	for id, a := range m.accounts {
		cp := *a
		snapAccounts[id] = &cp
	}
	snapLen := len(m.entries)

	if err := fn(nil); err != nil {
		m.accounts = snapAccounts
		m.entries = m.entries[:snapLen]
		return err
	}
	return nil
}

// get assumes m.mu is held.
func (m *MemoryStore) get(steamID string) (*account, error) {
	a, ok := m.accounts[steamID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// append assumes m.mu is held.
func (m *MemoryStore) append(e *Entry) {
	e.ID = idgen.UUID()
	if e.Currency == "" {
		e.Currency = "USD"
	}
	e.CreatedAt = time.Now().UTC()
	if e.Status == StatusPosted {
		t := e.CreatedAt
		e.PostedAt = &t
	}
	m.entries = append(m.entries, e)
	metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
}

func (m *MemoryStore) Reserve(_ context.Context, _ *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	a, err := m.get(steamID)
	if err != nil {
		return err
	}
	if a.balance.Sub(a.reserved).LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.reserved = a.reserved.Add(amount)
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: steamID, Kind: KindDebitHold,
		Amount: amount.Neg(), Status: StatusPending})
	return nil
}

func (m *MemoryStore) ReleaseHold(_ context.Context, _ *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	a, err := m.get(steamID)
	if err != nil {
		return err
	}
	if a.reserved.LessThan(amount) {
		return ErrInsufficientFunds
	}
	a.reserved = a.reserved.Sub(amount)
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: steamID, Kind: KindReleaseHold,
		Amount: amount, Status: StatusPending})
	return nil
}

func (m *MemoryStore) Capture(_ context.Context, _ *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	a, err := m.get(steamID)
	if err != nil {
		return err
	}
	if a.reserved.LessThan(amount) {
		return ErrInsufficientFunds
	}
	escrow, err := m.get(EscrowAccount)
	if err != nil {
		return err
	}
	a.balance = a.balance.Sub(amount)
	a.reserved = a.reserved.Sub(amount)
	escrow.balance = escrow.balance.Add(amount)
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: steamID, Kind: KindCapture,
		Amount: amount.Neg(), Status: StatusPosted})
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: EscrowAccount, Kind: KindCapture,
		Amount: amount, Status: StatusPosted})
	return nil
}

func (m *MemoryStore) Payout(_ context.Context, _ *sql.Tx, sellerSteamID string, price, fee decimal.Decimal, tradeUUID string) error {
	if !price.IsPositive() || fee.IsNegative() || fee.GreaterThanOrEqual(price) {
		return ErrInvalidAmount
	}
	escrow, err := m.get(EscrowAccount)
	if err != nil {
		return err
	}
	if escrow.balance.LessThan(price) {
		return ErrInsufficientFunds
	}
	seller, err := m.get(sellerSteamID)
	if err != nil {
		return err
	}
	revenue, err := m.get(RevenueAccount)
	if err != nil {
		return err
	}
	payout := price.Sub(fee)
	escrow.balance = escrow.balance.Sub(price)
	seller.balance = seller.balance.Add(payout)
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: EscrowAccount, Kind: KindPayout,
		Amount: price.Neg(), Status: StatusPosted})
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: sellerSteamID, Kind: KindPayout,
		Amount: payout, Status: StatusPosted})
	if !fee.IsZero() {
		revenue.balance = revenue.balance.Add(fee)
		m.append(&Entry{TradeUUID: tradeUUID, SteamID: RevenueAccount, Kind: KindFee,
			Amount: fee, Status: StatusPosted})
	}
	return nil
}

func (m *MemoryStore) Refund(_ context.Context, _ *sql.Tx, steamID string, amount decimal.Decimal, tradeUUID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	escrow, err := m.get(EscrowAccount)
	if err != nil {
		return err
	}
	if escrow.balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	buyer, err := m.get(steamID)
	if err != nil {
		return err
	}
	escrow.balance = escrow.balance.Sub(amount)
	buyer.balance = buyer.balance.Add(amount)
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: EscrowAccount, Kind: KindRefund,
		Amount: amount.Neg(), Status: StatusPosted})
	m.append(&Entry{TradeUUID: tradeUUID, SteamID: steamID, Kind: KindRefund,
		Amount: amount, Status: StatusPosted})
	return nil
}

func (m *MemoryStore) Adjust(_ context.Context, _ *sql.Tx, steamID string, amount decimal.Decimal, providerRef string) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	a, err := m.get(steamID)
	if err != nil {
		return err
	}
	next := a.balance.Add(amount)
	if next.LessThan(a.reserved) {
		return ErrInsufficientFunds
	}
	a.balance = next
	m.append(&Entry{SteamID: steamID, Kind: KindAdjust, Amount: amount,
		Status: StatusPosted, ProviderRef: providerRef})
	return nil
}

func (m *MemoryStore) Balance(_ context.Context, steamID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(steamID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		SteamID:   steamID,
		Balance:   a.balance,
		Reserved:  a.reserved,
		Available: a.balance.Sub(a.reserved),
	}, nil
}

func (m *MemoryStore) Balances(_ context.Context) ([]*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Balance, 0, len(m.accounts))
	for id, a := range m.accounts {
		out = append(out, &Balance{
			SteamID:   id,
			Balance:   a.balance,
			Reserved:  a.reserved,
			Available: a.balance.Sub(a.reserved),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SteamID < out[j].SteamID })
	return out, nil
}

func (m *MemoryStore) Entries(_ context.Context, steamID string, limit int, before time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}
	var out []*Entry
	for _, e := range m.entries {
		if e.SteamID == steamID && e.CreatedAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) EntriesByTrade(_ context.Context, tradeUUID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.TradeUUID == tradeUUID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PostedSums(_ context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[string]decimal.Decimal)
	for _, e := range m.entries {
		if e.Status == StatusPosted {
			sums[e.SteamID] = sums[e.SteamID].Add(e.Amount)
		}
	}
	return sums, nil
}
