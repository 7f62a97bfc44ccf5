package trades

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// TxRunner is how the memory store borrows the wallet's transactional scope
// so a failed transition also rolls the in-memory ledger back. wallet.Store
// satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	trades map[string]*Trade
	runner TxRunner
}

// NewMemoryStore creates an in-memory trade store. runner may be nil when no
// ledger writes happen inside transitions (pure state-machine tests).
func NewMemoryStore(runner TxRunner) *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade), runner: runner}
}

func (m *MemoryStore) Create(_ context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	m.trades[t.UUID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, uuid string) (*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[uuid]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Trade{}
	for _, t := range m.trades {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Participant != "" && t.BuyerSteamID != f.Participant && t.SellerSteamID != f.Participant {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Trade{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition mirrors the Postgres semantics: fn works on a copy of the trade
// and the copy replaces the stored row only when fn and the wallet scope both
// succeed.
func (m *MemoryStore) Transition(ctx context.Context, uuid string, fn func(tx *sql.Tx, t *Trade) error) error {
	run := func(fn func(tx *sql.Tx) error) error { return fn(nil) }
	if m.runner != nil {
		run = func(fn func(tx *sql.Tx) error) error { return m.runner.WithTx(ctx, fn) }
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[uuid]
	if !ok {
		return ErrTradeNotFound
	}
	cp := *t
	if err := run(func(tx *sql.Tx) error { return fn(tx, &cp) }); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	m.trades[uuid] = &cp
	return nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, uuid, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[uuid]
	if !ok {
		return ErrTradeNotFound
	}
	t.CancelRequested = true
	t.CancelReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, pollInterval time.Duration, limit int) ([]*Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pollBefore := now.Add(-pollInterval)
	out := []*Trade{}
	for _, t := range m.trades {
		if t.Status.Terminal() || t.Status == StatusDisputed {
			continue
		}
		due := t.CancelRequested ||
			(t.ExpiresAt != nil && !t.ExpiresAt.After(now)) ||
			(t.DeadlineAt != nil && !t.DeadlineAt.After(now))
		switch t.Status {
		case StatusAwaitingSeller, StatusAwaitingBuyer, StatusErrorSending, StatusErrorForwarding:
			if t.LastPolledAt == nil || !t.LastPolledAt.After(pollBefore) {
				due = true
			}
		case StatusPaymentReceived, StatusSellerAccepted:
			// A row stuck mid-send (queue entry lost, process crash) goes
			// stale: nothing has touched it for a full poll interval.
			if !t.UpdatedAt.After(pollBefore) {
				due = true
			}
		}
		if due {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) TouchPolled(_ context.Context, uuid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trades[uuid]; ok {
		t.LastPolledAt = &at
	}
	return nil
}
