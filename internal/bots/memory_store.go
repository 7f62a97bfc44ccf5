package bots

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	bots   map[int64]*Bot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, bots: make(map[int64]*Bot)}
}

func (m *MemoryStore) Upsert(_ context.Context, b *Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.bots {
		if existing.AccountName == b.AccountName {
			existing.SteamID = b.SteamID
			existing.SecretsEnc = b.SecretsEnc
			existing.UpdatedAt = now
			*b = *existing
			return nil
		}
	}
	b.ID = m.nextID
	m.nextID++
	b.CreatedAt = now
	b.UpdatedAt = now
	cp := *b
	m.bots[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, ErrBotNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetByAccountName(_ context.Context, accountName string) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bots {
		if b.AccountName == accountName {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBotNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id int64, status Status, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	b.Status = status
	b.LastError = lastError
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AcquireLeastLoaded(_ context.Context, excluding []int64) (*Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[int64]bool, len(excluding))
	for _, id := range excluding {
		skip[id] = true
	}
	var best *Bot
	for _, b := range m.bots {
		if b.Status != StatusReady || skip[b.ID] {
			continue
		}
		if best == nil || b.ActiveTrades < best.ActiveTrades ||
			(b.ActiveTrades == best.ActiveTrades && b.ID < best.ID) {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoBotAvailable
	}
	best.ActiveTrades++
	best.UpdatedAt = time.Now().UTC()
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ReleaseTrade(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	if b.ActiveTrades > 0 {
		b.ActiveTrades--
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetInventorySize(_ context.Context, id int64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[id]; ok {
		b.InventorySize = size
	}
	return nil
}

func (m *MemoryStore) TouchOnline(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bots[id]; ok {
		now := time.Now().UTC()
		b.LastOnlineAt = &now
	}
	return nil
}
