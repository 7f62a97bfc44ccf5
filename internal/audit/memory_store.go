package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Record(_ context.Context, _ *sql.Tx, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	e.ID = m.nextID
	m.nextID++
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) Tail(_ context.Context, tradeUUID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].TradeUUID == tradeUUID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ByActor(_ context.Context, actor Actor, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Entry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Actor == actor {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
