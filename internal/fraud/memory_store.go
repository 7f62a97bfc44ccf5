package fraud

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	logs   []*Log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Append(_ context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.nextID
	m.nextID++
	l.CreatedAt = time.Now().UTC()
	cp := *l
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) ByUser(_ context.Context, steamID string, limit int) ([]*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Log{}
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].SteamID == steamID {
			cp := *m.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountSince(_ context.Context, steamID string, event Event, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.logs {
		if l.SteamID == steamID && l.Event == event && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
