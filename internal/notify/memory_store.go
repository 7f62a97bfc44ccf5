package notify

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, items: make(map[int64]*Notification)}
}

func (m *MemoryStore) Create(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(n.Payload) == 0 {
		n.Payload = []byte("{}")
	}
	n.ID = m.nextID
	m.nextID++
	n.Status = StatusPending
	n.CreatedAt = time.Now().UTC()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) Pending(_ context.Context, userSteamID string) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Notification{}
	for id := int64(1); id < m.nextID; id++ {
		n, ok := m.items[id]
		if ok && n.UserSteamID == userSteamID && n.Status == StatusPending {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userSteamID string, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Notification{}
	for id := m.nextID - 1; id >= 1 && len(out) < limit; id-- {
		n, ok := m.items[id]
		if ok && n.UserSteamID == userSteamID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		if n, ok := m.items[id]; ok && n.Status == StatusPending {
			n.Status = StatusDelivered
			n.DeliveredAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) MarkRead(_ context.Context, id int64, userSteamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.UserSteamID != userSteamID || n.Status == StatusRead {
		return ErrNotificationNotFound
	}
	now := time.Now().UTC()
	n.Status = StatusRead
	n.ReadAt = &now
	return nil
}

func (m *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, n := range m.items {
		if n.CreatedAt.Before(cutoff) {
			delete(m.items, id)
			purged++
		}
	}
	return purged, nil
}
