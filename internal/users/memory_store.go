package users

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for development and tests.
// Balances on the stored users are not authoritative here; the wallet's
// memory ledger owns them when running without Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates an in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (m *MemoryStore) Create(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.SteamID]; ok {
		return ErrUserExists
	}
	cp := *user
	m.users[user.SteamID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, steamID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[steamID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, steamID, displayName, avatarURL, tradeURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[steamID]
	if !ok {
		return ErrUserNotFound
	}
	user.DisplayName = displayName
	user.AvatarURL = avatarURL
	user.TradeURL = tradeURL
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetBanned(_ context.Context, steamID string, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[steamID]
	if !ok {
		return ErrUserNotFound
	}
	user.Banned = banned
	user.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AddRiskScore(_ context.Context, steamID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[steamID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.RiskScore += delta
	if user.RiskScore < 0 {
		user.RiskScore = 0
	}
	user.UpdatedAt = time.Now().UTC()
	return user.RiskScore, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, user := range m.users {
		cp := *user
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
