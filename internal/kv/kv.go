// Package kv provides an ephemeral TTL'd key-value cache.
//
// The cache holds only reconstructible state: idempotency keys, bot session
// blobs, Steam rate-limit counters, and pending notification cursors. The SQL
// store remains the single source of truth; losing the cache is safe.
package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers that must not deadlock (the Steam rate limiter) treat it as a
// signal to wait a grace period and proceed.
var ErrUnavailable = errors.New("kv store unavailable")

// Store is the ephemeral cache contract.
type Store interface {
	// Get returns the value for key, and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent. Returns true if stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the counter at key and returns the new
	// value. The first increment arms the ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process Store with a background janitor.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
}

// NewMemoryStore creates an in-memory KV store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// Stop stops the janitor goroutine.
func (m *MemoryStore) Stop() {
	close(m.stop)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		e = &entry{isCounter: true}
		if ttl > 0 {
			e.expiresAt = time.Now().Add(ttl)
		}
		m.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
