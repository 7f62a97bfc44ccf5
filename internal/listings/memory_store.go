package listings

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore implements Store in memory for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	listings map[int64]*Listing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, listings: make(map[int64]*Listing)}
}

func (m *MemoryStore) Create(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.nextID
	m.nextID++
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Listing{}
	for _, l := range m.listings {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if f.SellerSteamID != "" && l.SellerSteamID != f.SellerSteamID {
			continue
		}
		if f.NameQuery != "" && !strings.Contains(strings.ToLower(l.MarketHashName), strings.ToLower(f.NameQuery)) {
			continue
		}
		if f.FeaturedOnly && !l.IsFeatured {
			continue
		}
		if f.Cursor != nil {
			cursorID, _ := strconv.ParseInt(f.Cursor.ID, 10, 64)
			if l.CreatedAt.After(f.Cursor.CreatedAt) ||
				(l.CreatedAt.Equal(f.Cursor.CreatedAt) && l.ID >= cursorID) {
				continue
			}
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.Cursor == nil && out[i].IsFeatured != out[j].IsFeatured {
			return out[i].IsFeatured
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Listing{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdatePrice(_ context.Context, id int64, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok || l.Status != StatusActive {
		return ErrListingUnavailable
	}
	l.Price = price
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id int64, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok || l.Status != from {
		return ErrListingUnavailable
	}
	l.Status = to
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementViews(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listings[id]; ok {
		l.Views++
	}
	return nil
}

func (m *MemoryStore) SetFeatured(_ context.Context, id int64, featured bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.IsFeatured = featured
	l.UpdatedAt = time.Now().UTC()
	return nil
}
