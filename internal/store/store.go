package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key is absent or already expired.
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store with per-key TTL. GetDel must be atomic: two
// concurrent callers must never both observe the same value.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	// Sweep drops expired entries and returns how many were removed.
	// Backends with native TTL expiry may treat this as a no-op.
	Sweep(ctx context.Context) (int, error)
}

// Memory is an in-process TTL store used when no Redis address is
// configured, and in tests.
type Memory struct {
	mu      sync.Mutex
	items   map[string]memItem
	nowFunc func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: map[string]memItem{}, nowFunc: time.Now}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: m.nowFunc().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || m.nowFunc().After(item.expiresAt) {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *Memory) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || m.nowFunc().After(item.expiresAt) {
		return "", ErrNotFound
	}
	delete(m.items, key)
	return item.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	removed := 0
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed, nil
}

// Len reports live entries. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
