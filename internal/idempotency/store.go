// Package idempotency caches HTTP responses under client-supplied keys so a
// retried request replays the first response instead of creating a second
// funding intent.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Record holds a stored response.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil for missing or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Purger is implemented by stores whose expired records stay behind until
// something deletes them.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// MemoryStore keeps records in process memory; used for single-replica runs
// and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
	Now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		Now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if !m.Now().Before(rec.ExpiresAt) {
		delete(m.data, key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Purge drops expired records that were never read again.
func (m *MemoryStore) Purge(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var n int64
	for key, rec := range m.data {
		if !now.Before(rec.ExpiresAt) {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}
