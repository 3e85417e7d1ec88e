package counterstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used in tests and single-node
// operation where Redis isn't available. Expiry is checked lazily on read,
// the same trick the teacher's in-process caches use rather than running a
// background sweeper.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryStore) expireIfDue(key string) {
	if exp, ok := m.expires[key]; ok && m.now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
	}
}

func (m *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDue(key)
	_, existed := m.values[key]
	m.values[key]++
	if !existed && ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	}
	return m.values[key], nil
}

func (m *MemoryStore) Decrement(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDue(key)
	m.values[key]--
	return m.values[key], nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDue(key)
	return m.values[key], nil
}

func (m *MemoryStore) SetTimestamp(ctx context.Context, key string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = at.UnixMilli()
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) GetTimestamp(ctx context.Context, key string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireIfDue(key)
	ms, ok := m.values[key]
	if !ok {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

var _ Store = (*MemoryStore)(nil)
