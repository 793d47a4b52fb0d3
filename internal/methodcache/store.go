package methodcache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value together with the time it was stored.
type Entry struct {
	Value     any
	CreatedOn time.Time
}

// Expired reports whether the entry is stale at now for the given TTL. A
// non-positive TTL never expires.
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.CreatedOn) > ttl
}

// Store persists cache entries partitioned by method name.
type Store interface {
	Load(ctx context.Context, method, key string) (Entry, bool, error)
	Save(ctx context.Context, method, key string, entry Entry, ttl time.Duration) error
	Purge(ctx context.Context, method string) error
}

// MemoryStore keeps entries in process memory. Entries are never evicted;
// staleness is decided by the cache at read time.
type MemoryStore struct {
	mu      sync.RWMutex
	methods map[string]map[string]Entry
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{methods: make(map[string]map[string]Entry)}
}

// Load returns the entry stored for method and key.
func (s *MemoryStore) Load(_ context.Context, method, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.methods[method][key]
	return entry, ok, nil
}

// Save stores or overwrites the entry for method and key.
func (s *MemoryStore) Save(_ context.Context, method, key string, entry Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.methods[method]
	if !ok {
		entries = make(map[string]Entry)
		s.methods[method] = entries
	}
	entries[key] = entry
	return nil
}

// Purge drops every entry stored for method.
func (s *MemoryStore) Purge(_ context.Context, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.methods, method)
	return nil
}

// Len returns the number of entries stored for method.
func (s *MemoryStore) Len(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.methods[method])
}
