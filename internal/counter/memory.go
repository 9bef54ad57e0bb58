package counter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryEntry tracks a counter value and the start of its TTL window.
type memoryEntry struct {
	value       int64
	windowStart time.Time
	ttl         time.Duration
}

// expired reports whether the entry's TTL window has elapsed.
func (e *memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.windowStart) >= e.ttl
}

// MemoryStore implements Store with a mutex-guarded map. TTLs are emulated by
// comparing a per-key window start against the clock on each access; expired
// entries are reset lazily, never evicted proactively.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nowFn   func() time.Time
}

// NewMemoryStore constructs a MemoryStore. A nil nowFn defaults to time.Now.
func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		nowFn:   nowFn,
	}
}

// Get returns the current value for key, treating expired windows as absent.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if entry == nil || entry.expired(now) {
		return 0, nil
	}
	return entry.value, nil
}

// IncrBy adds delta to key under the lock. The TTL window starts on the first
// write and restarts whenever an expired entry is written again.
func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if entry == nil || entry.expired(now) {
		entry = &memoryEntry{windowStart: now, ttl: ttl}
		s.entries[key] = entry
	}
	entry.value += delta
	return entry.value, nil
}

// Delete removes the key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Ping always succeeds; the map lives in-process.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Keys returns the live (non-expired) keys starting with prefix.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
