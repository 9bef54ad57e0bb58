package counter

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// breakerDuration is how long the remote backend is skipped after an error.
const breakerDuration = 30 * time.Second

// Backend labels for health reporting.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// FallbackStore fronts a remote Store with an in-process MemoryStore. Any
// remote error answers the operation from memory and trips a breaker; once
// the breaker expires the next operation probes the remote again. Callers
// never see a store error from the remote path, at the cost of values
// diverging silently across an outage window.
type FallbackStore struct {
	remote Store
	local  *MemoryStore
	nowFn  func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewFallbackStore constructs a FallbackStore. remote may be nil, in which
// case every operation is served from memory.
func NewFallbackStore(remote Store, local *MemoryStore, nowFn func() time.Time) *FallbackStore {
	if local == nil {
		local = NewMemoryStore(nowFn)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &FallbackStore{remote: remote, local: local, nowFn: nowFn}
}

// Healthy reports whether operations are currently served by the remote store.
func (s *FallbackStore) Healthy() bool {
	return s.remote != nil && !s.breakerActive(s.nowFn())
}

// Backend returns the name of the backend currently serving operations.
func (s *FallbackStore) Backend() string {
	if s.Healthy() {
		return BackendRedis
	}
	return BackendMemory
}

// Local exposes the in-process store so tests can force the degraded path.
func (s *FallbackStore) Local() *MemoryStore { return s.local }

func (s *FallbackStore) breakerActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakerUntil.IsZero() {
		return false
	}
	if now.Before(s.breakerUntil) {
		return true
	}
	s.breakerUntil = time.Time{}
	return false
}

func (s *FallbackStore) tripBreaker(err error) {
	now := s.nowFn()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.breakerUntil.IsZero() && now.Before(s.breakerUntil) {
		return
	}
	s.breakerUntil = now.Add(breakerDuration)
	log.WithError(err).Warn("counter: remote store unavailable, falling back to memory")
}

// Get reads from the remote store, answering from memory on error.
func (s *FallbackStore) Get(ctx context.Context, key string) (int64, error) {
	if s.Healthy() {
		val, err := s.remote.Get(ctx, key)
		if err == nil {
			return val, nil
		}
		s.tripBreaker(err)
	}
	return s.local.Get(ctx, key)
}

// IncrBy increments on the remote store, answering from memory on error.
func (s *FallbackStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.Healthy() {
		val, err := s.remote.IncrBy(ctx, key, delta, ttl)
		if err == nil {
			return val, nil
		}
		s.tripBreaker(err)
	}
	return s.local.IncrBy(ctx, key, delta, ttl)
}

// Delete removes the key from both backends so an administrative reset holds
// regardless of which backend serves the next read.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	if s.Healthy() {
		if err := s.remote.Delete(ctx, key); err != nil {
			s.tripBreaker(err)
		}
	}
	return s.local.Delete(ctx, key)
}

// Keys lists keys from the active backend.
func (s *FallbackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.Healthy() {
		keys, err := s.remote.Keys(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		s.tripBreaker(err)
	}
	return s.local.Keys(ctx, prefix)
}

// Ping probes the remote store when configured, the memory store otherwise.
func (s *FallbackStore) Ping(ctx context.Context) error {
	if s.remote != nil {
		return s.remote.Ping(ctx)
	}
	return s.local.Ping(ctx)
}
