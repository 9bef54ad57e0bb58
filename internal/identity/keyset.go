package identity

import "sync"

// KeySet is the set of API keys allowed through the gateway. It is replaced
// wholesale on config reload, so reads vastly outnumber writes.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewKeySet builds a KeySet from the given keys.
func NewKeySet(keys []string) *KeySet {
	s := &KeySet{}
	s.Replace(keys)
	return s
}

// Allowed reports whether key is in the set. An empty set admits every key;
// deployments without a key list rely on the per-identity limits alone.
func (s *KeySet) Allowed(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keys) == 0 {
		return true
	}
	_, ok := s.keys[key]
	return ok
}

// Replace swaps the full key set. Used by config reload.
func (s *KeySet) Replace(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			next[k] = struct{}{}
		}
	}
	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
