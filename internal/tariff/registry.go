// Package tariff maps caller identities to token-budget policies. Lookups are
// exact-match with one global default for unrecognized identities; overrides
// live in process memory and only need read-after-write consistency within a
// single process.
package tariff

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/identity"
)

// Policy caps cumulative token usage for an identity.
type Policy struct {
	MaxTokens   int64  `json:"max_tokens" yaml:"max-tokens"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Entry is a listed policy with its identity redacted.
type Entry struct {
	Identity string `json:"identity"`
	Policy
	Custom bool `json:"custom"`
}

// Registry resolves identity -> Policy.
type Registry struct {
	mu        sync.RWMutex
	overrides map[string]Policy
	def       Policy
}

// NewRegistry constructs a Registry with the given default policy and initial
// per-identity overrides (may be nil).
func NewRegistry(def Policy, overrides map[string]Policy) *Registry {
	r := &Registry{def: def, overrides: make(map[string]Policy, len(overrides))}
	for k, p := range overrides {
		r.overrides[k] = p
	}
	return r
}

// Get returns the policy for key, falling back to the default. The second
// return reports whether a custom policy matched.
func (r *Registry) Get(key string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.overrides[key]; ok {
		return p, true
	}
	return r.def, false
}

// MaxTokens returns the token budget for key.
func (r *Registry) MaxTokens(key string) int64 {
	p, _ := r.Get(key)
	return p.MaxTokens
}

// Default returns the global default policy.
func (r *Registry) Default() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Set installs or replaces the policy for key.
func (r *Registry) Set(key string, p Policy) {
	r.mu.Lock()
	r.overrides[key] = p
	r.mu.Unlock()
	log.WithFields(log.Fields{
		"key":        identity.Redact(key),
		"tariff":     p.Name,
		"max_tokens": p.MaxTokens,
	}).Info("tariff: policy set")
}

// Remove drops the policy for key, reverting it to the default. Returns false
// when no custom policy existed.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	_, ok := r.overrides[key]
	delete(r.overrides, key)
	r.mu.Unlock()
	if ok {
		log.WithField("key", identity.Redact(key)).Info("tariff: policy removed, reverting to default")
	}
	return ok
}

// List returns all custom policies plus the default, identities redacted.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.overrides)+1)
	for k, p := range r.overrides {
		entries = append(entries, Entry{Identity: identity.Redact(k), Policy: p, Custom: true})
	}
	def := r.def
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	entries = append(entries, Entry{Identity: "default", Policy: def})
	return entries
}

// Replace swaps the full override set and default. Used by config reload.
func (r *Registry) Replace(def Policy, overrides map[string]Policy) {
	next := make(map[string]Policy, len(overrides))
	for k, p := range overrides {
		next[k] = p
	}
	r.mu.Lock()
	r.def = def
	r.overrides = next
	r.mu.Unlock()
	log.WithField("overrides", len(next)).Info("tariff: registry reloaded")
}
