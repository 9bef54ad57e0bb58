// Package quota tracks cumulative token usage per identity against the
// tariff budget. State lives in the shared counter store and is best-effort:
// durable accounting belongs to the ledger.
package quota

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/counter"
	"github.com/tokengate/tokengate/internal/identity"
)

// Key prefixes inside the shared store.
const (
	usagePrefix   = "quota:"
	updatedSuffix = ":updated"
)

// Usage is the detailed usage report for one identity.
type Usage struct {
	Identity    string    `json:"identity"`
	UsedTokens  int64     `json:"used_tokens"`
	LastUpdated time.Time `json:"last_updated"`
	Backend     string    `json:"backend"`
}

// healthReporter is implemented by counter.FallbackStore.
type healthReporter interface {
	Backend() string
}

// Tracker enforces a cumulative (not time-windowed) token budget.
type Tracker struct {
	store counter.Store
	nowFn func() time.Time
}

// NewTracker constructs a Tracker. A nil nowFn defaults to time.Now.
func NewTracker(store counter.Store, nowFn func() time.Time) *Tracker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tracker{store: store, nowFn: nowFn}
}

// UsedTokens returns the cumulative tokens for key, 0 when never recorded or
// when the store read fails.
func (t *Tracker) UsedTokens(ctx context.Context, key string) int64 {
	val, err := t.store.Get(ctx, usagePrefix+key)
	if err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Warn("quota: usage read failed")
		return 0
	}
	return val
}

// Check reports whether key may spend more tokens: usage strictly below
// maxTokens. This is a pre-flight eligibility check evaluated before the
// pending request's tokens are known, so one request can push usage past the
// budget. Store errors fail open.
func (t *Tracker) Check(ctx context.Context, key string, maxTokens int64) bool {
	used, err := t.store.Get(ctx, usagePrefix+key)
	if err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Warn("quota: check failed, failing open")
		return true
	}
	if used >= maxTokens {
		log.WithFields(log.Fields{
			"key":   identity.Redact(key),
			"used":  used,
			"limit": maxTokens,
		}).Warn("quota: token budget exhausted")
		return false
	}
	return true
}

// Increment adds tokens to key's cumulative usage. Non-positive deltas are
// rejected without touching the counter.
func (t *Tracker) Increment(ctx context.Context, key string, tokens int64) bool {
	if tokens <= 0 {
		log.WithFields(log.Fields{
			"key":    identity.Redact(key),
			"tokens": tokens,
		}).Warn("quota: rejecting non-positive increment")
		return false
	}
	if _, err := t.store.IncrBy(ctx, usagePrefix+key, tokens, 0); err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Error("quota: increment failed")
		return false
	}
	t.stampUpdated(ctx, key)
	return true
}

// Reset zeroes key's usage and stamps the reset time.
func (t *Tracker) Reset(ctx context.Context, key string) bool {
	if err := t.store.Delete(ctx, usagePrefix+key); err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Error("quota: reset failed")
		return false
	}
	t.stampUpdated(ctx, key)
	log.WithField("key", identity.Redact(key)).Info("quota: usage reset")
	return true
}

// ResetAll sweeps every tracked identity, zeroing usage. Used by the monthly
// cron job. Returns the number of identities reset.
func (t *Tracker) ResetAll(ctx context.Context) (int, error) {
	keys, err := t.store.Keys(ctx, usagePrefix)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, k := range keys {
		if strings.HasSuffix(k, updatedSuffix) {
			continue
		}
		if t.Reset(ctx, strings.TrimPrefix(k, usagePrefix)) {
			reset++
		}
	}
	log.WithField("reset", reset).Info("quota: monthly sweep completed")
	return reset, nil
}

// Detailed returns the usage report for key, identity redacted.
func (t *Tracker) Detailed(ctx context.Context, key string) Usage {
	u := Usage{
		Identity:   identity.Redact(key),
		UsedTokens: t.UsedTokens(ctx, key),
		Backend:    counter.BackendMemory,
	}
	if hr, ok := t.store.(healthReporter); ok {
		u.Backend = hr.Backend()
	}
	if ts, err := t.store.Get(ctx, usagePrefix+key+updatedSuffix); err == nil && ts > 0 {
		u.LastUpdated = time.Unix(ts, 0).UTC()
	}
	return u
}

// stampUpdated rewrites the last-updated marker as a unix timestamp. Best
// effort; a failed stamp never fails the caller's operation.
func (t *Tracker) stampUpdated(ctx context.Context, key string) {
	markerKey := usagePrefix + key + updatedSuffix
	if err := t.store.Delete(ctx, markerKey); err != nil {
		return
	}
	_, _ = t.store.IncrBy(ctx, markerKey, t.nowFn().Unix(), 0)
}
