// Package ratelimit enforces a fixed-window request cap per identity on top
// of the shared counter store.
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/counter"
	"github.com/tokengate/tokengate/internal/identity"
)

// keyPrefix namespaces rate-limit counters inside the shared store.
const keyPrefix = "rate:"

// Result reports the outcome of a rate-limit check. It gates the request and
// populates the X-RateLimit-* response headers.
type Result struct {
	Allowed       bool  `json:"allowed"`
	CurrentCount  int64 `json:"current_count"`
	Remaining     int64 `json:"remaining"`
	Limit         int64 `json:"limit"`
	WindowSeconds int64 `json:"window_seconds"`
}

// Limiter caps requests per identity to limit per window using fixed
// (non-sliding) windows. Adjacent windows admit up to 2x the limit at the
// seam; that imprecision is accepted. Limit and window are swappable at
// runtime by config reload; in-flight windows keep their original TTL.
type Limiter struct {
	store counter.Store

	mu     sync.RWMutex
	limit  int64
	window time.Duration
}

// NewLimiter constructs a Limiter.
func NewLimiter(store counter.Store, limit int64, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.window
}

// Update swaps the limit and window. Non-positive values are ignored. Used by
// config reload.
func (l *Limiter) Update(limit int64, window time.Duration) {
	if limit <= 0 || window <= 0 {
		return
	}
	l.mu.Lock()
	changed := limit != l.limit || window != l.window
	l.limit = limit
	l.window = window
	l.mu.Unlock()
	if changed {
		log.WithFields(log.Fields{
			"limit":  limit,
			"window": window,
		}).Info("ratelimit: settings updated")
	}
}

func (l *Limiter) settings() (int64, time.Duration) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit, l.window
}

func (l *Limiter) result(count int64, allowed bool) Result {
	limit, window := l.settings()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:       allowed,
		CurrentCount:  count,
		Remaining:     remaining,
		Limit:         limit,
		WindowSeconds: int64(window / time.Second),
	}
}

// Check admits or rejects one request for key. A single atomic increment is
// compared against the limit; the window TTL is attached by the store on the
// first write. Store errors fail open so a broken counter backend degrades
// rate accuracy, not availability.
func (l *Limiter) Check(ctx context.Context, key string) Result {
	limit, window := l.settings()
	count, err := l.store.IncrBy(ctx, keyPrefix+key, 1, window)
	if err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Warn("ratelimit: store error, failing open")
		return l.result(0, true)
	}
	if count > limit {
		res := l.result(count, false)
		log.WithFields(log.Fields{
			"key":   identity.Redact(key),
			"count": count,
			"limit": limit,
		}).Warn("ratelimit: limit exceeded")
		return res
	}
	return l.result(count, true)
}

// Status reports the current window state without consuming a request.
func (l *Limiter) Status(ctx context.Context, key string) Result {
	limit, _ := l.settings()
	count, err := l.store.Get(ctx, keyPrefix+key)
	if err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Warn("ratelimit: status read failed")
		return l.result(0, true)
	}
	return l.result(count, count < limit)
}

// Reset clears the current window for key. Administrative operation.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, keyPrefix+key)
}
