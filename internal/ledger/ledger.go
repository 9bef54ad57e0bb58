// Package ledger is the durable daily/monthly accounting for token usage. It
// is independent of the ephemeral quota counters: ledger rows survive process
// restarts and back billing-grade reporting, so its limit check fails closed
// on store errors where the rate/quota heuristics fail open.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/models"
)

// Limit scopes reported by LimitError.
const (
	ScopeDaily   = "daily"
	ScopeMonthly = "monthly"
)

// ErrInactive blocks all requests for an identity whose policy is disabled.
var ErrInactive = errors.New("ledger: identity is not active")

// ErrNegativeTokens rejects accounting writes with a negative token count.
var ErrNegativeTokens = errors.New("ledger: negative token count")

// LimitError reports a violated daily or monthly ceiling.
type LimitError struct {
	Scope   string
	Used    int64
	Limit   int64
	Pending int64
}

// Error describes which bound was hit, the current usage, and the limit.
func (e *LimitError) Error() string {
	return fmt.Sprintf("ledger: %s token limit exceeded: used %d, limit %d", e.Scope, e.Used, e.Limit)
}

// Limits is the effective merged limit set for one identity.
type Limits struct {
	DailyLimit   int64 `json:"daily_limit"`
	MonthlyLimit int64 `json:"monthly_limit"`
	IsActive     bool  `json:"is_active"`
}

// Ledger persists per-day usage records and enforces daily/monthly ceilings.
// The global default limits are swappable at runtime by config reload.
type Ledger struct {
	db    *gorm.DB
	nowFn func() time.Time

	mu            sync.RWMutex
	globalDaily   int64
	globalMonthly int64
}

// New constructs a Ledger with the given global default limits. A nil nowFn
// defaults to time.Now.
func New(conn *gorm.DB, globalDaily, globalMonthly int64, nowFn func() time.Time) *Ledger {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{db: conn, globalDaily: globalDaily, globalMonthly: globalMonthly, nowFn: nowFn}
}

// today returns the current calendar day in DayFormat.
func (l *Ledger) today() string {
	return l.nowFn().UTC().Format(models.DayFormat)
}

// monthStart returns the first day of the current calendar month.
func (l *Ledger) monthStart() string {
	return l.nowFn().UTC().Format("2006-01") + "-01"
}

// SetGlobalLimits swaps the global default daily/monthly limits. Non-positive
// values are ignored. Used by config reload; per-identity policies are
// untouched.
func (l *Ledger) SetGlobalLimits(daily, monthly int64) {
	if daily <= 0 || monthly <= 0 {
		return
	}
	l.mu.Lock()
	changed := daily != l.globalDaily || monthly != l.globalMonthly
	l.globalDaily = daily
	l.globalMonthly = monthly
	l.mu.Unlock()
	if changed {
		log.WithFields(log.Fields{
			"daily":   daily,
			"monthly": monthly,
		}).Info("ledger: global limits updated")
	}
}

func (l *Ledger) globalLimits() (int64, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.globalDaily, l.globalMonthly
}

// Record accumulates tokens and requests into today's row for key, creating
// it on first use. The find-or-create and the increment run as one statement
// inside a transaction so concurrent calls for the same (identity, day) never
// lose updates. Negative token counts are rejected and leave totals unchanged.
func (l *Ledger) Record(ctx context.Context, key string, tokens, requests int64) error {
	if tokens < 0 {
		log.WithFields(log.Fields{
			"key":    identity.Redact(key),
			"tokens": tokens,
		}).Warn("ledger: rejecting negative token count")
		return ErrNegativeTokens
	}

	row := models.UsageRecord{
		Identity:      key,
		Day:           l.today(),
		TokensUsed:    tokens,
		RequestsCount: requests,
	}
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identity"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]any{
				"tokens_used":    gorm.Expr("tokens_used + ?", tokens),
				"requests_count": gorm.Expr("requests_count + ?", requests),
				"updated_at":     l.nowFn().UTC(),
			}),
		}).Create(&row).Error
	})
	if errTx != nil {
		return fmt.Errorf("ledger: record usage: %w", errTx)
	}
	log.WithFields(log.Fields{
		"key":    identity.Redact(key),
		"tokens": tokens,
	}).Debug("ledger: usage recorded")
	return nil
}

// CurrentUsage returns today's and the current calendar month's token totals
// for key. The month total includes today.
func (l *Ledger) CurrentUsage(ctx context.Context, key string) (daily, monthly int64, err error) {
	today := l.today()

	if errSum := l.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("identity = ? AND day = ?", key, today).
		Select("COALESCE(SUM(tokens_used), 0)").
		Scan(&daily).Error; errSum != nil {
		return 0, 0, fmt.Errorf("ledger: daily usage: %w", errSum)
	}

	if errSum := l.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("identity = ? AND day >= ? AND day <= ?", key, l.monthStart(), today).
		Select("COALESCE(SUM(tokens_used), 0)").
		Scan(&monthly).Error; errSum != nil {
		return 0, 0, fmt.Errorf("ledger: monthly usage: %w", errSum)
	}
	return daily, monthly, nil
}

// LimitsFor resolves the effective limits for key: the identity policy merged
// field-by-field with the global defaults. A missing policy or a nil field
// inherits the global value; an explicit value always wins.
func (l *Ledger) LimitsFor(ctx context.Context, key string) (Limits, error) {
	daily, monthly := l.globalLimits()
	limits := Limits{DailyLimit: daily, MonthlyLimit: monthly, IsActive: true}

	var policy models.LimitPolicy
	errFind := l.db.WithContext(ctx).Where("identity = ?", key).Take(&policy).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return limits, nil
		}
		return Limits{}, fmt.Errorf("ledger: load limits: %w", errFind)
	}

	if policy.DailyLimit != nil {
		limits.DailyLimit = *policy.DailyLimit
	}
	if policy.MonthlyLimit != nil {
		limits.MonthlyLimit = *policy.MonthlyLimit
	}
	limits.IsActive = policy.IsActive
	return limits, nil
}

// Check verifies that key may spend pending more tokens today and this month.
// The daily bound is checked before the monthly one; the first violation
// determines the error. Store errors propagate: accounting infrastructure
// failures reject rather than admit.
func (l *Ledger) Check(ctx context.Context, key string, pending int64) error {
	limits, err := l.LimitsFor(ctx, key)
	if err != nil {
		return err
	}
	if !limits.IsActive {
		log.WithField("key", identity.Redact(key)).Warn("ledger: identity blocked by policy")
		return ErrInactive
	}

	daily, monthly, err := l.CurrentUsage(ctx, key)
	if err != nil {
		return err
	}

	if daily+pending > limits.DailyLimit {
		log.WithFields(log.Fields{
			"key":   identity.Redact(key),
			"used":  daily,
			"limit": limits.DailyLimit,
		}).Warn("ledger: daily limit exceeded")
		return &LimitError{Scope: ScopeDaily, Used: daily, Limit: limits.DailyLimit, Pending: pending}
	}
	if monthly+pending > limits.MonthlyLimit {
		log.WithFields(log.Fields{
			"key":   identity.Redact(key),
			"used":  monthly,
			"limit": limits.MonthlyLimit,
		}).Warn("ledger: monthly limit exceeded")
		return &LimitError{Scope: ScopeMonthly, Used: monthly, Limit: limits.MonthlyLimit, Pending: pending}
	}
	return nil
}

// SetLimits upserts the limit policy for key. Nil limits inherit the globals.
func (l *Ledger) SetLimits(ctx context.Context, key string, daily, monthly *int64, isActive bool) error {
	row := models.LimitPolicy{
		Identity:     key,
		DailyLimit:   daily,
		MonthlyLimit: monthly,
		IsActive:     isActive,
	}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]any{
			"daily_limit":   daily,
			"monthly_limit": monthly,
			"is_active":     isActive,
			"updated_at":    l.nowFn().UTC(),
		}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("ledger: set limits: %w", err)
	}
	log.WithField("key", identity.Redact(key)).Info("ledger: limits updated")
	return nil
}

// Cleanup purges usage records older than the retention horizon. Maintenance
// operation, not part of the request path.
func (l *Ledger) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := l.nowFn().UTC().AddDate(0, 0, -olderThanDays).Format(models.DayFormat)
	res := l.db.WithContext(ctx).Where("day < ?", cutoff).Delete(&models.UsageRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.WithField("deleted", res.RowsAffected).Info("ledger: old usage records purged")
	}
	return res.RowsAffected, nil
}
