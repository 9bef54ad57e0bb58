package ledger

import (
	"context"
	"fmt"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/models"
)

// DayStats is one day's usage within a report.
type DayStats struct {
	Day           string `json:"day"`
	TokensUsed    int64  `json:"tokens_used"`
	RequestsCount int64  `json:"requests_count"`
}

// UsageStats is the per-identity usage report over a trailing window.
type UsageStats struct {
	Identity      string     `json:"identity"`
	Days          int        `json:"days"`
	TotalTokens   int64      `json:"total_tokens"`
	TotalRequests int64      `json:"total_requests"`
	TodayTokens   int64      `json:"today_tokens"`
	MonthTokens   int64      `json:"month_tokens"`
	Daily         []DayStats `json:"daily_breakdown"`
}

// TopEntry ranks one identity by token consumption.
type TopEntry struct {
	Identity      string `json:"identity"`
	TotalTokens   int64  `json:"total_tokens"`
	TotalRequests int64  `json:"total_requests"`
	ActiveDays    int64  `json:"active_days"`
}

// Stats builds the usage report for key over the trailing days window.
func (l *Ledger) Stats(ctx context.Context, key string, days int) (UsageStats, error) {
	if days <= 0 {
		days = 30
	}
	start := l.nowFn().UTC().AddDate(0, 0, -(days - 1)).Format(models.DayFormat)
	today := l.today()

	var rows []models.UsageRecord
	if err := l.db.WithContext(ctx).
		Where("identity = ? AND day >= ? AND day <= ?", key, start, today).
		Order("day DESC").
		Find(&rows).Error; err != nil {
		return UsageStats{}, fmt.Errorf("ledger: stats: %w", err)
	}

	stats := UsageStats{Identity: identity.Redact(key), Days: days}
	for _, row := range rows {
		stats.TotalTokens += row.TokensUsed
		stats.TotalRequests += row.RequestsCount
		if row.Day == today {
			stats.TodayTokens = row.TokensUsed
		}
		stats.Daily = append(stats.Daily, DayStats{
			Day:           row.Day,
			TokensUsed:    row.TokensUsed,
			RequestsCount: row.RequestsCount,
		})
	}

	_, month, err := l.CurrentUsage(ctx, key)
	if err != nil {
		return UsageStats{}, err
	}
	stats.MonthTokens = month
	return stats, nil
}

// TopIdentities ranks identities by tokens consumed over the trailing days
// window. Identities are redacted in the result.
func (l *Ledger) TopIdentities(ctx context.Context, limit, days int) ([]TopEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if days <= 0 {
		days = 30
	}
	start := l.nowFn().UTC().AddDate(0, 0, -(days - 1)).Format(models.DayFormat)

	// row carries the grouped aggregate before redaction.
	var rows []struct {
		Identity      string
		TotalTokens   int64
		TotalRequests int64
		ActiveDays    int64
	}
	if err := l.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Select("identity, SUM(tokens_used) AS total_tokens, SUM(requests_count) AS total_requests, COUNT(id) AS active_days").
		Where("day >= ?", start).
		Group("identity").
		Order("total_tokens DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: top identities: %w", err)
	}

	entries := make([]TopEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, TopEntry{
			Identity:      identity.Redact(row.Identity),
			TotalTokens:   row.TotalTokens,
			TotalRequests: row.TotalRequests,
			ActiveDays:    row.ActiveDays,
		})
	}
	return entries, nil
}
