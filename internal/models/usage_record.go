package models

import "time"

// DayFormat is the canonical encoding for the Day column. ISO dates compare
// lexicographically, so range predicates work on every dialect.
const DayFormat = "2006-01-02"

// UsageRecord accumulates token and request usage per identity per calendar
// day. One row per (identity, day); rows are only ever added to, never
// replaced. This table is the system of record for billing-grade reporting.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Identity string `gorm:"type:varchar(255);not null;uniqueIndex:idx_usage_identity_day,priority:1"` // Caller API key.
	Day      string `gorm:"type:varchar(10);not null;uniqueIndex:idx_usage_identity_day,priority:2;index"` // Calendar day, DayFormat.

	TokensUsed    int64 `gorm:"not null;default:0"` // Tokens consumed on that day.
	RequestsCount int64 `gorm:"not null;default:0"` // Requests served on that day.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
