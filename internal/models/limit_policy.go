package models

import "time"

// LimitPolicy stores per-identity daily/monthly token ceilings. A nil limit
// inherits the corresponding global default from configuration; an explicit
// value always wins. An inactive policy blocks every request for the identity
// regardless of remaining quota.
type LimitPolicy struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Identity string `gorm:"type:varchar(255);not null;uniqueIndex"` // Caller API key.

	DailyLimit   *int64 `gorm:"type:bigint"` // Daily token ceiling, nil inherits global.
	MonthlyLimit *int64 `gorm:"type:bigint"` // Monthly token ceiling, nil inherits global.

	IsActive bool `gorm:"not null;default:true"` // Whether the identity may send requests.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
