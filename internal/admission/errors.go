package admission

import "fmt"

// Rejection reasons, one per gate in the pipeline.
const (
	ReasonRateLimit    = "rate_limit_exceeded"
	ReasonQuota        = "quota_exceeded"
	ReasonDailyLimit   = "daily_limit_exceeded"
	ReasonMonthlyLimit = "monthly_limit_exceeded"
	ReasonInactive     = "identity_inactive"
	ReasonTimeout      = "downstream_timeout"
	ReasonUnavailable  = "downstream_unavailable"
)

// Retry hints in seconds, surfaced as Retry-After headers.
const (
	retryAfterQuota  = 86400
	retryAfterLedger = 3600
)

// RejectionError reports why a request was refused admission and how long the
// caller should back off. Used and Limit are populated for the quota and
// ledger gates; RetryAfter is in seconds.
type RejectionError struct {
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
	Used       int64  `json:"used,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
}

// Error returns the rejection message.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission: %s: %s", e.Reason, e.Message)
}
