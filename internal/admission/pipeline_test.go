package admission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tokengate/tokengate/internal/counter"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
	"github.com/tokengate/tokengate/internal/upstream"
)

// stubForwarder plays the downstream service without a network.
type stubForwarder struct {
	resp  []byte
	err   error
	calls int
}

func (s *stubForwarder) Forward(context.Context, []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type fixture struct {
	pipeline *Pipeline
	tracker  *quota.Tracker
	ledger   *ledger.Ledger
	forward  *stubForwarder
	now      *time.Time
}

func newFixture(t *testing.T, rateLimit int64, defaultTariff tariff.Policy, daily, monthly int64) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	store := counter.NewMemoryStore(nowFn)
	limiter := ratelimit.NewLimiter(store, rateLimit, time.Minute)
	tracker := quota.NewTracker(store, nowFn)
	registry := tariff.NewRegistry(defaultTariff, nil)

	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "admission.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.UsageRecord{}, &models.LimitPolicy{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	bank := ledger.New(conn, daily, monthly, nowFn)

	forward := &stubForwarder{resp: []byte(`{"usage":{"total_tokens":40},"choices":[{"text":"ok"}]}`)}
	return &fixture{
		pipeline: New(limiter, registry, tracker, bank, forward, nil, nil),
		tracker:  tracker,
		ledger:   bank,
		forward:  forward,
		now:      &now,
	}
}

func rejection(t *testing.T, err error) *RejectionError {
	t.Helper()
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	return rej
}

func TestAdmitForwardsAndRecordsUsage(t *testing.T) {
	f := newFixture(t, 10, tariff.Policy{MaxTokens: 1000, Name: "Default"}, 50000, 1000000)
	ctx := context.Background()

	res, err := f.pipeline.Admit(ctx, "caller-key", []byte(`{"prompt":"hi","max_tokens":10}`))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !strings.Contains(string(res.Body), "total_tokens") {
		t.Fatalf("expected downstream body, got %s", res.Body)
	}
	if res.ActualTokens != 40 {
		t.Fatalf("expected 40 actual tokens, got %d", res.ActualTokens)
	}
	if res.Rate.CurrentCount != 1 || res.Rate.Remaining != 9 {
		t.Fatalf("unexpected rate state: %+v", res.Rate)
	}

	if used := f.tracker.UsedTokens(ctx, "caller-key"); used != 40 {
		t.Fatalf("expected quota usage 40, got %d", used)
	}
	daily, monthly, errUsage := f.ledger.CurrentUsage(ctx, "caller-key")
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if daily != 40 || monthly != 40 {
		t.Fatalf("expected ledger 40/40, got %d/%d", daily, monthly)
	}
}

func TestAdmitRejectsWhenRateLimited(t *testing.T) {
	f := newFixture(t, 2, tariff.Policy{MaxTokens: 1000}, 50000, 1000000)
	ctx := context.Background()
	body := []byte(`{"prompt":"hi"}`)

	for i := 0; i < 2; i++ {
		if _, err := f.pipeline.Admit(ctx, "k", body); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	_, err := f.pipeline.Admit(ctx, "k", body)
	rej := rejection(t, err)
	if rej.Reason != ReasonRateLimit {
		t.Fatalf("expected rate limit rejection, got %s", rej.Reason)
	}
	if rej.RetryAfter != 60 {
		t.Fatalf("expected retry-after 60, got %d", rej.RetryAfter)
	}
	if f.forward.calls != 2 {
		t.Fatalf("rejected request must not reach downstream, got %d calls", f.forward.calls)
	}
}

func TestAdmitRejectsWhenQuotaExhausted(t *testing.T) {
	// Default tariff budget of 100 tokens; the first response burns 40 twice,
	// then a pre-loaded increment pushes usage past the budget.
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100, Name: "Trial"}, 50000, 1000000)
	ctx := context.Background()
	body := []byte(`{"prompt":"hi"}`)

	f.tracker.Increment(ctx, "k", 100)

	_, err := f.pipeline.Admit(ctx, "k", body)
	rej := rejection(t, err)
	if rej.Reason != ReasonQuota {
		t.Fatalf("expected quota rejection, got %s", rej.Reason)
	}
	if rej.Used != 100 || rej.Limit != 100 {
		t.Fatalf("expected used/limit 100/100, got %d/%d", rej.Used, rej.Limit)
	}
	if rej.RetryAfter != 86400 {
		t.Fatalf("expected retry-after 86400, got %d", rej.RetryAfter)
	}
	if f.forward.calls != 0 {
		t.Fatalf("quota rejection must not reach downstream")
	}
}

func TestAdmitRejectsWhenDailyLimitWouldBeExceeded(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 100, 1000000)
	ctx := context.Background()

	if err := f.ledger.Record(ctx, "k", 90, 1); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	// 40 chars of prompt -> 10 tokens estimate + 10 requested output tokens.
	body := []byte(`{"prompt":"` + strings.Repeat("a", 40) + `","max_tokens":10}`)
	_, err := f.pipeline.Admit(ctx, "k", body)
	rej := rejection(t, err)
	if rej.Reason != ReasonDailyLimit {
		t.Fatalf("expected daily rejection, got %s", rej.Reason)
	}
	if rej.Used != 90 || rej.Limit != 100 {
		t.Fatalf("expected used/limit 90/100, got %d/%d", rej.Used, rej.Limit)
	}
	if rej.RetryAfter != 3600 {
		t.Fatalf("expected retry-after 3600, got %d", rej.RetryAfter)
	}
	if f.forward.calls != 0 {
		t.Fatalf("ledger rejection must not reach downstream")
	}
}

func TestAdmitRejectsMonthlyAfterDaily(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 10000, 200)
	ctx := context.Background()

	// Usage from an earlier day this month counts against the monthly ceiling
	// but leaves today's daily budget untouched.
	earlier := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	*f.now = earlier
	if err := f.ledger.Record(ctx, "k", 190, 1); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	*f.now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	body := []byte(`{"prompt":"` + strings.Repeat("a", 40) + `","max_tokens":10}`)
	_, err := f.pipeline.Admit(ctx, "k", body)
	rej := rejection(t, err)
	if rej.Reason != ReasonMonthlyLimit {
		t.Fatalf("expected monthly rejection, got %s", rej.Reason)
	}
	if rej.Used != 190 || rej.Limit != 200 {
		t.Fatalf("expected used/limit 190/200, got %d/%d", rej.Used, rej.Limit)
	}
}

func TestAdmitRejectsInactiveIdentity(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 50000, 1000000)
	ctx := context.Background()

	if err := f.ledger.SetLimits(ctx, "k", nil, nil, false); err != nil {
		t.Fatalf("set limits: %v", err)
	}

	_, err := f.pipeline.Admit(ctx, "k", []byte(`{"prompt":"hi"}`))
	rej := rejection(t, err)
	if rej.Reason != ReasonInactive {
		t.Fatalf("expected inactive rejection, got %s", rej.Reason)
	}
}

func TestAdmitMapsDownstreamTimeout(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 50000, 1000000)
	f.forward.err = upstream.ErrTimeout
	ctx := context.Background()

	_, err := f.pipeline.Admit(ctx, "k", []byte(`{"prompt":"hi"}`))
	rej := rejection(t, err)
	if rej.Reason != ReasonTimeout {
		t.Fatalf("expected timeout rejection, got %s", rej.Reason)
	}

	// A failed forward leaves the accounting untouched.
	if used := f.tracker.UsedTokens(ctx, "k"); used != 0 {
		t.Fatalf("expected no quota usage, got %d", used)
	}
}

func TestAdmitMapsDownstreamUnavailable(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 50000, 1000000)
	f.forward.err = upstream.ErrUnavailable
	ctx := context.Background()

	_, err := f.pipeline.Admit(ctx, "k", []byte(`{"prompt":"hi"}`))
	rej := rejection(t, err)
	if rej.Reason != ReasonUnavailable {
		t.Fatalf("expected unavailable rejection, got %s", rej.Reason)
	}
}

func TestAdmitPassesThroughDownstreamStatusError(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100000}, 50000, 1000000)
	f.forward.err = &upstream.StatusError{StatusCode: 503, Body: []byte("overloaded")}
	ctx := context.Background()

	_, err := f.pipeline.Admit(ctx, "k", []byte(`{"prompt":"hi"}`))
	var statusErr *upstream.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError to pass through, got %v", err)
	}
	if statusErr.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", statusErr.StatusCode)
	}
}

// hangupForwarder returns a response and then cancels the request context,
// like a client disconnecting right after the downstream reply arrives.
type hangupForwarder struct {
	resp   []byte
	cancel context.CancelFunc
}

func (h *hangupForwarder) Forward(context.Context, []byte) ([]byte, error) {
	h.cancel()
	return h.resp, nil
}

func TestAdmitSettlesAfterClientHangup(t *testing.T) {
	f := newFixture(t, 10, tariff.Policy{MaxTokens: 1000, Name: "Default"}, 50000, 1000000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pipeline.forward = &hangupForwarder{resp: f.forward.resp, cancel: cancel}

	res, err := f.pipeline.Admit(ctx, "caller-key", []byte(`{"prompt":"hi"}`))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if res.ActualTokens != 40 {
		t.Fatalf("expected 40 actual tokens, got %d", res.ActualTokens)
	}

	// Accounting must land even though the request context is now canceled.
	if used := f.tracker.UsedTokens(context.Background(), "caller-key"); used != 40 {
		t.Fatalf("expected quota usage 40 after hangup, got %d", used)
	}
	daily, _, errUsage := f.ledger.CurrentUsage(context.Background(), "caller-key")
	if errUsage != nil {
		t.Fatalf("usage: %v", errUsage)
	}
	if daily != 40 {
		t.Fatalf("expected ledger usage 40 after hangup, got %d", daily)
	}
}

func TestAdmitTariffOverrideGrantsLargerBudget(t *testing.T) {
	f := newFixture(t, 100, tariff.Policy{MaxTokens: 100, Name: "Trial"}, 50000, 1000000)
	ctx := context.Background()

	f.pipeline.tariffs.Set("vip-key-123", tariff.Policy{MaxTokens: 10000, Name: "Premium"})
	f.tracker.Increment(ctx, "vip-key-123", 150)

	// 150 used exceeds the 100-token default but not the override.
	if _, err := f.pipeline.Admit(ctx, "vip-key-123", []byte(`{"prompt":"hi"}`)); err != nil {
		t.Fatalf("override budget should admit: %v", err)
	}

	f.tracker.Increment(ctx, "plain-key-456", 150)
	_, err := f.pipeline.Admit(ctx, "plain-key-456", []byte(`{"prompt":"hi"}`))
	if rej := rejection(t, err); rej.Reason != ReasonQuota {
		t.Fatalf("expected quota rejection for default tariff, got %s", rej.Reason)
	}
}
