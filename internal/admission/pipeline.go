// Package admission runs the ordered gate sequence every generation request
// must pass: rate limit, tariff quota, durable daily/monthly ledger, then the
// downstream forward. Accounting after a successful forward is best-effort
// and never alters the response already obtained.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
	"github.com/tokengate/tokengate/internal/upstream"
)

// Forwarder sends an admitted request body downstream.
type Forwarder interface {
	Forward(ctx context.Context, body []byte) ([]byte, error)
}

// healthReporter is implemented by counter.FallbackStore.
type healthReporter interface {
	Healthy() bool
}

// Result is a fully admitted request: the downstream response plus the
// rate-limit state for response headers and the token accounting that was
// applied.
type Result struct {
	Body            []byte
	Rate            ratelimit.Result
	EstimatedTokens int64
	ActualTokens    int64
}

// Pipeline wires the admission gates together in their fixed order.
type Pipeline struct {
	limiter *ratelimit.Limiter
	tariffs *tariff.Registry
	tracker *quota.Tracker
	ledger  *ledger.Ledger
	forward Forwarder
	metrics *metrics.Set
	health  healthReporter
}

// New constructs a Pipeline. metrics and health may be nil.
func New(limiter *ratelimit.Limiter, tariffs *tariff.Registry, tracker *quota.Tracker, bank *ledger.Ledger, forward Forwarder, m *metrics.Set, health healthReporter) *Pipeline {
	return &Pipeline{
		limiter: limiter,
		tariffs: tariffs,
		tracker: tracker,
		ledger:  bank,
		forward: forward,
		metrics: m,
		health:  health,
	}
}

// Admit runs the gate sequence for one request. Gates run in a fixed order
// and the first rejection wins: rate limit, then tariff quota, then the
// ledger's daily/monthly ceilings, then the downstream call itself. The
// returned Result always carries the rate-limit state; on rejection the error
// is a *RejectionError except for ledger infrastructure failures and
// downstream non-200 responses, which propagate as-is.
func (p *Pipeline) Admit(ctx context.Context, key string, body []byte) (Result, error) {
	p.observeHealth()

	res := Result{Rate: p.limiter.Check(ctx, key)}
	if !res.Rate.Allowed {
		p.observe(ReasonRateLimit)
		return res, &RejectionError{
			Reason:     ReasonRateLimit,
			Message:    fmt.Sprintf("rate limit of %d requests per %d seconds exceeded", res.Rate.Limit, res.Rate.WindowSeconds),
			RetryAfter: res.Rate.WindowSeconds,
		}
	}

	policy, _ := p.tariffs.Get(key)
	if !p.tracker.Check(ctx, key, policy.MaxTokens) {
		p.observe(ReasonQuota)
		return res, &RejectionError{
			Reason:     ReasonQuota,
			Message:    fmt.Sprintf("token quota for tariff %q exhausted", policy.Name),
			RetryAfter: retryAfterQuota,
			Used:       p.tracker.UsedTokens(ctx, key),
			Limit:      policy.MaxTokens,
		}
	}

	res.EstimatedTokens = upstream.EstimateTokens(body)
	if err := p.ledger.Check(ctx, key, res.EstimatedTokens); err != nil {
		return res, p.classifyLedgerError(key, err)
	}

	start := time.Now()
	respBody, err := p.forward.Forward(ctx, body)
	p.observeUpstream(time.Since(start))
	if err != nil {
		return res, p.classifyForwardError(err)
	}
	res.Body = respBody
	res.ActualTokens = upstream.ActualTokens(respBody)

	// Accounting must survive the caller hanging up after the downstream
	// response was obtained, so settle runs detached from request
	// cancellation.
	p.settle(context.WithoutCancel(ctx), key, res.ActualTokens)
	p.observe("admitted")
	return res, nil
}

// settle applies post-response accounting. Failures here are logged and
// swallowed: the caller already holds a successful downstream response.
func (p *Pipeline) settle(ctx context.Context, key string, tokens int64) {
	if err := p.ledger.Record(ctx, key, tokens, 1); err != nil {
		log.WithError(err).WithField("key", identity.Redact(key)).
			Error("admission: ledger record failed after forward")
	}
	if !p.tracker.Increment(ctx, key, tokens) {
		log.WithField("key", identity.Redact(key)).
			Warn("admission: quota increment failed after forward")
	}
	if p.metrics != nil {
		p.metrics.ObserveTokens(tokens)
	}
}

// classifyLedgerError maps ledger rejections to RejectionErrors. Ledger
// infrastructure failures propagate unchanged so the caller rejects rather
// than admits.
func (p *Pipeline) classifyLedgerError(key string, err error) error {
	if errors.Is(err, ledger.ErrInactive) {
		p.observe(ReasonInactive)
		return &RejectionError{
			Reason:  ReasonInactive,
			Message: "identity is disabled",
		}
	}
	var limitErr *ledger.LimitError
	if errors.As(err, &limitErr) {
		reason := ReasonDailyLimit
		if limitErr.Scope == ledger.ScopeMonthly {
			reason = ReasonMonthlyLimit
		}
		p.observe(reason)
		return &RejectionError{
			Reason:     reason,
			Message:    limitErr.Error(),
			RetryAfter: retryAfterLedger,
			Used:       limitErr.Used,
			Limit:      limitErr.Limit,
		}
	}
	p.observe("ledger_error")
	log.WithError(err).WithField("key", identity.Redact(key)).
		Error("admission: ledger check failed, rejecting")
	return err
}

// classifyForwardError maps downstream transport failures to RejectionErrors.
// Non-200 downstream responses (upstream.StatusError) propagate unchanged so
// the HTTP layer can relay them.
func (p *Pipeline) classifyForwardError(err error) error {
	if errors.Is(err, upstream.ErrTimeout) {
		p.observe(ReasonTimeout)
		return &RejectionError{
			Reason:  ReasonTimeout,
			Message: "downstream generation service timed out",
		}
	}
	if errors.Is(err, upstream.ErrUnavailable) {
		p.observe(ReasonUnavailable)
		return &RejectionError{
			Reason:  ReasonUnavailable,
			Message: "downstream generation service unavailable",
		}
	}
	p.observe("downstream_error")
	return err
}

func (p *Pipeline) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveOutcome(outcome)
	}
}

func (p *Pipeline) observeUpstream(d time.Duration) {
	if p.metrics != nil {
		p.metrics.UpstreamDuration.Observe(d.Seconds())
	}
}

func (p *Pipeline) observeHealth() {
	if p.metrics != nil && p.health != nil {
		p.metrics.SetDegraded(!p.health.Healthy())
	}
}
