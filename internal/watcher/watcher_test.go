package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tokengate/tokengate/internal/counter"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
)

func TestReloadAppliesTariffsAndKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	initial := `
allowed-keys:
  - key-one
tariffs:
  default:
    max-tokens: 100
`
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	registry := tariff.NewRegistry(tariff.Policy{MaxTokens: 100}, nil)
	keys := identity.NewKeySet([]string{"key-one"})
	w := New(path, registry, keys, nil, nil)
	w.Reload()

	updated := `
allowed-keys:
  - key-two
tariffs:
  default:
    max-tokens: 500
  overrides:
    special-key:
      max-tokens: 9000
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.Reload()

	if registry.Default().MaxTokens != 500 {
		t.Fatalf("expected reloaded default 500, got %d", registry.Default().MaxTokens)
	}
	if registry.MaxTokens("special-key") != 9000 {
		t.Fatalf("expected override 9000, got %d", registry.MaxTokens("special-key"))
	}
	if keys.Allowed("key-one") {
		t.Fatalf("removed key must no longer be allowed")
	}
	if !keys.Allowed("key-two") {
		t.Fatalf("new key must be allowed")
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("allowed-keys:\n  - key-one\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	registry := tariff.NewRegistry(tariff.Policy{MaxTokens: 100}, nil)
	keys := identity.NewKeySet(nil)
	w := New(path, registry, keys, nil, nil)

	w.Reload()
	if !keys.Allowed("key-one") || keys.Len() != 1 {
		t.Fatalf("first reload should apply keys")
	}

	// Mutate the live set, then reload the identical file: the hash check
	// must skip the apply and leave the mutation in place.
	keys.Replace([]string{"mutated"})
	w.Reload()
	if keys.Allowed("key-one") {
		t.Fatalf("unchanged file must not be re-applied")
	}
}

func TestReloadAppliesRateAndGlobalLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	initial := `
rate-limit:
  requests: 5
  window-seconds: 60
limits:
  daily: 1000
  monthly: 10000
`
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	limiter := ratelimit.NewLimiter(counter.NewMemoryStore(nowFn), 5, time.Minute)

	conn, err := gorm.Open(sqlite.Open(filepath.Join(dir, "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.UsageRecord{}, &models.LimitPolicy{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	bank := ledger.New(conn, 1000, 10000, nowFn)

	registry := tariff.NewRegistry(tariff.Policy{MaxTokens: 100}, nil)
	w := New(path, registry, identity.NewKeySet(nil), limiter, bank)
	w.Reload()

	updated := `
rate-limit:
  requests: 2
  window-seconds: 30
limits:
  daily: 400
  monthly: 4000
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.Reload()

	ctx := context.Background()
	res := limiter.Status(ctx, "k")
	if res.Limit != 2 || res.WindowSeconds != 30 {
		t.Fatalf("expected limiter 2/30s after reload, got %d/%ds", res.Limit, res.WindowSeconds)
	}

	limits, errLimits := bank.LimitsFor(ctx, "k")
	if errLimits != nil {
		t.Fatalf("limits: %v", errLimits)
	}
	if limits.DailyLimit != 400 || limits.MonthlyLimit != 4000 {
		t.Fatalf("expected global limits 400/4000 after reload, got %d/%d", limits.DailyLimit, limits.MonthlyLimit)
	}
}

func TestReloadKeepsSettingsOnBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tariffs:\n  default:\n    max-tokens: 700\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	registry := tariff.NewRegistry(tariff.Policy{MaxTokens: 100}, nil)
	w := New(path, registry, identity.NewKeySet(nil), nil, nil)
	w.Reload()
	if registry.Default().MaxTokens != 700 {
		t.Fatalf("expected 700 after reload, got %d", registry.Default().MaxTokens)
	}

	if err := os.WriteFile(path, []byte("tariffs: [broken"), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}
	w.Reload()
	if registry.Default().MaxTokens != 700 {
		t.Fatalf("broken file must keep previous settings, got %d", registry.Default().MaxTokens)
	}
}
