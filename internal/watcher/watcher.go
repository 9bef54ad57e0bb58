// Package watcher reloads gateway configuration when the config file changes
// on disk. Only the hot-swappable parts are applied at runtime: the tariff
// registry, the allowed API key set, the rate-limit settings, and the global
// daily/monthly limits. Server, database, and store settings require a
// restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
)

// debounceDelay coalesces the bursts of write events editors and atomic
// renames produce for a single save.
const debounceDelay = 200 * time.Millisecond

// ConfigWatcher watches one config file and applies hot-reloadable settings.
type ConfigWatcher struct {
	path    string
	tariffs *tariff.Registry
	keys    *identity.KeySet
	limiter *ratelimit.Limiter
	bank    *ledger.Ledger

	mu       sync.Mutex
	lastHash string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a ConfigWatcher for path. limiter and bank may be nil when
// the caller only needs tariff and key reloads.
func New(path string, tariffs *tariff.Registry, keys *identity.KeySet, limiter *ratelimit.Limiter, bank *ledger.Ledger) *ConfigWatcher {
	return &ConfigWatcher{path: path, tariffs: tariffs, keys: keys, limiter: limiter, bank: bank}
}

// Start begins watching until the context is canceled or Stop is called.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files via rename,
	// which drops a watch set on the file itself.
	if errAdd := fsWatcher.Add(filepath.Dir(w.path)); errAdd != nil {
		_ = fsWatcher.Close()
		return errAdd
	}

	w.mu.Lock()
	w.lastHash = hashFile(w.path)
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { _ = fsWatcher.Close() }()
		w.run(runCtx, fsWatcher)
	}()

	log.WithField("path", w.path).Info("watcher: config watcher started")
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *ConfigWatcher) run(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.Reload()
		case errWatch, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			log.WithError(errWatch).Warn("watcher: filesystem watch error")
		}
	}
}

// Reload re-reads the config file and applies the hot-swappable settings.
// Unchanged content is skipped by comparing a content hash.
func (w *ConfigWatcher) Reload() {
	hash := hashFile(w.path)
	w.mu.Lock()
	unchanged := hash != "" && hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.Load(w.path)
	if err != nil {
		log.WithError(err).Warn("watcher: config reload failed, keeping previous settings")
		return
	}

	w.tariffs.Replace(cfg.Tariffs.Default, cfg.Tariffs.Overrides)
	w.keys.Replace(cfg.AllowedKeys)
	if w.limiter != nil {
		w.limiter.Update(cfg.RateLimit.Requests, cfg.RateWindow())
	}
	if w.bank != nil {
		w.bank.SetGlobalLimits(cfg.Limits.Daily, cfg.Limits.Monthly)
	}
	log.WithFields(log.Fields{
		"tariff_overrides": len(cfg.Tariffs.Overrides),
		"allowed_keys":     len(cfg.AllowedKeys),
	}).Info("watcher: config reloaded")
}

// hashFile returns the SHA-256 hex digest of the file, "" when unreadable.
func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
