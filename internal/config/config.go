// Package config loads gateway configuration from a YAML file with
// environment-variable overrides. The env names mirror the deployment's
// conventional variables so a .env file keeps working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tokengate/tokengate/internal/tariff"
)

// Environment variable names honored as overrides.
const (
	EnvConfigPath      = "CONFIG_PATH"
	EnvDBConnection    = "DB_CONNECTION"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRateLimit       = "RATE_LIMIT_REQUESTS"
	EnvRateWindow      = "RATE_LIMIT_WINDOW"
	EnvDailyLimit      = "API_DAILY_LIMIT"
	EnvMonthlyLimit    = "API_MONTHLY_LIMIT"
	EnvDefaultMax      = "DEFAULT_MAX_TOKENS"
	EnvUpstreamURL     = "LLM_SERVER_URL"
	EnvAllowedAPIKeys  = "ALLOWED_API_KEYS"
	EnvAdminToken      = "ADMIN_TOKEN"
	EnvLogLevel        = "LOG_LEVEL"
)

// Defaults applied when neither file nor environment provides a value.
const (
	defaultPort           = 8318
	defaultRateLimit      = 30
	defaultRateWindowSecs = 60
	defaultDailyLimit     = 50000
	defaultMonthlyLimit   = 1000000
	defaultMaxTokens      = 50000
	defaultUpstreamURL    = "http://localhost:8080/v1/completions"
	defaultUpstreamSecs   = 30
	defaultRetentionDays  = 365
	defaultDSN            = "./tokengate.db"
	defaultRedisPrefix    = "tokengate"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin-token"`
}

// RedisConfig holds remote counter store settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig holds fixed-window limiter settings.
type RateLimitConfig struct {
	Requests      int64 `yaml:"requests"`
	WindowSeconds int64 `yaml:"window-seconds"`
}

// LimitsConfig holds the global daily/monthly token ceilings.
type LimitsConfig struct {
	Daily   int64 `yaml:"daily"`
	Monthly int64 `yaml:"monthly"`
}

// TariffsConfig holds the default tariff and per-identity overrides.
type TariffsConfig struct {
	Default   tariff.Policy            `yaml:"default"`
	Overrides map[string]tariff.Policy `yaml:"overrides"`
}

// UpstreamConfig holds downstream generation service settings.
type UpstreamConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int64  `yaml:"timeout-seconds"`
}

// Config is the resolved gateway configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	AllowedKeys   []string        `yaml:"allowed-keys"`
	RateLimit     RateLimitConfig `yaml:"rate-limit"`
	Redis         RedisConfig     `yaml:"redis"`
	DatabaseDSN   string          `yaml:"database-dsn"`
	Limits        LimitsConfig    `yaml:"limits"`
	Tariffs       TariffsConfig   `yaml:"tariffs"`
	Upstream      UpstreamConfig  `yaml:"upstream"`
	RetentionDays int             `yaml:"retention-days"`
	LogLevel      string          `yaml:"log-level"`
}

// RateWindow returns the limiter window as a duration.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// UpstreamTimeout returns the downstream call timeout as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
			trimmed = env
		} else {
			trimmed = "./config.yaml"
		}
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the config file, fills defaults, and applies env overrides. A
// missing file is not an error; the defaults plus environment make a usable
// configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:        ServerConfig{Port: defaultPort},
		RateLimit:     RateLimitConfig{Requests: defaultRateLimit, WindowSeconds: defaultRateWindowSecs},
		Redis:         RedisConfig{Prefix: defaultRedisPrefix},
		DatabaseDSN:   defaultDSN,
		Limits:        LimitsConfig{Daily: defaultDailyLimit, Monthly: defaultMonthlyLimit},
		Tariffs:       TariffsConfig{Default: tariff.Policy{MaxTokens: defaultMaxTokens, Name: "Default", Description: "Default tariff"}},
		Upstream:      UpstreamConfig{URL: defaultUpstreamURL, TimeoutSeconds: defaultUpstreamSecs},
		RetentionDays: defaultRetentionDays,
		LogLevel:      "info",
	}

	data, errRead := os.ReadFile(path)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func applyEnvOverrides(cfg *Config) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if password := os.Getenv(EnvRedisPassword); password != "" {
		cfg.Redis.Password = password
	}
	if v, ok := envInt64(EnvRateLimit); ok {
		cfg.RateLimit.Requests = v
	}
	if v, ok := envInt64(EnvRateWindow); ok {
		cfg.RateLimit.WindowSeconds = v
	}
	if v, ok := envInt64(EnvDailyLimit); ok {
		cfg.Limits.Daily = v
	}
	if v, ok := envInt64(EnvMonthlyLimit); ok {
		cfg.Limits.Monthly = v
	}
	if v, ok := envInt64(EnvDefaultMax); ok {
		cfg.Tariffs.Default.MaxTokens = v
	}
	if url := strings.TrimSpace(os.Getenv(EnvUpstreamURL)); url != "" {
		cfg.Upstream.URL = url
	}
	if keys := strings.TrimSpace(os.Getenv(EnvAllowedAPIKeys)); keys != "" {
		cfg.AllowedKeys = splitKeys(keys)
	}
	if token := strings.TrimSpace(os.Getenv(EnvAdminToken)); token != "" {
		cfg.Server.AdminToken = token
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.LogLevel = level
	}
}

// normalize clamps out-of-range values back to defaults.
func normalize(cfg *Config) {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = defaultPort
	}
	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = defaultRateLimit
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = defaultRateWindowSecs
	}
	if cfg.Limits.Daily <= 0 {
		cfg.Limits.Daily = defaultDailyLimit
	}
	if cfg.Limits.Monthly <= 0 {
		cfg.Limits.Monthly = defaultMonthlyLimit
	}
	if cfg.Tariffs.Default.MaxTokens <= 0 {
		cfg.Tariffs.Default.MaxTokens = defaultMaxTokens
	}
	if strings.TrimSpace(cfg.Upstream.URL) == "" {
		cfg.Upstream.URL = defaultUpstreamURL
	}
	if cfg.Upstream.TimeoutSeconds <= 0 {
		cfg.Upstream.TimeoutSeconds = defaultUpstreamSecs
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		cfg.DatabaseDSN = defaultDSN
	}
}

func envInt64(name string) (int64, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
