// Package config loads service configuration from an optional YAML file
// and the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/pnl-ledger/internal/asset"
	"github.com/atmx/pnl-ledger/internal/pricing"
)

// Config is the full service configuration.
type Config struct {
	Port        string        `yaml:"port"`
	LogLevel    string        `yaml:"log_level"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`

	// VerifyOnLoad replays history when a book is first loaded.
	VerifyOnLoad bool          `yaml:"verify_on_load"`
	// MaxClockSkew bounds how far a client trade timestamp may lead the
	// server clock.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	Pricing Pricing `yaml:"pricing"`
	Limits  Limits  `yaml:"limits"`

	CashAssets []string `yaml:"cash_assets"`
}

// Limits configures pre-trade exposure caps. Empty or zero disables a cap.
type Limits struct {
	MaxPerAsset string            `yaml:"max_per_asset"`
	MaxPerGroup string            `yaml:"max_per_group"`
	Groups      map[string]string `yaml:"groups"` // asset symbol → group name
}

// Pricing configures the price-feed collaborator.
type Pricing struct {
	FeedURL  string        `yaml:"feed_url"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxStale time.Duration `yaml:"max_stale"`
	// Fallback holds static prices as SYMBOL=PRICE pairs.
	Fallback map[string]string `yaml:"fallback"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:       "8080",
		LogLevel:   "info",
		RedisTTL:     30 * time.Second,
		MaxClockSkew: 5 * time.Second,
		CashAssets:   append([]string(nil), asset.DefaultCash...),
		Pricing: Pricing{
			Timeout:  5 * time.Second,
			MaxStale: 15 * time.Minute,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, key string) error {
		if v := getenv(key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = dur
		}
		return nil
	}

	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.Pricing.FeedURL, "PRICE_FEED_URL")
	setString(&c.Limits.MaxPerAsset, "MAX_ASSET_EXPOSURE")
	setString(&c.Limits.MaxPerGroup, "MAX_GROUP_EXPOSURE")

	if err := setDuration(&c.RedisTTL, "REDIS_TTL"); err != nil {
		return err
	}
	if err := setDuration(&c.Pricing.Timeout, "PRICE_FEED_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Pricing.MaxStale, "PRICE_MAX_STALE"); err != nil {
		return err
	}
	if err := setDuration(&c.MaxClockSkew, "MAX_CLOCK_SKEW"); err != nil {
		return err
	}

	if v := getenv("VERIFY_ON_LOAD"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_ON_LOAD: %w", err)
		}
		c.VerifyOnLoad = b
	}
	if v := getenv("CASH_ASSETS"); v != "" {
		c.CashAssets = splitList(v)
	}
	if v := getenv("ASSET_GROUPS"); v != "" {
		c.Limits.Groups = make(map[string]string)
		for _, pair := range splitList(v) {
			sym, group, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(sym) == "" || strings.TrimSpace(group) == "" {
				return fmt.Errorf("ASSET_GROUPS: %q is not SYMBOL=GROUP", pair)
			}
			c.Limits.Groups[strings.TrimSpace(sym)] = strings.TrimSpace(group)
		}
	}
	if v := getenv("FALLBACK_PRICES"); v != "" {
		static, err := pricing.ParseStatic(v)
		if err != nil {
			return fmt.Errorf("FALLBACK_PRICES: %w", err)
		}
		c.Pricing.Fallback = make(map[string]string, len(static))
		for sym, p := range static {
			c.Pricing.Fallback[sym] = p.String()
		}
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("redis_url requires database_url"))
	}
	if c.Pricing.Timeout <= 0 {
		errs = append(errs, errors.New("pricing.timeout must be positive"))
	}
	if c.MaxClockSkew <= 0 {
		errs = append(errs, errors.New("max_clock_skew must be positive"))
	}
	if _, err := asset.NewClassifier(c.CashAssets); err != nil {
		errs = append(errs, fmt.Errorf("cash_assets: %w", err))
	}
	if _, err := c.FallbackPrices(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.ExposureLimits(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// FallbackPrices returns the static prices as a pricing source.
func (c Config) FallbackPrices() (pricing.Static, error) {
	pairs := make([]string, 0, len(c.Pricing.Fallback))
	for sym, p := range c.Pricing.Fallback {
		pairs = append(pairs, sym+"="+p)
	}
	return pricing.ParseStatic(strings.Join(pairs, ","))
}

// ExposureLimits parses the per-asset and per-group caps. Zero means no cap.
func (c Config) ExposureLimits() (perAsset, perGroup decimal.Decimal, err error) {
	parse := func(name, v string) (decimal.Decimal, error) {
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Zero, fmt.Errorf("limits.%s: %w", name, err)
		}
		if d.IsNegative() {
			return decimal.Zero, fmt.Errorf("limits.%s must not be negative", name)
		}
		return d, nil
	}
	if perAsset, err = parse("max_per_asset", c.Limits.MaxPerAsset); err != nil {
		return
	}
	perGroup, err = parse("max_per_group", c.Limits.MaxPerGroup)
	return
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
