// Package config defines the crossarb configuration file, its environment
// overrides and validation, and builds the immutable engine configuration
// from it.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CROSSARB_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Retry     RetryConfig     `toml:"retry"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Feed      FeedConfig      `toml:"feed"`
	Venues    []VenueConfig   `toml:"venues"`
	Pairs     []PairConfig    `toml:"pairs"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds scanning, sizing and execution parameters.
type EngineConfig struct {
	ScanInterval          duration `toml:"scan_interval"`
	MaxConcurrentTrades   int      `toml:"max_concurrent_trades"`
	RouteCooldown         duration `toml:"route_cooldown"`
	ShutdownGrace         duration `toml:"shutdown_grace"`
	ExecutionEnabled      bool     `toml:"execution_enabled"`
	MaxSingleTradeLossUSD float64  `toml:"max_single_trade_loss_usd"`
	RecentTrades          int      `toml:"recent_trades"`
	VolatilityWindow      duration `toml:"volatility_window"`
	VolatilitySamples     int      `toml:"volatility_samples"`

	MinProfitPct     float64  `toml:"min_profit_pct"`
	MaxTradeNotional float64  `toml:"max_trade_notional"`
	TargetSize       float64  `toml:"target_size"`
	VWAPDepth        int      `toml:"vwap_depth"`
	MinDepth         int      `toml:"min_depth"`
	MaxStaleness     duration `toml:"max_staleness"`
	VolatilityWeight float64  `toml:"volatility_weight"`

	OrderType         string   `toml:"order_type"`
	AggressivenessBps float64  `toml:"aggressiveness_bps"`
	UnwindOrderType   string   `toml:"unwind_order_type"`
	UnwindSlippageBps float64  `toml:"unwind_limit_slippage_bps"`
	StrandedHaircut   float64  `toml:"stranded_haircut"`
	CallTimeout       duration `toml:"call_timeout"`
	FillTimeout       duration `toml:"fill_timeout"`
	FillPollInterval  duration `toml:"fill_poll_interval"`
	CleanupTimeout    duration `toml:"cleanup_timeout"`
}

// RiskConfig holds circuit-breaker thresholds per scope.
type RiskConfig struct {
	GlobalConsecutiveLosses int     `toml:"global_consecutive_losses"`
	GlobalWindowLossUSD     float64 `toml:"global_loss_window_limit_usd"`
	VenueConsecutiveLosses  int     `toml:"venue_consecutive_losses"`
	VenueWindowLossUSD      float64 `toml:"venue_loss_window_limit_usd"`
	PairConsecutiveLosses   int     `toml:"pair_consecutive_losses"`
	PairWindowLossUSD       float64 `toml:"pair_loss_window_limit_usd"`

	LossWindow         duration `toml:"loss_window"`
	BaseCooldown       duration `toml:"base_cooldown"`
	MaxCooldown        duration `toml:"max_cooldown"`
	CooldownMultiplier float64  `toml:"cooldown_multiplier"`
	MaxOvershootScale  float64  `toml:"max_overshoot_scale"`
	HalfOpenMultiplier float64  `toml:"half_open_multiplier"`
	HalfOpenSuccesses  int      `toml:"half_open_successes"`

	MinTradeNotional float64  `toml:"min_trade_notional"`
	MaxDailyTrades   int      `toml:"max_daily_trades"`
	OutcomeDedupTTL  duration `toml:"outcome_dedup_ttl"`

	// Opportunities outside these bounds are treated as bad data.
	MaxPriceDeviation float64 `toml:"max_price_deviation"`
	MaxProfitPct      float64 `toml:"max_profit_pct"`

	VenueErrorLimit  int      `toml:"venue_error_limit"`
	VenueErrorWindow duration `toml:"venue_error_window"`
}

// RetryConfig holds the venue-call retry policy.
type RetryConfig struct {
	MaxAttempts         int      `toml:"max_attempts"`
	MaxElapsed          duration `toml:"max_elapsed"`
	InitialInterval     duration `toml:"initial_interval"`
	MaxInterval         duration `toml:"max_interval"`
	Multiplier          float64  `toml:"multiplier"`
	RandomizationFactor float64  `toml:"randomization_factor"`
}

// ReconcileConfig holds reconciliation parameters.
type ReconcileConfig struct {
	Interval             duration `toml:"interval"`
	BalanceTolerance     float64  `toml:"balance_tolerance"`
	BalanceTripThreshold float64  `toml:"balance_trip_threshold"`
	CallTimeout          duration `toml:"call_timeout"`
	LockTTL              duration `toml:"lock_ttl"`
}

// FeedConfig selects how order books are obtained.
type FeedConfig struct {
	// Source is "poll" or "stream". Stream uses each venue's ws_url and falls
	// back to polling for venues without one.
	Source       string   `toml:"source"`
	PollInterval duration `toml:"poll_interval"`
	Depth        int      `toml:"depth"`
	CallTimeout  duration `toml:"call_timeout"`
	// BookCacheTTL is how long a mirrored book stays readable in Redis.
	BookCacheTTL duration `toml:"book_cache_ttl"`
}

// VenueConfig describes one trading venue.
type VenueConfig struct {
	ID      string  `toml:"id"`
	Kind    string  `toml:"kind"`
	BaseURL string  `toml:"base_url"`
	WSURL   string  `toml:"ws_url"`
	FeeRate float64 `toml:"fee_rate"`

	APIKey              string `toml:"api_key"`
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	Timeout          duration `toml:"timeout"`
	RateLimit        float64  `toml:"rate_limit"`
	Burst            int      `toml:"burst"`
	SharedRateLimit  int      `toml:"shared_rate_limit"`
	SharedRateWindow duration `toml:"shared_rate_window"`

	// Paper venues only. Mirror names a rest venue whose books the paper
	// venue re-publishes under its own id, so dry runs see live prices.
	Mirror    string             `toml:"mirror"`
	Balances  map[string]float64 `toml:"balances"`
	FillRatio float64            `toml:"fill_ratio"`
	Latency   duration           `toml:"latency"`
}

// PairConfig lists the venues an instrument is traded on.
type PairConfig struct {
	Symbol string   `toml:"symbol"`
	Venues []string `toml:"venues"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	MaxConnIdle   duration `toml:"max_conn_idle"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds object storage parameters for the trade archive.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveAfter    duration `toml:"archive_after"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds the operator HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64 `toml:"rate_limit"`
}

// NotifyConfig holds alert channel credentials and filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	MinSeverity       string   `toml:"min_severity"`
	Scopes            []string `toml:"scopes"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every section populated except venues and
// pairs, which have no sensible default.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ScanInterval:          duration{500 * time.Millisecond},
			MaxConcurrentTrades:   4,
			RouteCooldown:         duration{5 * time.Second},
			ShutdownGrace:         duration{30 * time.Second},
			ExecutionEnabled:      true,
			MaxSingleTradeLossUSD: 20,
			RecentTrades:          200,
			VolatilityWindow:      duration{5 * time.Minute},
			VolatilitySamples:     300,
			MinProfitPct:          0.0015,
			MaxTradeNotional:      100,
			TargetSize:            1,
			VWAPDepth:             10,
			MinDepth:              1,
			MaxStaleness:          duration{2 * time.Second},
			VolatilityWeight:      1000,
			OrderType:             "limit",
			AggressivenessBps:     5,
			UnwindOrderType:       "market",
			UnwindSlippageBps:     50,
			StrandedHaircut:       0.01,
			CallTimeout:           duration{5 * time.Second},
			FillTimeout:           duration{10 * time.Second},
			FillPollInterval:      duration{250 * time.Millisecond},
			CleanupTimeout:        duration{30 * time.Second},
		},
		Risk: RiskConfig{
			GlobalConsecutiveLosses: 5,
			GlobalWindowLossUSD:     500,
			VenueConsecutiveLosses:  3,
			VenueWindowLossUSD:      200,
			PairConsecutiveLosses:   3,
			PairWindowLossUSD:       100,
			LossWindow:              duration{24 * time.Hour},
			BaseCooldown:            duration{10 * time.Minute},
			MaxCooldown:             duration{4 * time.Hour},
			CooldownMultiplier:      2,
			MaxOvershootScale:       4,
			HalfOpenMultiplier:      0.25,
			HalfOpenSuccesses:       3,
			MinTradeNotional:        10,
			MaxDailyTrades:          1000,
			OutcomeDedupTTL:         duration{48 * time.Hour},
			MaxPriceDeviation:       0.05,
			MaxProfitPct:            0.02,
			VenueErrorLimit:         20,
			VenueErrorWindow:        duration{time.Hour},
		},
		Retry: RetryConfig{
			MaxAttempts:         4,
			MaxElapsed:          duration{5 * time.Second},
			InitialInterval:     duration{100 * time.Millisecond},
			MaxInterval:         duration{time.Second},
			Multiplier:          2,
			RandomizationFactor: 0.5,
		},
		Reconcile: ReconcileConfig{
			Interval:             duration{30 * time.Second},
			BalanceTolerance:     0.01,
			BalanceTripThreshold: 0.05,
			CallTimeout:          duration{5 * time.Second},
			LockTTL:              duration{25 * time.Second},
		},
		Feed: FeedConfig{
			Source:       "poll",
			PollInterval: duration{time.Second},
			Depth:        10,
			CallTimeout:  duration{2 * time.Second},
			BookCacheTTL: duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "crossarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			MaxConnIdle:   duration{5 * time.Minute},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "crossarb:",
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "crossarb-archive",
			ForcePathStyle:  true,
			ArchiveAfter:    duration{7 * 24 * time.Hour},
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   20,
		},
		Notify: NotifyConfig{
			MinSeverity: "warning",
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var (
	validModes      = map[string]bool{"trade": true, "monitor": true, "server": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validVenueKinds = map[string]bool{"paper": true, "rest": true}
	validOrderTypes = map[string]bool{"limit": true, "market": true}
	validSeverities = map[string]bool{"info": true, "warning": true, "high": true, "critical": true}
	venueIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, monitor, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Venues
	if len(c.Venues) == 0 {
		add("venues: at least one venue is required")
	}
	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		if !venueIDPattern.MatchString(v.ID) {
			add("venues[%d]: id %q must be lowercase letters, digits, '-' or '_'", i, v.ID)
		}
		if seen[v.ID] {
			add("venues[%d]: duplicate id %q", i, v.ID)
		}
		seen[v.ID] = true
		if !validVenueKinds[v.Kind] {
			add("venues[%d]: unknown kind %q (valid: paper, rest)", i, v.Kind)
		}
		if v.FeeRate < 0 || v.FeeRate >= 0.1 {
			add("venues[%d]: fee_rate %v outside [0, 0.1)", i, v.FeeRate)
		}
		if v.Kind == "rest" {
			if v.BaseURL == "" {
				add("venues[%d]: base_url is required for rest venues", i)
			}
			if c.Mode == "trade" && v.APISecret == "" && v.EncryptedSecretPath == "" {
				add("venues[%d]: api_secret or encrypted_secret_path is required to trade", i)
			}
			if v.EncryptedSecretPath != "" && v.SecretPassword == "" {
				add("venues[%d]: secret_password is required when encrypted_secret_path is set", i)
			}
		}
		if v.SharedRateLimit > 0 && !c.Redis.Enabled {
			add("venues[%d]: shared_rate_limit needs redis.enabled", i)
		}
	}

	for i, v := range c.Venues {
		if v.Mirror == "" {
			continue
		}
		src, ok := c.Venue(v.Mirror)
		switch {
		case v.Kind != "paper":
			add("venues[%d]: mirror is only valid for paper venues", i)
		case !ok:
			add("venues[%d]: mirror names unknown venue %q", i, v.Mirror)
		case src.Kind != "rest":
			add("venues[%d]: mirror must name a rest venue, %q is %s", i, v.Mirror, src.Kind)
		}
	}

	// Pairs
	if len(c.Pairs) == 0 {
		add("pairs: at least one pair is required")
	}
	for i, p := range c.Pairs {
		if !strings.Contains(p.Symbol, "/") {
			add("pairs[%d]: symbol %q must be BASE/QUOTE", i, p.Symbol)
		}
		if len(p.Venues) < 2 {
			add("pairs[%d]: %s needs at least two venues", i, p.Symbol)
		}
		for _, v := range p.Venues {
			if !seen[v] {
				add("pairs[%d]: unknown venue %q", i, v)
			}
		}
	}

	// Engine
	e := c.Engine
	if e.MaxConcurrentTrades < 1 {
		add("engine: max_concurrent_trades must be >= 1")
	}
	if e.ScanInterval.Duration <= 0 {
		add("engine: scan_interval must be > 0")
	}
	if e.MinProfitPct <= 0 {
		add("engine: min_profit_pct must be > 0")
	}
	if e.MaxTradeNotional <= 0 {
		add("engine: max_trade_notional must be > 0")
	}
	if e.TargetSize <= 0 {
		add("engine: target_size must be > 0")
	}
	if e.VWAPDepth < 1 || e.MinDepth < 1 || e.MinDepth > e.VWAPDepth {
		add("engine: need 1 <= min_depth <= vwap_depth")
	}
	if e.MaxStaleness.Duration <= 0 {
		add("engine: max_staleness must be > 0")
	}
	if !validOrderTypes[e.OrderType] {
		add("engine: unknown order_type %q", e.OrderType)
	}
	if !validOrderTypes[e.UnwindOrderType] {
		add("engine: unknown unwind_order_type %q", e.UnwindOrderType)
	}
	if e.StrandedHaircut < 0 || e.StrandedHaircut >= 1 {
		add("engine: stranded_haircut must be in [0, 1)")
	}

	// Risk
	r := c.Risk
	if r.CooldownMultiplier < 1 {
		add("risk: cooldown_multiplier must be >= 1")
	}
	if r.BaseCooldown.Duration <= 0 || r.MaxCooldown.Duration < r.BaseCooldown.Duration {
		add("risk: need 0 < base_cooldown <= max_cooldown")
	}
	if r.MaxPriceDeviation < 0 || r.MaxProfitPct < 0 {
		add("risk: max_price_deviation and max_profit_pct must be >= 0")
	}
	if r.MaxProfitPct > 0 && r.MaxProfitPct <= e.MinProfitPct {
		add("risk: max_profit_pct must exceed engine.min_profit_pct")
	}
	if r.VenueErrorLimit > 0 && r.VenueErrorWindow.Duration <= 0 {
		add("risk: venue_error_window must be > 0 when venue_error_limit is set")
	}
	if r.HalfOpenMultiplier <= 0 || r.HalfOpenMultiplier > 1 {
		add("risk: half_open_multiplier must be in (0, 1]")
	}
	if r.HalfOpenSuccesses < 1 {
		add("risk: half_open_successes must be >= 1")
	}
	if r.LossWindow.Duration <= 0 {
		add("risk: loss_window must be > 0")
	}
	if r.MinTradeNotional < 0 || r.MinTradeNotional > e.MaxTradeNotional {
		add("risk: min_trade_notional must be in [0, engine.max_trade_notional]")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		add("retry: max_attempts must be >= 1")
	}
	if c.Retry.MaxElapsed.Duration <= 0 {
		add("retry: max_elapsed must be > 0")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		add("reconcile: interval must be > 0")
	}
	if c.Reconcile.BalanceTolerance <= 0 || c.Reconcile.BalanceTripThreshold < c.Reconcile.BalanceTolerance {
		add("reconcile: need 0 < balance_tolerance <= balance_trip_threshold")
	}

	// Feed
	if c.Feed.Source != "poll" && c.Feed.Source != "stream" {
		add("feed: unknown source %q (valid: poll, stream)", c.Feed.Source)
	}
	if c.Feed.PollInterval.Duration <= 0 {
		add("feed: poll_interval must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.Enabled && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			add("s3: archiving needs postgres.enabled")
		}
	}

	// Server
	if c.Server.Enabled || c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
	}

	// Notify
	if !validSeverities[strings.ToLower(c.Notify.MinSeverity)] {
		add("notify: unknown min_severity %q", c.Notify.MinSeverity)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Venue returns the venue with the given id.
func (c *Config) Venue(id string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.ID == id {
			return v, true
		}
	}
	return VenueConfig{}, false
}
