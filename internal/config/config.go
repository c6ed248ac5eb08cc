// Package config defines the top-level configuration for spotguard and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPOTGUARD_* environment variables.
type Config struct {
	Risk     RiskConfig     `toml:"risk"`
	Exits    ExitsConfig    `toml:"exits"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Entry    EntryConfig    `toml:"entry"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Guard    GuardConfig    `toml:"guard"`
	Exchange ExchangeConfig `toml:"exchange"`
	Feed     FeedConfig     `toml:"feed"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// RiskConfig holds sizing and portfolio limits.
type RiskConfig struct {
	RiskPerTrade      float64 `toml:"risk_per_trade"`
	MaxSinglePosition float64 `toml:"max_single_position"`
	HeatCeiling       float64 `toml:"heat_ceiling"`
	EdgeCap           float64 `toml:"edge_cap"`
	MinEdge           float64 `toml:"min_edge"`
	KellyMinTrades    int     `toml:"kelly_min_trades"`
	VolatilityScaling bool    `toml:"volatility_scaling"`
	MinQuantity       float64 `toml:"min_quantity"`
	QuantityStep      float64 `toml:"quantity_step"`
	MaxPositions      int     `toml:"max_positions"`
	DailyLossLimit    float64 `toml:"daily_loss_limit"`
}

// ExitsConfig holds protective level and trailing-stop parameters.
type ExitsConfig struct {
	StopATRMultiplier  float64 `toml:"stop_atr_multiplier"`
	StopPct            float64 `toml:"stop_pct"`
	RewardRisk         float64 `toml:"reward_risk"`
	TrailActivationPct float64 `toml:"trail_activation_pct"`
	TrailATRMultiplier float64 `toml:"trail_atr_multiplier"`
	TrailFallbackPct   float64 `toml:"trail_fallback_pct"`
	TrailTightenRate   float64 `toml:"trail_tighten_rate"`
	TrailMinScale      float64 `toml:"trail_min_scale"`
}

// MonitorConfig holds per-instrument polling parameters.
type MonitorConfig struct {
	PollInterval     Duration `toml:"poll_interval"`
	PriceTimeout     Duration `toml:"price_timeout"`
	MaxTickJumpPct   float64  `toml:"max_tick_jump_pct"`
	StopConfirmTicks int      `toml:"stop_confirm_ticks"`
	SweepInterval    Duration `toml:"sweep_interval"`
	MaxPositionAge   Duration `toml:"max_position_age"`
}

// EntryConfig holds the entry pipeline gates and the signal source.
type EntryConfig struct {
	MinConfidence  float64  `toml:"min_confidence"`
	DedupTTL       Duration `toml:"dedup_ttl"`
	Instruments    []string `toml:"instruments"`
	SignalChannel  string   `toml:"signal_channel"`
	SlippageBps    float64  `toml:"slippage_bps"`
	SignalsEnabled bool     `toml:"signals_enabled"`
}

// LedgerConfig holds balance, cooldown and close-retry parameters.
type LedgerConfig struct {
	InitialBalance   float64  `toml:"initial_balance"`
	CooldownDuration Duration `toml:"cooldown"`
	MaxCloseAttempts int      `toml:"max_close_attempts"`
	FeeRate          float64  `toml:"fee_rate"`
	EventBuffer      int      `toml:"event_buffer"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Backend string `toml:"backend"` // file | postgres
	DataDir string `toml:"data_dir"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnTimeout   Duration `toml:"conn_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	EventChannel string   `toml:"event_channel"`
	EventStream  string   `toml:"event_stream"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	PriceMaxAge  Duration `toml:"price_max_age"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// GuardConfig selects the process exclusivity guard.
type GuardConfig struct {
	Backend    string   `toml:"backend"` // file | redis
	MarkerPath string   `toml:"marker_path"`
	Name       string   `toml:"name"`
	TTL        Duration `toml:"ttl"`
}

// ExchangeConfig holds exchange REST credentials and balance sync.
type ExchangeConfig struct {
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	RecvWindow          Duration `toml:"recv_window"`
	Timeout             Duration `toml:"timeout"`
	KlineInterval       string   `toml:"kline_interval"`
	ATRPeriod           int      `toml:"atr_period"`
	QuoteAsset          string   `toml:"quote_asset"`
	SyncBalance         bool     `toml:"sync_balance"`
	BalanceInterval     Duration `toml:"balance_interval"`
}

// FeedConfig selects where monitor units read prices from.
type FeedConfig struct {
	Source       string   `toml:"source"` // exchange | redis
	Relay        bool     `toml:"relay"`
	PriceChannel string   `toml:"price_channel"`
	PollInterval Duration `toml:"poll_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatIDs   []string `toml:"telegram_chat_ids"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	Events            []string `toml:"events"`
}

// ArchiveConfig controls the off-host trade archive.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

// Duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			RiskPerTrade:      0.01,
			MaxSinglePosition: 0.25,
			HeatCeiling:       0.15,
			EdgeCap:           0.20,
			MinEdge:           0.05,
			KellyMinTrades:    20,
			VolatilityScaling: true,
			QuantityStep:      0.00001,
			MaxPositions:      5,
			DailyLossLimit:    0.05,
		},
		Exits: ExitsConfig{
			StopATRMultiplier:  2.0,
			StopPct:            0.03,
			RewardRisk:         2.0,
			TrailActivationPct: 0.015,
			TrailATRMultiplier: 2.0,
			TrailFallbackPct:   0.01,
			TrailTightenRate:   10,
			TrailMinScale:      0.5,
		},
		Monitor: MonitorConfig{
			PollInterval:     Duration{30 * time.Second},
			PriceTimeout:     Duration{10 * time.Second},
			MaxTickJumpPct:   0.10,
			StopConfirmTicks: 1,
			SweepInterval:    Duration{5 * time.Minute},
			MaxPositionAge:   Duration{24 * time.Hour},
		},
		Entry: EntryConfig{
			MinConfidence:  0.6,
			DedupTTL:       Duration{10 * time.Minute},
			SignalChannel:  "signals",
			SlippageBps:    5,
			SignalsEnabled: true,
		},
		Ledger: LedgerConfig{
			InitialBalance:   1000,
			CooldownDuration: Duration{20 * time.Minute},
			MaxCloseAttempts: 3,
			FeeRate:          0.001,
			EventBuffer:      500,
		},
		Storage: StorageConfig{
			Backend: "file",
			DataDir: "data",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spotguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			ConnTimeout:   Duration{10 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "spotguard",
			EventChannel: "events",
			EventStream:  "events:log",
			StreamMaxLen: 10000,
			PriceMaxAge:  Duration{2 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "spotguard-archive",
			ForcePathStyle: true,
		},
		Guard: GuardConfig{
			Backend:    "file",
			MarkerPath: "data/spotguard.lock",
			Name:       "ledger",
			TTL:        Duration{30 * time.Second},
		},
		Exchange: ExchangeConfig{
			BaseURL:         "https://api.binance.com",
			RecvWindow:      Duration{5 * time.Second},
			Timeout:         Duration{10 * time.Second},
			KlineInterval:   "1h",
			ATRPeriod:       14,
			QuoteAsset:      "USDT",
			BalanceInterval: Duration{15 * time.Minute},
		},
		Feed: FeedConfig{
			Source:       "exchange",
			PriceChannel: "prices",
			PollInterval: Duration{5 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			DiscordUsername: "spotguard",
			Events:          []string{"position_closed", "close_failed", "forced_removal", "invariant_violation", "stale_sweep"},
		},
		Archive: ArchiveConfig{
			Interval: Duration{6 * time.Hour},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"report":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, monitor, report)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Risk
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.1 {
		add("risk: risk_per_trade must be in (0, 0.1], got %g", c.Risk.RiskPerTrade)
	}
	if c.Risk.MaxSinglePosition <= 0 || c.Risk.MaxSinglePosition > 1 {
		add("risk: max_single_position must be in (0, 1], got %g", c.Risk.MaxSinglePosition)
	}
	if c.Risk.HeatCeiling <= 0 || c.Risk.HeatCeiling > 1 {
		add("risk: heat_ceiling must be in (0, 1], got %g", c.Risk.HeatCeiling)
	}
	if c.Risk.EdgeCap <= 0 {
		add("risk: edge_cap must be > 0")
	}
	if c.Risk.MinEdge < 0 || c.Risk.MinEdge > c.Risk.EdgeCap {
		add("risk: min_edge must be in [0, edge_cap]")
	}
	if c.Risk.MaxPositions < 0 {
		add("risk: max_positions must be >= 0")
	}
	if c.Risk.DailyLossLimit < 0 || c.Risk.DailyLossLimit >= 1 {
		add("risk: daily_loss_limit must be in [0, 1)")
	}

	// Exits
	if c.Exits.StopATRMultiplier <= 0 && c.Exits.StopPct <= 0 {
		add("exits: stop_atr_multiplier or stop_pct must be > 0")
	}
	if c.Exits.RewardRisk <= 0 {
		add("exits: reward_risk must be > 0")
	}
	if c.Exits.TrailActivationPct <= 0 {
		add("exits: trail_activation_pct must be > 0")
	}
	if c.Exits.TrailATRMultiplier <= 0 && c.Exits.TrailFallbackPct <= 0 {
		add("exits: trail_atr_multiplier or trail_fallback_pct must be > 0")
	}
	if c.Exits.TrailMinScale < 0.5 || c.Exits.TrailMinScale > 1 {
		add("exits: trail_min_scale must be in [0.5, 1], got %g", c.Exits.TrailMinScale)
	}

	// Monitor
	if c.Monitor.PollInterval.Duration <= 0 {
		add("monitor: poll_interval must be > 0")
	}
	if c.Monitor.StopConfirmTicks < 1 {
		add("monitor: stop_confirm_ticks must be >= 1")
	}
	if c.Monitor.MaxTickJumpPct < 0 {
		add("monitor: max_tick_jump_pct must be >= 0")
	}

	// Ledger
	if c.Ledger.InitialBalance <= 0 {
		add("ledger: initial_balance must be > 0")
	}
	if c.Ledger.MaxCloseAttempts < 1 {
		add("ledger: max_close_attempts must be >= 1")
	}
	if c.Ledger.FeeRate < 0 || c.Ledger.FeeRate >= 0.1 {
		add("ledger: fee_rate must be in [0, 0.1)")
	}

	// Storage
	switch c.Storage.Backend {
	case "file":
		if c.Storage.DataDir == "" {
			add("storage: data_dir must not be empty for the file backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
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
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	default:
		add("storage: unknown backend %q (valid: file, postgres)", c.Storage.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// Guard
	switch c.Guard.Backend {
	case "file":
		if c.Guard.MarkerPath == "" {
			add("guard: marker_path must not be empty for the file backend")
		}
	case "redis":
		if !c.Redis.Enabled {
			add("guard: the redis backend requires redis.enabled")
		}
		if c.Guard.TTL.Duration < 3*time.Second {
			add("guard: ttl must be >= 3s")
		}
	default:
		add("guard: unknown backend %q (valid: file, redis)", c.Guard.Backend)
	}

	// Feed
	switch c.Feed.Source {
	case "exchange":
	case "redis":
		if !c.Redis.Enabled {
			add("feed: the redis source requires redis.enabled")
		}
	default:
		add("feed: unknown source %q (valid: exchange, redis)", c.Feed.Source)
	}
	if c.Feed.Relay && !c.Redis.Enabled {
		add("feed: relay requires redis.enabled")
	}

	// Exchange
	if c.Exchange.BaseURL == "" {
		add("exchange: base_url must not be empty")
	}
	if c.Exchange.SyncBalance {
		if c.Exchange.APIKey == "" {
			add("exchange: api_key is required when sync_balance is set")
		}
		if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
			add("exchange: api_secret or encrypted_secret_path is required when sync_balance is set")
		}
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
		add("exchange: secret_password is required when encrypted_secret_path is set")
	}

	// Archive
	if c.Archive.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty when archive is enabled")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
