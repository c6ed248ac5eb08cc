package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SPOTGUARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPOTGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setFloat64(&cfg.Risk.RiskPerTrade, "SPOTGUARD_RISK_PER_TRADE")
	setFloat64(&cfg.Risk.MaxSinglePosition, "SPOTGUARD_RISK_MAX_SINGLE_POSITION")
	setFloat64(&cfg.Risk.HeatCeiling, "SPOTGUARD_RISK_HEAT_CEILING")
	setFloat64(&cfg.Risk.EdgeCap, "SPOTGUARD_RISK_EDGE_CAP")
	setInt(&cfg.Risk.MaxPositions, "SPOTGUARD_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.DailyLossLimit, "SPOTGUARD_RISK_DAILY_LOSS_LIMIT")

	// ── Monitor ──
	setDuration(&cfg.Monitor.PollInterval, "SPOTGUARD_MONITOR_POLL_INTERVAL")
	setDuration(&cfg.Monitor.MaxPositionAge, "SPOTGUARD_MONITOR_MAX_POSITION_AGE")

	// ── Entry ──
	setFloat64(&cfg.Entry.MinConfidence, "SPOTGUARD_ENTRY_MIN_CONFIDENCE")
	setStringSlice(&cfg.Entry.Instruments, "SPOTGUARD_ENTRY_INSTRUMENTS")
	setBool(&cfg.Entry.SignalsEnabled, "SPOTGUARD_ENTRY_SIGNALS_ENABLED")

	// ── Ledger ──
	setFloat64(&cfg.Ledger.InitialBalance, "SPOTGUARD_LEDGER_INITIAL_BALANCE")
	setDuration(&cfg.Ledger.CooldownDuration, "SPOTGUARD_LEDGER_COOLDOWN")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "SPOTGUARD_STORAGE_BACKEND")
	setStr(&cfg.Storage.DataDir, "SPOTGUARD_STORAGE_DATA_DIR")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SPOTGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SPOTGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SPOTGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SPOTGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SPOTGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SPOTGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SPOTGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SPOTGUARD_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SPOTGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SPOTGUARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SPOTGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SPOTGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SPOTGUARD_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SPOTGUARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SPOTGUARD_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SPOTGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SPOTGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "SPOTGUARD_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SPOTGUARD_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SPOTGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SPOTGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SPOTGUARD_S3_FORCE_PATH_STYLE")

	// ── Guard ──
	setStr(&cfg.Guard.Backend, "SPOTGUARD_GUARD_BACKEND")
	setStr(&cfg.Guard.MarkerPath, "SPOTGUARD_GUARD_MARKER_PATH")

	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "SPOTGUARD_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "SPOTGUARD_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "SPOTGUARD_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "SPOTGUARD_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "SPOTGUARD_EXCHANGE_SECRET_PASSWORD")
	setBool(&cfg.Exchange.SyncBalance, "SPOTGUARD_EXCHANGE_SYNC_BALANCE")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "SPOTGUARD_FEED_SOURCE")
	setBool(&cfg.Feed.Relay, "SPOTGUARD_FEED_RELAY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SPOTGUARD_SERVER_ENABLED")
	setStr(&cfg.Server.Host, "SPOTGUARD_SERVER_HOST")
	setInt(&cfg.Server.Port, "SPOTGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SPOTGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SPOTGUARD_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SPOTGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStringSlice(&cfg.Notify.TelegramChatIDs, "SPOTGUARD_NOTIFY_TELEGRAM_CHAT_IDS")
	setStr(&cfg.Notify.DiscordWebhookURL, "SPOTGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SPOTGUARD_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SPOTGUARD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "SPOTGUARD_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "SPOTGUARD_MODE")
	setStr(&cfg.LogLevel, "SPOTGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
