package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	s3blob "github.com/alanyoungcy/spotguard/internal/blob/s3"
	"github.com/alanyoungcy/spotguard/internal/cache/redis"
	"github.com/alanyoungcy/spotguard/internal/config"
	"github.com/alanyoungcy/spotguard/internal/crypto"
	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/guard"
	"github.com/alanyoungcy/spotguard/internal/notify"
	"github.com/alanyoungcy/spotguard/internal/platform/binance"
	"github.com/alanyoungcy/spotguard/internal/server/handler"
	"github.com/alanyoungcy/spotguard/internal/store/filestore"
	"github.com/alanyoungcy/spotguard/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. The ledger itself is built by the engine modes after the guard is
// held, so two processes never restore the same state.
type Dependencies struct {
	// Durable state
	Store domain.Persistence
	Audit domain.AuditStore // nil with the file backend

	// Redis (nil unless redis.enabled)
	Redis      *redis.Client
	PriceCache *redis.PriceCache
	SignalBus  domain.SignalBus

	// Exchange and prices
	Exchange  *binance.Client
	PriceFeed domain.PriceFeed
	Prices    domain.PriceBatch // batch reads from the same source as PriceFeed

	Guard    guard.Guard
	Archiver domain.Archiver // nil unless archive.enabled
	Notifier *notify.Notifier

	// Health checks served by GET /api/health.
	Checks map[string]handler.Check
}

// needsRuntime reports whether mode runs the engine rather than a one-shot
// report.
func needsRuntime(mode string) bool {
	switch strings.ToLower(mode) {
	case "trade", "monitor":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Durable store ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:         cfg.Postgres.DSN,
			Host:        cfg.Postgres.Host,
			Port:        cfg.Postgres.Port,
			Database:    cfg.Postgres.Database,
			User:        cfg.Postgres.User,
			Password:    cfg.Postgres.Password,
			SSLMode:     cfg.Postgres.SSLMode,
			MaxConns:    cfg.Postgres.PoolMaxConns,
			MinConns:    cfg.Postgres.PoolMinConns,
			ConnTimeout: cfg.Postgres.ConnTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Store = postgres.NewStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		fs, err := filestore.New(cfg.Storage.DataDir, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: filestore: %w", err))
		}
		deps.Store = fs
	}

	if !needsRuntime(cfg.Mode) {
		// Report mode only touches the store and, with --recalculate, the
		// file guard.
		if cfg.Guard.Backend == "file" {
			deps.Guard = guard.NewFileGuard(cfg.Guard.MarkerPath, logger)
		}
		return deps, cleanup, nil
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Redis = rc
		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceMaxAge.Duration)
		deps.SignalBus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = rc.Ping
	}

	// --- Exchange ---
	exCfg := binance.Config{
		BaseURL:       cfg.Exchange.BaseURL,
		APIKey:        cfg.Exchange.APIKey,
		RecvWindow:    cfg.Exchange.RecvWindow.Duration,
		Timeout:       cfg.Exchange.Timeout.Duration,
		KlineInterval: cfg.Exchange.KlineInterval,
		ATRPeriod:     cfg.Exchange.ATRPeriod,
	}
	if cfg.Exchange.APISecret != "" || cfg.Exchange.EncryptedSecretPath != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           cfg.Exchange.APISecret,
			EncryptedPath: cfg.Exchange.EncryptedSecretPath,
			Password:      cfg.Exchange.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: exchange secret: %w", err))
		}
		exCfg.Secret = secret
	}
	deps.Exchange = binance.NewClient(exCfg, logger)
	deps.Checks["exchange"] = deps.Exchange.Ping

	switch cfg.Feed.Source {
	case "redis":
		deps.PriceFeed = deps.PriceCache
		deps.Prices = deps.PriceCache
	default:
		deps.PriceFeed = deps.Exchange
		deps.Prices = deps.Exchange
	}

	// --- Exclusivity guard ---
	switch cfg.Guard.Backend {
	case "redis":
		deps.Guard = guard.NewRedisGuard(
			redis.NewMarker(deps.Redis, cfg.Guard.Name, cfg.Guard.TTL.Duration),
			logger,
		)
	default:
		path := cfg.Guard.MarkerPath
		if path == "" {
			path = filepath.Join(cfg.Storage.DataDir, "spotguard.lock")
		}
		deps.Guard = guard.NewFileGuard(path, logger)
	}

	// --- S3 trade archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Store,
			deps.Audit,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && len(cfg.Notify.TelegramChatIDs) > 0 {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatIDs...,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(
			cfg.Notify.DiscordWebhookURL,
			cfg.Notify.DiscordUsername,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
