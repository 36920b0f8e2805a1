package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/livewager/internal/blob/s3"
	"github.com/alanyoungcy/livewager/internal/cache/redis"
	"github.com/alanyoungcy/livewager/internal/config"
	"github.com/alanyoungcy/livewager/internal/crypto"
	"github.com/alanyoungcy/livewager/internal/domain"
	"github.com/alanyoungcy/livewager/internal/ledger"
	"github.com/alanyoungcy/livewager/internal/notify"
	"github.com/alanyoungcy/livewager/internal/server/handler"
	"github.com/alanyoungcy/livewager/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency the modes need. Fields
// for backends a mode does not use are nil. It is constructed by Wire and torn
// down by the returned cleanup function.
type Dependencies struct {
	// Stores
	WagerStore *postgres.WagerStore
	AuditStore domain.AuditStore

	// Caches
	QuoteCache   domain.QuoteCache
	BalanceCache domain.BalanceCache
	Idempotency  domain.IdempotencyStore
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	// Collaborators
	Ledger   *ledger.Client
	Notifier *notify.Notifier

	// HealthChecks holds one probe per connected backend.
	HealthChecks map[string]handler.HealthCheck
}

// needsRedis reports whether cfg uses any Redis-backed component.
func needsRedis(cfg *config.Config) bool {
	return cfg.NeedsStorage() || cfg.Dispatch.BusEnabled
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- PostgreSQL ---
	if cfg.NeedsStorage() {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			logger.InfoContext(ctx, "postgres migrations applied")
		}

		pool := pgClient.Pool()
		deps.WagerStore = postgres.NewWagerStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.QuoteCache = redis.NewQuoteCache(redisClient)
		deps.BalanceCache = redis.NewBalanceCache(redisClient)
		deps.Idempotency = redis.NewIdempotencyStore(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage (archive only) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Ledger ---
	if cfg.NeedsStorage() {
		var signer *crypto.HMACAuth
		if cfg.Ledger.APIKey != "" {
			signer = &crypto.HMACAuth{Key: cfg.Ledger.APIKey, Secret: cfg.Ledger.APISecret}
		}
		deps.Ledger = ledger.NewClient(cfg.Ledger.BaseURL, signer, cfg.Ledger.Timeout.Duration)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, "livewager"))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.MinInterval.Duration, logger)

	return deps, cleanup, nil
}
