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
// built-in defaults, applies LIVEWAGER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known LIVEWAGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "LIVEWAGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LIVEWAGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.InternalAPIKey, "LIVEWAGER_SERVER_INTERNAL_API_KEY")
	setDuration(&cfg.Server.ShutdownGrace, "LIVEWAGER_SERVER_SHUTDOWN_GRACE")
	setInt(&cfg.Server.APIRateLimit, "LIVEWAGER_SERVER_API_RATE_LIMIT")
	setDuration(&cfg.Server.APIRateWindow, "LIVEWAGER_SERVER_API_RATE_WINDOW")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "LIVEWAGER_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "LIVEWAGER_AUTH_ISSUER")
	setDuration(&cfg.Auth.Leeway, "LIVEWAGER_AUTH_LEEWAY")
	setBool(&cfg.Auth.AllowQueryToken, "LIVEWAGER_AUTH_ALLOW_QUERY_TOKEN")

	// ── Gateway ──
	setInt(&cfg.Gateway.SendBuffer, "LIVEWAGER_GATEWAY_SEND_BUFFER")
	setStr(&cfg.Gateway.OverflowPolicy, "LIVEWAGER_GATEWAY_OVERFLOW_POLICY")
	setDuration(&cfg.Gateway.ExpiryCheckInterval, "LIVEWAGER_GATEWAY_EXPIRY_CHECK_INTERVAL")
	setInt64(&cfg.Gateway.MaxMessageSize, "LIVEWAGER_GATEWAY_MAX_MESSAGE_SIZE")
	setFloat64(&cfg.Gateway.JoinRatePerSec, "LIVEWAGER_GATEWAY_JOIN_RATE_PER_SEC")
	setInt(&cfg.Gateway.JoinBurst, "LIVEWAGER_GATEWAY_JOIN_BURST")

	// ── Dispatch ──
	setBool(&cfg.Dispatch.BusEnabled, "LIVEWAGER_DISPATCH_BUS_ENABLED")
	setStr(&cfg.Dispatch.BusChannelPrefix, "LIVEWAGER_DISPATCH_BUS_CHANNEL_PREFIX")

	// ── Wager ──
	setDuration(&cfg.Wager.SubmitTimeout, "LIVEWAGER_WAGER_SUBMIT_TIMEOUT")
	setInt64(&cfg.Wager.RateToleranceBps, "LIVEWAGER_WAGER_RATE_TOLERANCE_BPS")
	setDuration(&cfg.Wager.IdempotencyTTL, "LIVEWAGER_WAGER_IDEMPOTENCY_TTL")
	setInt(&cfg.Wager.SubmitRateLimit, "LIVEWAGER_WAGER_SUBMIT_RATE_LIMIT")
	setDuration(&cfg.Wager.SubmitRateWindow, "LIVEWAGER_WAGER_SUBMIT_RATE_WINDOW")
	setDuration(&cfg.Wager.ReconcileEvery, "LIVEWAGER_WAGER_RECONCILE_EVERY")

	// ── Ledger ──
	setStr(&cfg.Ledger.BaseURL, "LIVEWAGER_LEDGER_BASE_URL")
	setStr(&cfg.Ledger.APIKey, "LIVEWAGER_LEDGER_API_KEY")
	setStr(&cfg.Ledger.APISecret, "LIVEWAGER_LEDGER_API_SECRET")
	setDuration(&cfg.Ledger.Timeout, "LIVEWAGER_LEDGER_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LIVEWAGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LIVEWAGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LIVEWAGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LIVEWAGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LIVEWAGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LIVEWAGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LIVEWAGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LIVEWAGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LIVEWAGER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "LIVEWAGER_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "LIVEWAGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LIVEWAGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LIVEWAGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LIVEWAGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LIVEWAGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LIVEWAGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LIVEWAGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "LIVEWAGER_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LIVEWAGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LIVEWAGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "LIVEWAGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LIVEWAGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LIVEWAGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LIVEWAGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LIVEWAGER_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LIVEWAGER_S3_PREFIX")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LIVEWAGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "LIVEWAGER_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "LIVEWAGER_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LIVEWAGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LIVEWAGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LIVEWAGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LIVEWAGER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.MinInterval, "LIVEWAGER_NOTIFY_MIN_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "LIVEWAGER_MODE")
	setStr(&cfg.LogLevel, "LIVEWAGER_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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

func setDuration(dst *duration, key string) {
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
