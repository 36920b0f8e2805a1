// Package config defines the top-level configuration for livewagerd and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LIVEWAGER_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Wager    WagerConfig    `toml:"wager"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	InternalAPIKey string   `toml:"internal_api_key"`
	ShutdownGrace  duration `toml:"shutdown_grace"`
	// APIRateLimit caps /api requests per client IP per APIRateWindow.
	// Zero disables it.
	APIRateLimit  int      `toml:"api_rate_limit"`
	APIRateWindow duration `toml:"api_rate_window"`
}

// AuthConfig holds bearer-token verification parameters.
type AuthConfig struct {
	JWTSecret       string   `toml:"jwt_secret"`
	Issuer          string   `toml:"issuer"`
	Leeway          duration `toml:"leeway"`
	AllowQueryToken bool     `toml:"allow_query_token"`
}

// GatewayConfig holds websocket session parameters.
type GatewayConfig struct {
	SendBuffer          int      `toml:"send_buffer"`
	OverflowPolicy      string   `toml:"overflow_policy"`
	ExpiryCheckInterval duration `toml:"expiry_check_interval"`
	MaxMessageSize      int64    `toml:"max_message_size"`
	JoinRatePerSec      float64  `toml:"join_rate_per_sec"`
	JoinBurst           int      `toml:"join_burst"`
}

// DispatchConfig controls the cross-node Redis bus.
type DispatchConfig struct {
	BusEnabled       bool   `toml:"bus_enabled"`
	BusChannelPrefix string `toml:"bus_channel_prefix"`
}

// WagerConfig holds server-side submission policy.
type WagerConfig struct {
	SubmitTimeout    duration `toml:"submit_timeout"`
	RateToleranceBps int64    `toml:"rate_tolerance_bps"`
	IdempotencyTTL   duration `toml:"idempotency_ttl"`
	SubmitRateLimit  int      `toml:"submit_rate_limit"`
	SubmitRateWindow duration `toml:"submit_rate_window"`
	Chips            []int64  `toml:"chips"`
	ReconcileEvery   duration `toml:"reconcile_every"`
}

// LedgerConfig holds the ledger collaborator endpoint and credentials.
type LedgerConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ArchiveConfig controls the wager journal archiver.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MinInterval       duration `toml:"min_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownGrace: duration{10 * time.Second},
			APIRateLimit:  120,
			APIRateWindow: duration{time.Minute},
		},
		Auth: AuthConfig{
			Issuer: "livewager",
			Leeway: duration{5 * time.Second},
		},
		Gateway: GatewayConfig{
			SendBuffer:          256,
			OverflowPolicy:      "drop_oldest",
			ExpiryCheckInterval: duration{15 * time.Second},
			MaxMessageSize:      4096,
			JoinRatePerSec:      10,
			JoinBurst:           20,
		},
		Dispatch: DispatchConfig{
			BusEnabled:       false,
			BusChannelPrefix: "lw:dispatch",
		},
		Wager: WagerConfig{
			SubmitTimeout:    duration{10 * time.Second},
			RateToleranceBps: 0,
			IdempotencyTTL:   duration{24 * time.Hour},
			SubmitRateLimit:  10,
			SubmitRateWindow: duration{10 * time.Second},
			Chips:            []int64{100, 500, 1000, 5000},
			ReconcileEvery:   duration{time.Minute},
		},
		Ledger: LedgerConfig{
			BaseURL: "http://localhost:9100",
			Timeout: duration{8 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "livewager",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{5 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "lw",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "livewager-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{6 * time.Hour},
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Events:      []string{"wager_status_unknown", "ledger_unavailable", "archive_failed"},
			MinInterval: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"gateway": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validOverflow = map[string]bool{
	"drop_oldest": true,
	"disconnect":  true,
}

// NeedsStorage reports whether the configured mode runs the submission path
// and therefore needs Postgres, Redis and the ledger.
func (c *Config) NeedsStorage() bool {
	return strings.ToLower(c.Mode) == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: gateway, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.InternalAPIKey == "" {
		errs = append(errs, "server: internal_api_key must be set")
	}
	if c.Server.APIRateLimit < 0 {
		errs = append(errs, "server: api_rate_limit must be >= 0")
	}
	if c.Server.APIRateLimit > 0 && c.Server.APIRateWindow.Duration <= 0 {
		errs = append(errs, "server: api_rate_window must be positive when api_rate_limit is set")
	}

	// Auth
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth: jwt_secret must be at least 32 bytes")
	}
	if c.Auth.Leeway.Duration < 0 {
		errs = append(errs, "auth: leeway must not be negative")
	}

	// Gateway
	if c.Gateway.SendBuffer < 1 {
		errs = append(errs, "gateway: send_buffer must be >= 1")
	}
	if !validOverflow[c.Gateway.OverflowPolicy] {
		errs = append(errs, fmt.Sprintf("gateway: unknown overflow_policy %q (valid: drop_oldest, disconnect)", c.Gateway.OverflowPolicy))
	}
	if c.Gateway.ExpiryCheckInterval.Duration <= 0 {
		errs = append(errs, "gateway: expiry_check_interval must be > 0")
	}
	if c.Gateway.MaxMessageSize < 256 {
		errs = append(errs, "gateway: max_message_size must be >= 256")
	}
	if c.Gateway.JoinRatePerSec <= 0 || c.Gateway.JoinBurst < 1 {
		errs = append(errs, "gateway: join_rate_per_sec and join_burst must be positive")
	}

	// Dispatch
	if c.Dispatch.BusEnabled && c.Dispatch.BusChannelPrefix == "" {
		errs = append(errs, "dispatch: bus_channel_prefix must not be empty when the bus is enabled")
	}

	if c.NeedsStorage() {
		errs = append(errs, c.validateSubmission()...)
	}

	// Archive
	if c.Archive.Enabled {
		if !c.NeedsStorage() {
			errs = append(errs, "archive: requires mode full")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Notify
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateSubmission() []string {
	var errs []string

	// Wager
	if c.Wager.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "wager: submit_timeout must be > 0")
	}
	if c.Wager.RateToleranceBps < 0 {
		errs = append(errs, "wager: rate_tolerance_bps must be >= 0")
	}
	if c.Wager.IdempotencyTTL.Duration < time.Minute {
		errs = append(errs, "wager: idempotency_ttl must be at least 1m")
	}
	if c.Wager.SubmitRateLimit < 1 || c.Wager.SubmitRateWindow.Duration <= 0 {
		errs = append(errs, "wager: submit_rate_limit and submit_rate_window must be positive")
	}
	for _, chip := range c.Wager.Chips {
		if chip <= 0 {
			errs = append(errs, fmt.Sprintf("wager: chip amounts must be positive, got %d", chip))
			break
		}
	}

	// Ledger
	if c.Ledger.BaseURL == "" {
		errs = append(errs, "ledger: base_url must not be empty")
	}
	if c.Ledger.APIKey == "" || c.Ledger.APISecret == "" {
		errs = append(errs, "ledger: api_key and api_secret must both be set")
	}
	if c.Ledger.Timeout.Duration <= 0 {
		errs = append(errs, "ledger: timeout must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	return errs
}
