// Package config defines the top-level configuration for the resolver
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RESOLVER_* environment variables.
type Config struct {
	Mode       string            `toml:"mode"`
	LogLevel   string            `toml:"log_level"`
	Log        LogConfig         `toml:"log"`
	Postgres   PostgresConfig    `toml:"postgres"`
	Redis      RedisConfig       `toml:"redis"`
	Kafka      KafkaConfig       `toml:"kafka"`
	Ledger     LedgerConfig      `toml:"ledger"`
	Server     ServerConfig      `toml:"server"`
	Auth       AuthConfig        `toml:"auth"`
	Notify     NotifyConfig      `toml:"notify"`
	Workflow   WorkflowConfig    `toml:"workflow"`
	BondPolicy domain.BondPolicy `toml:"bond_policy"`
	Metrics    MetricsConfig     `toml:"metrics"`
}

// LogConfig controls log output. When File is set, logs are written to a
// rotating file as well as stdout.
type LogConfig struct {
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	ConnMaxLifetime duration `toml:"conn_max_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional: without
// it the per-market lock is process-local, rate limiting is off and the
// WebSocket hub is fed directly by the event dispatcher.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	DialTimeout  duration `toml:"dial_timeout"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// KafkaConfig configures the audit event topic.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	WriteTimeout duration `toml:"write_timeout"`
}

// LedgerConfig points at the balance ledger service. With no URL an
// in-memory ledger seeded from DevBalances is used; that is only accepted
// together with memory storage.
type LedgerConfig struct {
	URL         string           `toml:"url"`
	Token       string           `toml:"token"`
	Timeout     duration         `toml:"timeout"`
	DevBalances map[string]int64 `toml:"dev_balances"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// AuthConfig lists the static API keys accepted by the server.
type AuthConfig struct {
	Keys []APIKey `toml:"keys"`
}

// APIKey maps one key to the principal it authenticates.
type APIKey struct {
	Key       string `toml:"key"`
	Principal string `toml:"principal"`
	Role      string `toml:"role"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// WorkflowConfig tunes the resolution workflow and its background workers.
type WorkflowConfig struct {
	Storage            string   `toml:"storage"`
	DisputePeriod      duration `toml:"dispute_period"`
	SweepInterval      duration `toml:"sweep_interval"`
	SweepBatch         int      `toml:"sweep_batch"`
	DispatchInterval   duration `toml:"dispatch_interval"`
	DispatchBatch      int      `toml:"dispatch_batch"`
	SettlementInterval duration `toml:"settlement_interval"`
	SettlementBatch    int      `toml:"settlement_batch"`
	MaxAttempts        int      `toml:"max_attempts"`
	LockTTL            duration `toml:"lock_ttl"`
	LockWait           duration `toml:"lock_wait"`
	MinReasonLen       int      `toml:"min_reason_len"`
	MinNoteLen         int      `toml:"min_note_len"`
	TreasuryAccount    string   `toml:"treasury_account"`
	SubmitLimit        int      `toml:"submit_limit"`
	SubmitWindow       duration `toml:"submit_window"`
}

// MetricsConfig controls the Prometheus endpoint. In server and full mode
// metrics are served on the API port at /metrics; worker mode listens on
// Addr instead.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
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
		Mode:     "full",
		LogLevel: "info",
		Log: LogConfig{
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "resolver",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			ConnMaxLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			DialTimeout:  duration{5 * time.Second},
			KeyPrefix:    "resolver",
			StreamMaxLen: 100_000,
		},
		Kafka: KafkaConfig{
			Topic:        "resolver.market-events",
			WriteTimeout: duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			Timeout: duration{10 * time.Second},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       600,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventDisputeSubmitted),
				string(domain.EventDisputeDecided),
				string(domain.EventMarketSettled),
				string(domain.EventMarketFrozen),
			},
		},
		Workflow: WorkflowConfig{
			Storage:            "postgres",
			DisputePeriod:      duration{48 * time.Hour},
			SweepInterval:      duration{30 * time.Second},
			SweepBatch:         100,
			DispatchInterval:   duration{time.Second},
			DispatchBatch:      100,
			SettlementInterval: duration{5 * time.Second},
			SettlementBatch:    50,
			MaxAttempts:        10,
			LockTTL:            duration{30 * time.Second},
			LockWait:           duration{5 * time.Second},
			MinReasonLen:       20,
			MinNoteLen:         10,
			TreasuryAccount:    "treasury",
			SubmitLimit:        5,
			SubmitWindow:       duration{time.Hour},
		},
		BondPolicy: domain.DefaultBondPolicy(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRoles = map[string]bool{
	string(domain.RoleUser):     true,
	string(domain.RoleResolver): true,
	string(domain.RoleAdmin):    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: format must be json or text, got %q", f))
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		errs = append(errs, "log: max_size_mb must be >= 1 when file is set")
	}

	// Storage and the collaborators it implies.
	switch c.Workflow.Storage {
	case "memory":
		if strings.EqualFold(c.Mode, "worker") || strings.EqualFold(c.Mode, "server") {
			errs = append(errs, "workflow: storage = memory only works in mode full (workers and API must share one process)")
		}
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Ledger.URL == "" {
			errs = append(errs, "ledger: url is required with storage = postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("workflow: unknown storage %q (valid: postgres, memory)", c.Workflow.Storage))
	}
	for account, amount := range c.Ledger.DevBalances {
		if amount < 0 {
			errs = append(errs, fmt.Sprintf("ledger: dev_balances[%s] must be >= 0", account))
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, "kafka: brokers must not be empty when enabled")
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, "kafka: topic must not be empty when enabled")
		}
	}

	if c.Mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	seen := make(map[string]bool, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		switch {
		case k.Key == "":
			errs = append(errs, fmt.Sprintf("auth: keys[%d]: key must not be empty", i))
		case seen[k.Key]:
			errs = append(errs, fmt.Sprintf("auth: keys[%d]: duplicate key", i))
		}
		seen[k.Key] = true
		if k.Principal == "" {
			errs = append(errs, fmt.Sprintf("auth: keys[%d]: principal must not be empty", i))
		}
		if !validRoles[k.Role] {
			errs = append(errs, fmt.Sprintf("auth: keys[%d]: unknown role %q (valid: user, resolver, admin)", i, k.Role))
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	w := c.Workflow
	for _, d := range []struct {
		name string
		val  duration
	}{
		{"dispute_period", w.DisputePeriod},
		{"sweep_interval", w.SweepInterval},
		{"dispatch_interval", w.DispatchInterval},
		{"settlement_interval", w.SettlementInterval},
		{"lock_ttl", w.LockTTL},
		{"lock_wait", w.LockWait},
	} {
		if d.val.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("workflow: %s must be > 0", d.name))
		}
	}
	if w.MinReasonLen < 1 {
		errs = append(errs, "workflow: min_reason_len must be >= 1")
	}
	if w.MinNoteLen < 1 {
		errs = append(errs, "workflow: min_note_len must be >= 1")
	}
	if w.TreasuryAccount == "" {
		errs = append(errs, "workflow: treasury_account must not be empty")
	}
	if w.SubmitLimit > 0 && w.SubmitWindow.Duration <= 0 {
		errs = append(errs, "workflow: submit_window must be > 0 when submit_limit is set")
	}

	if err := c.BondPolicy.Validate(); err != nil {
		errs = append(errs, "bond_policy: "+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Principals converts the configured API keys into key to principal pairs.
func (c *Config) Principals() map[string]domain.Principal {
	out := make(map[string]domain.Principal, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		out[k.Key] = domain.Principal{ID: k.Principal, Role: domain.Role(k.Role)}
	}
	return out
}
