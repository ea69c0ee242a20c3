package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RESOLVER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RESOLVER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Log ──
	setStr(&cfg.Log.Format, "RESOLVER_LOG_FORMAT")
	setStr(&cfg.Log.File, "RESOLVER_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "RESOLVER_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "RESOLVER_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "RESOLVER_LOG_MAX_AGE_DAYS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias, RESOLVER_POSTGRES_DSN wins
	setStr(&cfg.Postgres.DSN, "RESOLVER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RESOLVER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RESOLVER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RESOLVER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RESOLVER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RESOLVER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RESOLVER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RESOLVER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RESOLVER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "RESOLVER_POSTGRES_CONN_MAX_LIFETIME")
	setBool(&cfg.Postgres.RunMigrations, "RESOLVER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RESOLVER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RESOLVER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RESOLVER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RESOLVER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RESOLVER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "RESOLVER_REDIS_MAX_RETRIES")
	setDuration(&cfg.Redis.DialTimeout, "RESOLVER_REDIS_DIAL_TIMEOUT")
	setBool(&cfg.Redis.TLSEnabled, "RESOLVER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "RESOLVER_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "RESOLVER_REDIS_STREAM_MAX_LEN")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "RESOLVER_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "RESOLVER_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "RESOLVER_KAFKA_TOPIC")
	setDuration(&cfg.Kafka.WriteTimeout, "RESOLVER_KAFKA_WRITE_TIMEOUT")

	// ── Ledger ──
	setStr(&cfg.Ledger.URL, "RESOLVER_LEDGER_URL")
	setStr(&cfg.Ledger.Token, "RESOLVER_LEDGER_TOKEN")
	setDuration(&cfg.Ledger.Timeout, "RESOLVER_LEDGER_TIMEOUT")

	// ── Server ──
	setInt(&cfg.Server.Port, "RESOLVER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RESOLVER_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "RESOLVER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "RESOLVER_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "RESOLVER_SERVER_SHUTDOWN_TIMEOUT")

	// ── Auth ──
	setAPIKeys(&cfg.Auth.Keys, "RESOLVER_AUTH_KEYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RESOLVER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RESOLVER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RESOLVER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RESOLVER_NOTIFY_EVENTS")

	// ── Workflow ──
	setStr(&cfg.Workflow.Storage, "RESOLVER_WORKFLOW_STORAGE")
	setDuration(&cfg.Workflow.DisputePeriod, "RESOLVER_WORKFLOW_DISPUTE_PERIOD")
	setDuration(&cfg.Workflow.SweepInterval, "RESOLVER_WORKFLOW_SWEEP_INTERVAL")
	setDuration(&cfg.Workflow.DispatchInterval, "RESOLVER_WORKFLOW_DISPATCH_INTERVAL")
	setDuration(&cfg.Workflow.SettlementInterval, "RESOLVER_WORKFLOW_SETTLEMENT_INTERVAL")
	setInt(&cfg.Workflow.MaxAttempts, "RESOLVER_WORKFLOW_MAX_ATTEMPTS")
	setDuration(&cfg.Workflow.LockTTL, "RESOLVER_WORKFLOW_LOCK_TTL")
	setDuration(&cfg.Workflow.LockWait, "RESOLVER_WORKFLOW_LOCK_WAIT")
	setInt(&cfg.Workflow.MinReasonLen, "RESOLVER_WORKFLOW_MIN_REASON_LEN")
	setInt(&cfg.Workflow.MinNoteLen, "RESOLVER_WORKFLOW_MIN_NOTE_LEN")
	setStr(&cfg.Workflow.TreasuryAccount, "RESOLVER_WORKFLOW_TREASURY_ACCOUNT")
	setInt(&cfg.Workflow.SubmitLimit, "RESOLVER_WORKFLOW_SUBMIT_LIMIT")
	setDuration(&cfg.Workflow.SubmitWindow, "RESOLVER_WORKFLOW_SUBMIT_WINDOW")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "RESOLVER_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "RESOLVER_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "RESOLVER_MODE")
	setStr(&cfg.LogLevel, "RESOLVER_LOG_LEVEL")
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
		cleaned := splitList(v)
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setAPIKeys parses "key:principal:role" entries separated by commas. The
// variable replaces the TOML key list entirely; malformed entries are kept
// with empty fields so Validate reports them.
func setAPIKeys(dst *[]APIKey, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var keys []APIKey
	for _, entry := range splitList(v) {
		parts := strings.SplitN(entry, ":", 3)
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		keys = append(keys, APIKey{
			Key:       strings.TrimSpace(parts[0]),
			Principal: strings.TrimSpace(parts[1]),
			Role:      strings.TrimSpace(parts[2]),
		})
	}
	*dst = keys
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
