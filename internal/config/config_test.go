package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolver.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValidWithLedger(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.URL = "http://ledger.internal"
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "full"
log_level = "debug"

[workflow]
storage = "memory"
dispute_period = "2h"
min_reason_len = 5

[ledger.dev_balances]
alice = 1000

[[auth.keys]]
key = "k1"
principal = "alice"
role = "user"

[bond_policy]
version = "v2"

[bond_policy.base]
evidence = 40

[[bond_policy.tiers]]
min_score = 80
multiplier_bps = 6000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Hour, cfg.Workflow.DisputePeriod.Duration)
	assert.Equal(t, 5, cfg.Workflow.MinReasonLen)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Workflow.SweepInterval.Duration)
	assert.Equal(t, int64(1000), cfg.Ledger.DevBalances["alice"])

	assert.Equal(t, "v2", cfg.BondPolicy.Version)
	assert.Equal(t, int64(40), cfg.BondPolicy.Base[domain.DisputeEvidence])
	assert.Equal(t, int64(500), cfg.BondPolicy.Base[domain.DisputeAPIError])
	require.Len(t, cfg.BondPolicy.Tiers, 1)
	assert.Equal(t, int64(6000), cfg.BondPolicy.Tiers[0].MultiplierBps)

	assert.Equal(t, domain.Principal{ID: "alice", Role: domain.RoleUser}, cfg.Principals()["k1"])
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeTOML(t, "[workflow]\ndispute_period = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RESOLVER_MODE", "server")
	t.Setenv("RESOLVER_SERVER_PORT", "9090")
	t.Setenv("RESOLVER_REDIS_ENABLED", "true")
	t.Setenv("RESOLVER_REDIS_STREAM_MAX_LEN", "42")
	t.Setenv("RESOLVER_REDIS_KEY_PREFIX", "staging")
	t.Setenv("RESOLVER_KAFKA_BROKERS", "b1:9092, b2:9092,")
	t.Setenv("RESOLVER_WORKFLOW_LOCK_TTL", "1m")
	t.Setenv("RESOLVER_AUTH_KEYS", "ka:alice:user, kb:ops:admin")
	t.Setenv("RESOLVER_SERVER_RATE_LIMIT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, int64(42), cfg.Redis.StreamMaxLen)
	assert.Equal(t, "staging", cfg.Redis.KeyPrefix)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Minute, cfg.Workflow.LockTTL.Duration)
	assert.Equal(t, 600, cfg.Server.RateLimit, "unparseable values are ignored")
	assert.Equal(t, []APIKey{
		{Key: "ka", Principal: "alice", Role: "user"},
		{Key: "kb", Principal: "ops", Role: "admin"},
	}, cfg.Auth.Keys)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "batch"
	cfg.Workflow.Storage = "postgres"
	cfg.Workflow.LockTTL = duration{}
	cfg.Auth.Keys = []APIKey{
		{Key: "k", Principal: "a", Role: "user"},
		{Key: "k", Principal: "", Role: "root"},
	}
	cfg.Notify.TelegramToken = "tok"
	cfg.BondPolicy.Base = nil

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "batch"`,
		"ledger: url is required",
		"workflow: lock_ttl must be > 0",
		"auth: keys[1]: duplicate key",
		"auth: keys[1]: principal must not be empty",
		`unknown role "root"`,
		"telegram_token and telegram_chat_id",
		"bond_policy:",
	} {
		assert.Contains(t, msg, want)
	}
	assert.True(t, strings.HasPrefix(msg, "config validation failed:"))
}

func TestValidateMemoryStorageNeedsFullMode(t *testing.T) {
	cfg := Defaults()
	cfg.Workflow.Storage = "memory"
	cfg.Mode = "worker"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage = memory only works in mode full")

	cfg.Mode = "full"
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Ledger.Token = "ledger-secret"
	cfg.Notify.DiscordWebhookURL = "https://discord/hook"
	cfg.Auth.Keys = []APIKey{{Key: "live-key", Principal: "ops", Role: "admin"}}
	cfg.Ledger.DevBalances = map[string]int64{"alice": 5}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Ledger.Token)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Equal(t, "***", out.Auth.Keys[0].Key)
	assert.Equal(t, "ops", out.Auth.Keys[0].Principal)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	// The original is untouched.
	out.Ledger.DevBalances["alice"] = 0
	out.BondPolicy.Base[domain.DisputeEvidence] = 1
	out.Server.CORSOrigins[0] = "x"
	assert.Equal(t, "live-key", cfg.Auth.Keys[0].Key)
	assert.Equal(t, int64(5), cfg.Ledger.DevBalances["alice"])
	assert.Equal(t, int64(100), cfg.BondPolicy.Base[domain.DisputeEvidence])
	assert.NotEqual(t, "x", cfg.Server.CORSOrigins[0])
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.toml"))
	require.NoError(t, err)
	cfg.Ledger.URL = "http://ledger.internal"
	require.NoError(t, cfg.Validate())

	def := Defaults()
	assert.Equal(t, def.Workflow, cfg.Workflow)
	assert.Equal(t, def.BondPolicy, cfg.BondPolicy)
}
