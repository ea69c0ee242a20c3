package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/config"
	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func memoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.Workflow.Storage = "memory"
	cfg.Server.Port = 0
	cfg.Ledger.DevBalances = map[string]int64{"alice": 250, "bob": 10}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireMemoryStack(t *testing.T) {
	cfg := memoryConfig()
	cfg.Notify.DiscordWebhookURL = "http://127.0.0.1:1/hook"

	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	bal, err := deps.Ledger.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal)

	assert.Nil(t, deps.Bus)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Limiter)
	assert.NotNil(t, deps.Metrics)
	assert.Contains(t, deps.Pingers, "store")
	assert.NotContains(t, deps.Pingers, "redis")

	require.Len(t, deps.Sinks, 1)
	assert.Equal(t, "notify", deps.Sinks[0].Name())
}

func TestBuildServicesSeedsBondPolicy(t *testing.T) {
	cfg := memoryConfig()
	cfg.BondPolicy.Version = "launch"

	a := New(&cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	svc, err := a.buildServices(context.Background(), deps)
	require.NoError(t, err)
	assert.Equal(t, "launch", svc.bonds.Policy().Version)

	stored, err := deps.Policies.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "launch", stored.Version)
}

func TestBuildServicesRejectsInvalidPolicy(t *testing.T) {
	cfg := memoryConfig()
	cfg.BondPolicy.Base = map[domain.DisputeType]int64{}

	a := New(&cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	_, err = a.buildServices(context.Background(), deps)
	require.Error(t, err)
}

func TestFullModeRunsUntilCancelled(t *testing.T) {
	cfg := memoryConfig()
	a := New(&cfg, discardLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
