package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/polyresolve/internal/cache/redis"
	"github.com/alanyoungcy/polyresolve/internal/config"
	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
	"github.com/alanyoungcy/polyresolve/internal/notify"
	"github.com/alanyoungcy/polyresolve/internal/platform/ledger"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
	"github.com/alanyoungcy/polyresolve/internal/store/postgres"
	"github.com/alanyoungcy/polyresolve/internal/stream/kafka"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Persistence
	Store      domain.Store
	Policies   domain.PolicyStore
	Reputation domain.ReputationStore

	// External collaborators
	Ledger domain.BalanceLedger

	// Redis-backed coordination; all nil when Redis is disabled.
	Locks   domain.LockManager
	Limiter domain.RateLimiter
	Bus     domain.SignalBus

	// Sinks receives published events in addition to the reputation applier
	// the modes always install.
	Sinks []domain.EventSink

	// Health checks reported by GET /api/health.
	Pingers map[string]handler.Pinger

	Metrics *metrics.Recorder
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

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	// --- Storage ---
	switch cfg.Workflow.Storage {
	case "memory":
		logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		deps.Store = memory.NewStore()
		deps.Policies = memory.NewPolicyStore()
		deps.Reputation = memory.NewReputation()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.ConnMaxLifetime.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Store = postgres.NewStore(pool)
		deps.Policies = postgres.NewPolicyStore(pool)
		deps.Reputation = postgres.NewReputationStore(pool)
	}
	deps.Pingers["store"] = deps.Store

	// --- Balance ledger ---
	if cfg.Ledger.URL != "" {
		deps.Ledger = ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.Timeout.Duration)
	} else {
		dev := memory.NewLedger()
		accounts := make([]string, 0, len(cfg.Ledger.DevBalances))
		for account := range cfg.Ledger.DevBalances {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			dev.Deposit(account, cfg.Ledger.DevBalances[account])
		}
		logger.WarnContext(ctx, "ledger.url not set; using in-memory ledger",
			slog.Int("seeded_accounts", len(accounts)),
		)
		deps.Ledger = dev
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,

			KeyPrefix:    cfg.Redis.KeyPrefix,
			LockWait:     cfg.Workflow.LockWait.Duration,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Sinks = append(deps.Sinks, redis.NewEventSink(deps.Bus))
		deps.Pingers["redis"] = redisClient
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		deps.Sinks = append(deps.Sinks, pub)
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
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Sinks = append(deps.Sinks, notify.NewNotifier(senders, cfg.Notify.Events, logger))
	}

	return deps, cleanup, nil
}
