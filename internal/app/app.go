// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/api"
	"github.com/fleetcrawl/fleetcrawl/internal/clock/system"
	"github.com/fleetcrawl/fleetcrawl/internal/config"
	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/frontier"
	"github.com/fleetcrawl/fleetcrawl/internal/id/uuid"
	"github.com/fleetcrawl/fleetcrawl/internal/logging"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
	"github.com/fleetcrawl/fleetcrawl/internal/proxy"
	"github.com/fleetcrawl/fleetcrawl/internal/runner"
	"github.com/fleetcrawl/fleetcrawl/internal/store/postgres"
	"github.com/fleetcrawl/fleetcrawl/internal/worker"
)

// Collaborators are the external integration points supplied by the
// target-specific collector embedding this core. Nil fields fall back to
// inert defaults so the binary still runs dry.
type Collaborators struct {
	Resolver core.TargetResolver
	Fetcher  core.Fetcher
	Procs    core.ProcessManager
}

// App holds all shared, long-lived services. It is built once at startup
// and passed to the commands that need it; nothing lives in package-level
// globals, so one process can host several runs.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Runs     *postgres.RunStore
	Queue    *postgres.WorkQueue
	Frontier *postgres.FrontierStore
	Tracker  *postgres.TrackerStore
	Proxies  *postgres.ProxyStore
	Pool     *proxy.Pool
	Runner   *runner.Runner
	Sweeper  *runner.Sweeper
	API      *api.Server

	db postgres.DB
}

// New builds the full service graph from config. It fails fast when the
// database is unreachable.
func New(ctx context.Context, cfg config.Config, collab Collaborators) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	db, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()

	runs := postgres.NewRunStore(db, clk, idGen)
	queue := postgres.NewWorkQueue(db, clk, idGen, postgres.WorkQueueConfig{
		HeartbeatExpiry: cfg.Queue.HeartbeatExpiry(),
		MaxAttempts:     cfg.Queue.MaxAttempts,
		RetryBackoff:    frontier.NewBackoffPolicy(cfg.Queue.RetryBackoffBase(), cfg.Queue.RetryBackoffCap()),
	})
	frontierStore := postgres.NewFrontierStore(db, clk, postgres.FrontierConfig{
		RetryLimit: cfg.Frontier.RetryLimit,
		Backoff:    frontier.NewBackoffPolicy(cfg.Frontier.BackoffBase(), cfg.Frontier.BackoffCap()),
		Limiter: frontier.NewDomainLimiter(frontier.LimiterConfig{
			DefaultRPS:   cfg.Frontier.DomainRPS,
			DefaultBurst: cfg.Frontier.DomainBurst,
		}),
	}, logger)
	tracker := postgres.NewTrackerStore(db, clk, idGen)
	proxyStore := postgres.NewProxyStore(db)

	pool := proxy.NewPool(proxy.Config{
		FailureThreshold: cfg.Proxy.FailureThreshold,
		Cooldown:         cfg.Proxy.Cooldown(),
		HealthAlpha:      cfg.Proxy.HealthAlpha,
	}, clk, logger)

	endpoints, err := proxyStore.LoadAll(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load endpoints: %w", err)
	}
	for _, e := range endpoints {
		pool.Register(e)
	}
	logger.Info("egress pool loaded", zap.Int("endpoints", len(endpoints)))

	if collab.Resolver == nil {
		collab.Resolver = noopResolver{}
	}
	if collab.Fetcher == nil {
		collab.Fetcher = noopFetcher{}
	}
	if collab.Procs == nil {
		collab.Procs = noopProcessManager{}
	}

	run := runner.New(runs, queue, collab.Resolver, pool, collab.Fetcher, tracker, collab.Procs, clk, runner.Config{
		Concurrency: cfg.Workers.Concurrency,
		DrainPoll:   cfg.Workers.DrainPoll(),
		Worker: worker.Config{
			BatchSize:         cfg.Queue.ClaimBatchSize,
			IdleSleep:         cfg.Workers.IdleSleep(),
			HeartbeatInterval: cfg.Queue.HeartbeatInterval(),
		},
	}, logger)

	sweeper := runner.NewSweeper(runs, tracker, runner.SweeperConfig{
		Interval:       cfg.Sweep.Interval(),
		RunIdle:        cfg.Sweep.RunIdle(),
		InstanceMaxAge: cfg.Sweep.InstanceMaxAge(),
	}, logger)

	server := api.NewServer(runs, queue, frontierStore, pool, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Runs:     runs,
		Queue:    queue,
		Frontier: frontierStore,
		Tracker:  tracker,
		Proxies:  proxyStore,
		Pool:     pool,
		Runner:   run,
		Sweeper:  sweeper,
		API:      server,
		db:       db,
	}, nil
}

// Close flushes endpoint health to the store and shuts down shared
// services.
func (a *App) Close(ctx context.Context) {
	for _, e := range a.Pool.Snapshot() {
		if err := a.Proxies.Save(ctx, e); err != nil {
			a.Logger.Warn("flush endpoint failed",
				zap.String("endpoint_id", e.ID), zap.Error(err))
		}
	}
	a.db.Close()
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may not be syncable.
		_ = err
	}
}
