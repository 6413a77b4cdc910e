package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

// SweeperConfig controls the background staleness sweep.
type SweeperConfig struct {
	Interval       time.Duration
	RunIdle        time.Duration
	InstanceMaxAge time.Duration
}

// Sweeper is the low-frequency job bounding the worst-case staleness
// window: it recovers runs stuck in running and force-closes orphaned
// rendering processes. It runs as a cancellable scheduled task, not a
// detached goroutine with shared globals.
type Sweeper struct {
	runs    core.RunStore
	tracker core.ResourceTracker
	cfg     SweeperConfig
	logger  *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(runs core.RunStore, tracker core.ResourceTracker, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RunIdle <= 0 {
		cfg.RunIdle = 5 * time.Minute
	}
	if cfg.InstanceMaxAge <= 0 {
		cfg.InstanceMaxAge = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{runs: runs, tracker: tracker, cfg: cfg, logger: logger}
}

// Run sweeps on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	recovered, err := s.runs.StaleRunRecovery(ctx, s.cfg.RunIdle)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stale run recovery failed", zap.Error(err))
		}
	} else if recovered > 0 {
		metrics.ObserveSweep("run", int(recovered))
		s.logger.Info("stale runs recovered", zap.Int64("count", recovered))
	}

	swept, err := s.tracker.SweepOrphans(ctx, s.cfg.InstanceMaxAge)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("orphan sweep failed", zap.Error(err))
		}
		return
	}
	if len(swept) > 0 {
		metrics.ObserveSweep("instance", len(swept))
		s.logger.Info("orphan instances closed",
			zap.Int("count", len(swept)),
			zap.Strings("instance_ids", swept),
		)
	}
}
