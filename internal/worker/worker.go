// Package worker implements the claim/fetch/complete execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	WorkerID          string
	BatchSize         int
	IdleSleep         time.Duration
	HeartbeatInterval time.Duration
	CountryCode       string
	ProxyType         core.ProxyType
}

// Worker pulls claims from the shared backlog and executes them through an
// acquired egress endpoint. Workers share no in-memory state; they
// coordinate only through the store.
type Worker struct {
	queue   core.WorkQueue
	runs    core.RunStore
	pool    core.ProxyPool
	fetcher core.Fetcher
	tracker core.ResourceTracker
	procs   core.ProcessManager
	clock   core.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(
	queue core.WorkQueue,
	runs core.RunStore,
	pool core.ProxyPool,
	fetcher core.Fetcher,
	tracker core.ResourceTracker,
	procs core.ProcessManager,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		runs:    runs,
		pool:    pool,
		fetcher: fetcher,
		tracker: tracker,
		procs:   procs,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// Run claims and processes items for runID until the context ends, the
// backlog stays empty, or a fatal failure halts the run. The stop flag is
// checked between items only, never mid-item.
func (w *Worker) Run(ctx context.Context, runID string, step int) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		stop, err := w.runs.StopRequested(ctx, runID)
		if err != nil {
			w.logger.Error("stop flag check failed", zap.Error(err))
			return fmt.Errorf("check stop flag: %w", err)
		}
		if stop {
			w.logger.Info("stop requested, worker exiting", zap.String("run_id", runID))
			return nil
		}

		start := w.clock.Now()
		items, err := w.queue.ClaimNext(ctx, runID, w.cfg.WorkerID, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim failed", zap.Error(err))
			return fmt.Errorf("claim next: %w", err)
		}
		metrics.ObserveClaim(len(items), w.clock.Now().Sub(start))

		if len(items) == 0 {
			w.idle(ctx)
			continue
		}

		for i, item := range items {
			stop, err := w.runs.StopRequested(ctx, runID)
			if err != nil {
				return fmt.Errorf("check stop flag: %w", err)
			}
			if stop || ctx.Err() != nil {
				w.releaseRest(items[i:])
				return nil
			}
			if err := w.processItem(ctx, item, step); err != nil {
				if errors.Is(err, core.ErrRunHalted) {
					w.releaseRest(items[i+1:])
					return err
				}
				w.logger.Error("item processing failed",
					zap.String("item_id", item.ID), zap.Error(err))
			}
		}
	}
}

// releaseRest returns unprocessed claims to the backlog so a stopping
// worker never strands items until heartbeat expiry.
func (w *Worker) releaseRest(items []core.WorkItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, item := range items {
		if err := w.queue.Release(ctx, item.ID, w.cfg.WorkerID); err != nil {
			w.logger.Warn("release failed",
				zap.String("item_id", item.ID), zap.Error(err))
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (w *Worker) processItem(ctx context.Context, item core.WorkItem, step int) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.renewHeartbeat(hbCtx, item.ID)

	endpoint, err := w.pool.Acquire(w.cfg.CountryCode, w.cfg.ProxyType, item.NaturalKey)
	if errors.Is(err, core.ErrPoolEmpty) {
		// No identity available: the attempt is not consumed, the item
		// goes back for whoever claims it after the pool recovers.
		if relErr := w.queue.Release(ctx, item.ID, w.cfg.WorkerID); relErr != nil {
			return fmt.Errorf("release on empty pool: %w", relErr)
		}
		w.idle(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire endpoint: %w", err)
	}

	var result core.FetchResult
	fetchErr := w.withResource(ctx, item.RunID, step, func() error {
		var ferr error
		result, ferr = w.fetcher.Fetch(ctx, endpoint, item)
		return ferr
	})

	w.pool.ReportOutcome(endpoint.ID, fetchErr == nil, result.Duration)

	if fetchErr == nil {
		if err := w.queue.Complete(ctx, item.ID, result.Body); err != nil {
			return fmt.Errorf("complete item: %w", err)
		}
		metrics.ObserveItem("completed")
		w.logger.Debug("item completed",
			zap.String("item_id", item.ID),
			zap.String("natural_key", item.NaturalKey),
			zap.Int("attempt", item.AttemptCount),
		)
		return nil
	}

	return w.handleFailure(ctx, item, fetchErr)
}

// handleFailure maps the failure class onto queue transitions. Worker-local
// retries stay invisible upward; only dead items and fatal halts surface.
func (w *Worker) handleFailure(ctx context.Context, item core.WorkItem, fetchErr error) error {
	class := core.ClassOf(fetchErr)
	w.logger.Warn("fetch failed",
		zap.String("item_id", item.ID),
		zap.String("class", string(class)),
		zap.Error(fetchErr),
	)

	switch class {
	case core.FailureStructural:
		if err := w.queue.Bury(ctx, item.ID, fetchErr.Error()); err != nil {
			return fmt.Errorf("bury item: %w", err)
		}
		metrics.ObserveItem("dead")
		return nil
	case core.FailureFatal:
		if err := w.queue.Release(ctx, item.ID, w.cfg.WorkerID); err != nil {
			w.logger.Warn("release on fatal failed", zap.Error(err))
		}
		return fmt.Errorf("%w: %s", core.ErrRunHalted, fetchErr.Error())
	default:
		// transient, blocked, resource: consume the attempt; the queue
		// re-queues it behind a backoff or deadlines it based on the
		// attempt budget.
		if err := w.queue.Fail(ctx, item.ID, fetchErr.Error(), item.AttemptCount); err != nil {
			return fmt.Errorf("fail item: %w", err)
		}
		metrics.ObserveItem("failed")
		return nil
	}
}

// withResource runs fn inside a tracked resource scope: the spawn is
// registered before fn and the termination record is written on every exit
// path, panics included.
func (w *Worker) withResource(ctx context.Context, runID string, step int, fn func() error) (err error) {
	pid, ppid, err := w.procs.Spawn(ctx, runID, step)
	if err != nil {
		return core.NewFetchError(core.FailureResource, fmt.Errorf("spawn: %w", err))
	}
	instanceID, err := w.tracker.Register(ctx, runID, step, w.cfg.WorkerID, pid, ppid)
	if err != nil {
		_ = w.procs.Kill(ctx, pid)
		return fmt.Errorf("register instance: %w", err)
	}

	reason := "clean_exit"
	defer func() {
		if r := recover(); r != nil {
			reason = "panic"
			w.closeResource(instanceID, pid, reason)
			panic(r)
		}
		w.closeResource(instanceID, pid, reason)
	}()

	if err = fn(); err != nil {
		if core.ClassOf(err) == core.FailureResource {
			reason = "crash"
		} else {
			reason = "fetch_error"
		}
	}
	return err
}

func (w *Worker) closeResource(instanceID string, pid int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.tracker.MarkTerminated(ctx, instanceID, reason); err != nil {
		w.logger.Warn("mark terminated failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	if err := w.procs.Kill(ctx, pid); err != nil {
		w.logger.Warn("process kill failed", zap.Int("pid", pid), zap.Error(err))
	}
}

// renewHeartbeat extends the claim on a ticker until canceled. A lost claim
// stops renewal; the item is already being reprocessed elsewhere.
func (w *Worker) renewHeartbeat(ctx context.Context, itemID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, itemID, w.cfg.WorkerID); err != nil {
				if errors.Is(err, core.ErrClaimLost) {
					w.logger.Warn("claim lost during heartbeat",
						zap.String("item_id", itemID))
					return
				}
				if ctx.Err() == nil {
					w.logger.Warn("heartbeat failed",
						zap.String("item_id", itemID), zap.Error(err))
				}
			}
		}
	}
}
