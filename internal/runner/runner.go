// Package runner drives runs through their pipeline steps: checkpoint
// resolution, backlog seeding, worker fan-out, and step advancement.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
	"github.com/fleetcrawl/fleetcrawl/internal/worker"
)

// Config controls the runner.
type Config struct {
	Concurrency int
	DrainPoll   time.Duration
	Worker      worker.Config
}

// RunContext carries everything a driver needs about an initialized run.
// It is passed explicitly through call chains; nothing here lives in
// package-level state, so one process can drive several runs.
type RunContext struct {
	Run        core.Run
	Steps      []core.Step
	ResumeFrom int
}

// Runner is the Run & Checkpoint Manager. It owns run/step transitions and
// observes backlog drain; it never touches item payloads itself.
type Runner struct {
	runs     core.RunStore
	queue    core.WorkQueue
	resolver core.TargetResolver
	pool     core.ProxyPool
	fetcher  core.Fetcher
	tracker  core.ResourceTracker
	procs    core.ProcessManager
	clock    core.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner.
func New(
	runs core.RunStore,
	queue core.WorkQueue,
	resolver core.TargetResolver,
	pool core.ProxyPool,
	fetcher core.Fetcher,
	tracker core.ResourceTracker,
	procs core.ProcessManager,
	clock core.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		runs:     runs,
		queue:    queue,
		resolver: resolver,
		pool:     pool,
		fetcher:  fetcher,
		tracker:  tracker,
		procs:    procs,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// InitRun creates a fresh run, or selects the resumable run with the most
// accumulated progress for the fleet. With fresh=false and no resumable run,
// core.ErrNoResumableRun is returned and the caller should start fresh.
func (r *Runner) InitRun(ctx context.Context, fleet string, fresh bool, steps []core.Step) (RunContext, error) {
	if fresh {
		run, err := r.runs.CreateRun(ctx, fleet, steps)
		if err != nil {
			return RunContext{}, fmt.Errorf("create run: %w", err)
		}
		r.logger.Info("fresh run created",
			zap.String("run_id", run.ID), zap.String("fleet", fleet))
		return RunContext{Run: run, Steps: steps}, nil
	}

	run, err := r.runs.LatestResumable(ctx, fleet)
	if err != nil {
		return RunContext{}, err
	}
	existing, err := r.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return RunContext{}, fmt.Errorf("list steps: %w", err)
	}
	resume, err := r.runs.ResumePoint(ctx, run.ID)
	if err != nil {
		return RunContext{}, err
	}
	r.logger.Info("resuming run",
		zap.String("run_id", run.ID),
		zap.String("fleet", fleet),
		zap.Int("resume_from", resume),
		zap.Int64("items_scraped", run.ItemsScraped),
	)
	return RunContext{Run: run, Steps: existing, ResumeFrom: resume}, nil
}

// Execute drives the run from its resume point to completion. On fatal
// failure the run halts with the failure point recorded; on cooperative
// stop the run is left resumable.
func (r *Runner) Execute(ctx context.Context, rc RunContext) error {
	runID := rc.Run.ID

	for stepNum := rc.ResumeFrom; stepNum < len(rc.Steps); stepNum++ {
		step := rc.Steps[stepNum]
		stepStart := r.clock.Now()

		if err := r.runs.MarkStepStart(ctx, runID, stepNum); err != nil {
			return fmt.Errorf("mark step %d start: %w", stepNum, err)
		}
		r.logger.Info("step started",
			zap.String("run_id", runID),
			zap.Int("step", stepNum),
			zap.String("name", step.Name),
		)

		if err := r.seedStep(ctx, rc.Run, step); err != nil {
			halted, markErr := r.runs.MarkStepFailed(ctx, runID, stepNum, err.Error())
			if markErr != nil {
				r.logger.Error("mark step failed errored", zap.Error(markErr))
			}
			metrics.ObserveStep(string(core.StepStatusFailed))
			if halted {
				return fmt.Errorf("seed step %d: %w", stepNum, err)
			}
			continue
		}

		outcome, err := r.driveStep(ctx, runID, stepNum)
		if err != nil {
			// Fatal: the step is failed and the run halts unless the
			// step tolerates errors.
			halted, markErr := r.runs.MarkStepFailed(ctx, runID, stepNum, err.Error())
			if markErr != nil {
				r.logger.Error("mark step failed errored", zap.Error(markErr))
			}
			metrics.ObserveStep(string(core.StepStatusFailed))
			if halted {
				return fmt.Errorf("step %d: %w", stepNum, err)
			}
			continue
		}
		if outcome.stopped {
			// Survives driver shutdown: the stopped status is what makes
			// the run resumable later.
			if err := r.runs.SetRunStatus(context.WithoutCancel(ctx), runID, core.RunStatusStopped); err != nil {
				return fmt.Errorf("mark run stopped: %w", err)
			}
			r.logger.Info("run stopped cooperatively", zap.String("run_id", runID))
			return nil
		}

		m := core.StepMetrics{
			Read:      outcome.depth.Completed + outcome.depth.Dead,
			Processed: outcome.depth.Completed,
			Inserted:  outcome.depth.Completed,
			Rejected:  outcome.depth.Dead,
		}
		if err := r.runs.MarkStepComplete(ctx, runID, stepNum, m); err != nil {
			return fmt.Errorf("mark step %d complete: %w", stepNum, err)
		}
		metrics.ObserveStep(string(core.StepStatusCompleted))
		r.logger.Info("step completed",
			zap.String("run_id", runID),
			zap.Int("step", stepNum),
			zap.Duration("took", r.clock.Now().Sub(stepStart)),
			zap.Int64("completed", outcome.depth.Completed),
			zap.Int64("dead", outcome.depth.Dead),
		)
	}

	if err := r.runs.SetRunStatus(ctx, runID, core.RunStatusCompleted); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	run, err := r.runs.Finalize(ctx, runID)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	r.logger.Info("run completed",
		zap.String("run_id", runID),
		zap.Int64("total_runtime_ms", run.TotalRuntime),
		zap.Int("slowest_step", run.SlowestStep),
		zap.Int64("items_scraped", run.ItemsScraped),
	)
	return nil
}

// seedStep loads the step's targets from the resolver into the work queue.
// Enqueue is idempotent on (run, natural key), so reseeding after a resume
// adds only what is missing.
func (r *Runner) seedStep(ctx context.Context, run core.Run, step core.Step) error {
	targets, err := r.resolver.Resolve(ctx, run.FleetName, step)
	if err != nil {
		return fmt.Errorf("resolve targets: %w", err)
	}
	seeded := 0
	for _, t := range targets {
		inserted, err := r.queue.Enqueue(ctx, run.ID, t.NaturalKey, t.Payload, t.Priority)
		if err != nil {
			return fmt.Errorf("enqueue %q: %w", t.NaturalKey, err)
		}
		if inserted {
			seeded++
		}
	}
	r.logger.Info("step seeded",
		zap.String("run_id", run.ID),
		zap.Int("step", step.Number),
		zap.Int("targets", len(targets)),
		zap.Int("new", seeded),
	)
	return nil
}

type stepOutcome struct {
	depth   core.QueueDepth
	stopped bool
}

// driveStep fans out the worker pool and watches the backlog until it
// drains, a worker reports a fatal halt, or a stop is requested.
func (r *Runner) driveStep(ctx context.Context, runID string, stepNum int) (stepOutcome, error) {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	errCh := make(chan error, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		cfg := r.cfg.Worker
		cfg.WorkerID = fmt.Sprintf("%s-w%d", runID, i)
		w := worker.New(r.queue, r.runs, r.pool, r.fetcher, r.tracker, r.procs, r.clock, cfg, r.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(workerCtx, runID, stepNum); err != nil {
				errCh <- err
			}
		}()
	}

	var outcome stepOutcome
	var fatal error

	ticker := time.NewTicker(r.cfg.DrainPoll)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			outcome.stopped = true
			break poll
		case err := <-errCh:
			fatal = err
			break poll
		case <-ticker.C:
			stop, err := r.runs.StopRequested(ctx, runID)
			if err != nil {
				fatal = err
				break poll
			}
			if stop {
				outcome.stopped = true
				break poll
			}
			depth, err := r.queue.Depth(ctx, runID)
			if err != nil {
				fatal = err
				break poll
			}
			if depth.Drained() {
				outcome.depth = depth
				break poll
			}
		}
	}

	cancelWorkers()
	wg.Wait()

	if fatal != nil {
		return stepOutcome{}, fatal
	}
	if outcome.stopped {
		return outcome, nil
	}
	// Re-read after workers exit: the drain snapshot may miss their last
	// completions.
	depth, err := r.queue.Depth(context.WithoutCancel(ctx), runID)
	if err == nil {
		outcome.depth = depth
	}
	return outcome, nil
}

// IsHalt reports whether err represents a fatal run halt.
func IsHalt(err error) bool {
	return errors.Is(err, core.ErrRunHalted)
}
