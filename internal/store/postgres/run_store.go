package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

// RunStore persists runs and steps and owns checkpoint bookkeeping.
type RunStore struct {
	db    DB
	clock core.Clock
	idGen core.IDGenerator
}

// NewRunStore wires the store to a pool, clock, and id generator.
func NewRunStore(db DB, clock core.Clock, idGen core.IDGenerator) *RunStore {
	return &RunStore{db: db, clock: clock, idGen: idGen}
}

const runColumns = `run_id, fleet_name, status, started_at, ended_at, step_count,
current_step, COALESCE(items_scraped, 0), total_runtime_ms, slowest_step,
slowest_step_name, failure_step, failure_step_name, stop_requested`

// CreateRun inserts a fresh run together with its pending step rows.
func (s *RunStore) CreateRun(ctx context.Context, fleet string, steps []core.Step) (core.Run, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return core.Run{}, fmt.Errorf("new run id: %w", err)
	}
	now := s.clock.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return core.Run{}, fmt.Errorf("begin create run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO runs (run_id, fleet_name, status, started_at, step_count, current_step, last_activity_at)
VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		runID, fleet, core.RunStatusPending, now, len(steps), now)
	if err != nil {
		return core.Run{}, fmt.Errorf("insert run: %w", err)
	}

	for i, step := range steps {
		_, err = tx.Exec(ctx, `
INSERT INTO steps (run_id, step_number, name, status, continue_on_error)
VALUES ($1, $2, $3, $4, $5)`,
			runID, i, step.Name, core.StepStatusPending, step.ContinueOnError)
		if err != nil {
			return core.Run{}, fmt.Errorf("insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return core.Run{}, fmt.Errorf("commit create run: %w", err)
	}

	return core.Run{
		ID:        runID,
		FleetName: fleet,
		Status:    core.RunStatusPending,
		StartedAt: now,
		StepCount: len(steps),
	}, nil
}

// LatestResumable selects the run to resume for a fleet: the one with the
// most accumulated progress, breaking ties by recency. Runs with NULL
// items_scraped sort last so a run that never produced anything does not
// shadow one that did.
func (s *RunStore) LatestResumable(ctx context.Context, fleet string) (core.Run, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE fleet_name = $1 AND status IN ('running', 'stopped', 'failed')
ORDER BY items_scraped DESC NULLS LAST, started_at DESC
LIMIT 1`, fleet)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Run{}, core.ErrNoResumableRun
	}
	if err != nil {
		return core.Run{}, fmt.Errorf("select resumable run: %w", err)
	}
	return run, nil
}

// GetRun fetches one run by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (core.Run, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		return core.Run{}, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// ListSteps returns a run's steps ordered by step number.
func (s *RunStore) ListSteps(ctx context.Context, runID string) ([]core.Step, error) {
	rows, err := s.db.Query(ctx, `
SELECT run_id, step_number, name, status, started_at, completed_at, duration_ms,
	rows_read, rows_processed, rows_inserted, rows_updated, rows_rejected,
	error_message, log_path, continue_on_error
FROM steps
WHERE run_id = $1
ORDER BY step_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	var steps []core.Step
	for rows.Next() {
		var st core.Step
		if err := rows.Scan(
			&st.RunID, &st.Number, &st.Name, &st.Status, &st.StartedAt,
			&st.CompletedAt, &st.Duration, &st.Metrics.Read, &st.Metrics.Processed,
			&st.Metrics.Inserted, &st.Metrics.Updated, &st.Metrics.Rejected,
			&st.ErrorMessage, &st.LogPath, &st.ContinueOnError,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// ResumePoint returns the first step whose status is neither completed nor
// skipped. A fully finished run resumes past its last step.
func (s *RunStore) ResumePoint(ctx context.Context, runID string) (int, error) {
	var point *int
	err := s.db.QueryRow(ctx, `
SELECT MIN(step_number)
FROM steps
WHERE run_id = $1 AND status NOT IN ('completed', 'skipped')`, runID).Scan(&point)
	if err != nil {
		return 0, fmt.Errorf("select resume point: %w", err)
	}
	if point == nil {
		var count int
		if err := s.db.QueryRow(ctx, `
SELECT COUNT(*) FROM steps WHERE run_id = $1`, runID).Scan(&count); err != nil {
			return 0, fmt.Errorf("count steps: %w", err)
		}
		return count, nil
	}
	return *point, nil
}

// SetRunStatus transitions the run. Terminal statuses stamp ended_at.
func (s *RunStore) SetRunStatus(ctx context.Context, runID string, status core.RunStatus) error {
	now := s.clock.Now()
	var ended *time.Time
	if status == core.RunStatusCompleted || status == core.RunStatusFailed || status == core.RunStatusStopped {
		ended = &now
	}
	_, err := s.db.Exec(ctx, `
UPDATE runs
SET status = $2, ended_at = COALESCE($3, ended_at), last_activity_at = $4
WHERE run_id = $1`, runID, status, ended, now)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// RequestStop sets the cooperative stop flag. Workers observe it between
// items, never mid-item.
func (s *RunStore) RequestStop(ctx context.Context, runID string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE runs SET stop_requested = TRUE WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request stop: run %s not found", runID)
	}
	return nil
}

// StopRequested reads the cooperative stop flag.
func (s *RunStore) StopRequested(ctx context.Context, runID string) (bool, error) {
	var stop bool
	err := s.db.QueryRow(ctx, `
SELECT stop_requested FROM runs WHERE run_id = $1`, runID).Scan(&stop)
	if err != nil {
		return false, fmt.Errorf("select stop flag: %w", err)
	}
	return stop, nil
}

// MarkStepStart transitions the step to in_progress and advances the run
// pointer in one transaction.
func (s *RunStore) MarkStepStart(ctx context.Context, runID string, step int) error {
	now := s.clock.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step start: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE steps
SET status = $3, started_at = $4, completed_at = NULL, error_message = ''
WHERE run_id = $1 AND step_number = $2`,
		runID, step, core.StepStatusInProgress, now)
	if err != nil {
		return fmt.Errorf("update step start: %w", err)
	}

	_, err = tx.Exec(ctx, `
UPDATE runs
SET status = $2, current_step = $3, last_activity_at = $4
WHERE run_id = $1`,
		runID, core.RunStatusRunning, step, now)
	if err != nil {
		return fmt.Errorf("update run pointer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step start: %w", err)
	}
	return nil
}

// MarkStepComplete records metrics and duration for the finished step and
// folds its processed rows into the run's progress counter.
func (s *RunStore) MarkStepComplete(ctx context.Context, runID string, step int, metrics core.StepMetrics) error {
	now := s.clock.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE steps
SET status = $3,
	completed_at = $4,
	duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint,
	rows_read = $5, rows_processed = $6, rows_inserted = $7, rows_updated = $8, rows_rejected = $9
WHERE run_id = $1 AND step_number = $2`,
		runID, step, core.StepStatusCompleted, now,
		metrics.Read, metrics.Processed, metrics.Inserted, metrics.Updated, metrics.Rejected)
	if err != nil {
		return fmt.Errorf("update step complete: %w", err)
	}

	_, err = tx.Exec(ctx, `
UPDATE runs
SET items_scraped = COALESCE(items_scraped, 0) + $2, last_activity_at = $3
WHERE run_id = $1`,
		runID, metrics.Processed, now)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step complete: %w", err)
	}
	return nil
}

// MarkStepFailed records the failure. Unless the step is flagged
// continue-on-error, the run halts and the failure point is recorded for
// operator visibility and future resume. Returns whether the run halted.
func (s *RunStore) MarkStepFailed(ctx context.Context, runID string, step int, errText string) (bool, error) {
	now := s.clock.Now()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin step failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var name string
	var continueOnError bool
	err = tx.QueryRow(ctx, `
UPDATE steps
SET status = $3, completed_at = $4, error_message = $5
WHERE run_id = $1 AND step_number = $2
RETURNING name, continue_on_error`,
		runID, step, core.StepStatusFailed, now, errText).Scan(&name, &continueOnError)
	if err != nil {
		return false, fmt.Errorf("update step failed: %w", err)
	}

	if continueOnError {
		_, err = tx.Exec(ctx, `
UPDATE runs SET last_activity_at = $2 WHERE run_id = $1`, runID, now)
		if err != nil {
			return false, fmt.Errorf("touch run: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("commit step failed: %w", err)
		}
		return false, nil
	}

	_, err = tx.Exec(ctx, `
UPDATE runs
SET status = $2, ended_at = $3, last_activity_at = $3, failure_step = $4, failure_step_name = $5
WHERE run_id = $1`,
		runID, core.RunStatusFailed, now, step, name)
	if err != nil {
		return false, fmt.Errorf("update run failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit step failed: %w", err)
	}
	return true, nil
}

// StaleRunRecovery transitions runs stuck in running with no step activity
// for maxIdle into stopped, making them resumable by a new driver instance.
func (s *RunStore) StaleRunRecovery(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-maxIdle)
	tag, err := s.db.Exec(ctx, `
UPDATE runs
SET status = $2
WHERE status = $3 AND last_activity_at < $1`,
		cutoff, core.RunStatusStopped, core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Finalize computes aggregate metrics from the step rows and writes them
// onto the run, then returns the finished record.
func (s *RunStore) Finalize(ctx context.Context, runID string) (core.Run, error) {
	_, err := s.db.Exec(ctx, `
UPDATE runs
SET total_runtime_ms = agg.total,
	slowest_step = agg.slowest,
	slowest_step_name = agg.slowest_name
FROM (
	SELECT COALESCE(SUM(duration_ms), 0) AS total,
		COALESCE((SELECT step_number FROM steps WHERE run_id = $1 ORDER BY duration_ms DESC LIMIT 1), 0) AS slowest,
		COALESCE((SELECT name FROM steps WHERE run_id = $1 ORDER BY duration_ms DESC LIMIT 1), '') AS slowest_name
	FROM steps WHERE run_id = $1
) AS agg
WHERE run_id = $1`, runID)
	if err != nil {
		return core.Run{}, fmt.Errorf("finalize run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

func scanRun(row pgx.Row) (core.Run, error) {
	var r core.Run
	err := row.Scan(
		&r.ID, &r.FleetName, &r.Status, &r.StartedAt, &r.EndedAt, &r.StepCount,
		&r.CurrentStep, &r.ItemsScraped, &r.TotalRuntime, &r.SlowestStep,
		&r.SlowestStepName, &r.FailureStep, &r.FailureStepName, &r.StopRequested,
	)
	return r, err
}
