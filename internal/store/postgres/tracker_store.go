package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

// TrackerStore records spawned rendering-process lifecycles. Its rows are
// authoritative for "should this process still be alive"; OS-level kills
// belong to the external process manager.
type TrackerStore struct {
	db    DB
	clock core.Clock
	idGen core.IDGenerator
}

// NewTrackerStore constructs a TrackerStore.
func NewTrackerStore(db DB, clock core.Clock, idGen core.IDGenerator) *TrackerStore {
	return &TrackerStore{db: db, clock: clock, idGen: idGen}
}

// Register persists a spawn record and returns the instance id.
func (s *TrackerStore) Register(ctx context.Context, runID string, step int, threadID string, pid, ppid int) (string, error) {
	instanceID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("new instance id: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO browser_instances (instance_id, run_id, step_number, thread_id, process_id, parent_process_id, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		instanceID, runID, step, threadID, pid, ppid, s.clock.Now())
	if err != nil {
		return "", fmt.Errorf("register instance: %w", err)
	}
	return instanceID, nil
}

// MarkTerminated closes the instance record. Calling it twice is a no-op;
// the first recorded reason wins.
func (s *TrackerStore) MarkTerminated(ctx context.Context, instanceID, reason string) error {
	_, err := s.db.Exec(ctx, `
UPDATE browser_instances
SET terminated_at = $2, termination_reason = $3
WHERE instance_id = $1 AND terminated_at IS NULL`,
		instanceID, s.clock.Now(), reason)
	if err != nil {
		return fmt.Errorf("mark instance terminated: %w", err)
	}
	return nil
}

// SweepOrphans force-marks instances with no termination record after
// maxAge as terminated with reason orphan_cleanup, and returns their ids so
// the caller can hand them to the process manager for the actual kill.
func (s *TrackerStore) SweepOrphans(ctx context.Context, maxAge time.Duration) ([]string, error) {
	now := s.clock.Now()
	cutoff := now.Add(-maxAge)

	rows, err := s.db.Query(ctx, `
UPDATE browser_instances
SET terminated_at = $1, termination_reason = $3
WHERE terminated_at IS NULL AND started_at < $2
RETURNING instance_id`,
		now, cutoff, core.TerminationReasonOrphan)
	if err != nil {
		return nil, fmt.Errorf("sweep orphans: %w", err)
	}
	defer rows.Close()

	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept instance: %w", err)
		}
		swept = append(swept, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept instances: %w", err)
	}
	return swept, nil
}

// ActiveInstances lists instances of a run with no termination record.
func (s *TrackerStore) ActiveInstances(ctx context.Context, runID string) ([]core.BrowserInstance, error) {
	rows, err := s.db.Query(ctx, `
SELECT instance_id, run_id, step_number, thread_id, process_id, parent_process_id,
	started_at, terminated_at, COALESCE(termination_reason, '')
FROM browser_instances
WHERE run_id = $1 AND terminated_at IS NULL
ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("select active instances: %w", err)
	}
	defer rows.Close()

	var instances []core.BrowserInstance
	for rows.Next() {
		var in core.BrowserInstance
		if err := rows.Scan(
			&in.ID, &in.RunID, &in.StepNumber, &in.ThreadID, &in.ProcessID,
			&in.ParentProcessID, &in.StartedAt, &in.TerminatedAt, &in.TerminationReason,
		); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}
