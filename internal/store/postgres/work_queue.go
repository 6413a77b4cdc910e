package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/frontier"
)

// WorkQueueConfig carries the per-fleet claim tunables.
type WorkQueueConfig struct {
	HeartbeatExpiry time.Duration
	MaxAttempts     int
	RetryBackoff    frontier.BackoffPolicy
}

// WorkQueue is the Postgres-backed claimable backlog. Workers coordinate
// only through these rows; every method is one atomic statement.
type WorkQueue struct {
	db    DB
	clock core.Clock
	idGen core.IDGenerator
	cfg   WorkQueueConfig
}

// NewWorkQueue constructs a WorkQueue.
func NewWorkQueue(db DB, clock core.Clock, idGen core.IDGenerator, cfg WorkQueueConfig) *WorkQueue {
	if cfg.HeartbeatExpiry <= 0 {
		cfg.HeartbeatExpiry = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff.Base <= 0 {
		cfg.RetryBackoff = frontier.NewBackoffPolicy(time.Second, time.Minute)
	}
	return &WorkQueue{db: db, clock: clock, idGen: idGen, cfg: cfg}
}

const itemColumns = `item_id, run_id, natural_key, payload, priority, status,
claimed_by, claimed_at, heartbeat_at, attempt_count, last_error, enqueued_at`

// Enqueue inserts one unit of work. A duplicate natural key within the run
// is a no-op, not an error; the bool reports whether a row was inserted.
func (q *WorkQueue) Enqueue(ctx context.Context, runID, naturalKey string, payload []byte, priority int) (bool, error) {
	itemID, err := q.idGen.NewID()
	if err != nil {
		return false, fmt.Errorf("new item id: %w", err)
	}
	tag, err := q.db.Exec(ctx, `
INSERT INTO work_items (item_id, run_id, natural_key, payload, priority, status, next_eligible_at, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (run_id, natural_key) DO NOTHING`,
		itemID, runID, naturalKey, payload, priority, core.ItemStatusPending, q.clock.Now())
	if err != nil {
		return false, fmt.Errorf("enqueue item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimNext atomically claims up to batchSize items for workerID. Eligible
// rows are pending, re-queued failures whose retry backoff has elapsed, or
// claims whose heartbeat expired. FOR UPDATE SKIP LOCKED keeps concurrent
// claimants from blocking on or double-claiming the same rows;
// attempt_count increments on every claim.
func (q *WorkQueue) ClaimNext(ctx context.Context, runID, workerID string, batchSize int) ([]core.WorkItem, error) {
	now := q.clock.Now()
	staleBefore := now.Add(-q.cfg.HeartbeatExpiry)

	rows, err := q.db.Query(ctx, `
UPDATE work_items
SET status = 'claimed',
	claimed_by = $2,
	claimed_at = $4,
	heartbeat_at = $4,
	attempt_count = attempt_count + 1
WHERE item_id IN (
	SELECT item_id
	FROM work_items
	WHERE run_id = $1
		AND ((status IN ('pending', 'failed') AND next_eligible_at <= $4)
			OR (status = 'claimed' AND heartbeat_at < $5))
	ORDER BY priority DESC, enqueued_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns,
		runID, workerID, batchSize, now, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	var items []core.WorkItem
	for rows.Next() {
		var it core.WorkItem
		if err := rows.Scan(
			&it.ID, &it.RunID, &it.NaturalKey, &it.Payload, &it.Priority,
			&it.Status, &it.ClaimedBy, &it.ClaimedAt, &it.HeartbeatAt,
			&it.AttemptCount, &it.LastError, &it.EnqueuedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return items, nil
}

// Heartbeat extends the claim. Returns core.ErrClaimLost when the claim no
// longer belongs to workerID (reclaimed after going stale).
func (q *WorkQueue) Heartbeat(ctx context.Context, itemID, workerID string) error {
	tag, err := q.db.Exec(ctx, `
UPDATE work_items
SET heartbeat_at = $3
WHERE item_id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		itemID, workerID, q.clock.Now())
	if err != nil {
		return fmt.Errorf("heartbeat item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// Complete marks the item done and stores the opaque result.
func (q *WorkQueue) Complete(ctx context.Context, itemID string, result []byte) error {
	_, err := q.db.Exec(ctx, `
UPDATE work_items
SET status = 'completed', result = $2, claimed_by = NULL, heartbeat_at = NULL
WHERE item_id = $1`, itemID, result)
	if err != nil {
		return fmt.Errorf("complete item: %w", err)
	}
	return nil
}

// Fail ends attempt number attempt. Items with attempts remaining go back
// to the claimable backlog, eligible again only after the exponential retry
// backoff for that attempt; exhausted items move to dead for manual triage.
func (q *WorkQueue) Fail(ctx context.Context, itemID, errText string, attempt int) error {
	nextEligible := q.clock.Now().Add(q.cfg.RetryBackoff.Delay(attempt))
	_, err := q.db.Exec(ctx, `
UPDATE work_items
SET status = CASE WHEN attempt_count >= $3 THEN 'dead' ELSE 'failed' END,
	last_error = $2,
	next_eligible_at = $4,
	claimed_by = NULL,
	heartbeat_at = NULL
WHERE item_id = $1`, itemID, errText, q.cfg.MaxAttempts, nextEligible)
	if err != nil {
		return fmt.Errorf("fail item: %w", err)
	}
	return nil
}

// Release returns a claimed item to pending without consuming an attempt,
// used by workers exiting on cooperative stop.
func (q *WorkQueue) Release(ctx context.Context, itemID, workerID string) error {
	tag, err := q.db.Exec(ctx, `
UPDATE work_items
SET status = 'pending',
	claimed_by = NULL,
	claimed_at = NULL,
	heartbeat_at = NULL,
	attempt_count = attempt_count - 1
WHERE item_id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		itemID, workerID)
	if err != nil {
		return fmt.Errorf("release item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrClaimLost
	}
	return nil
}

// Bury moves a structurally broken item straight to dead, bypassing the
// remaining attempts.
func (q *WorkQueue) Bury(ctx context.Context, itemID, errText string) error {
	_, err := q.db.Exec(ctx, `
UPDATE work_items
SET status = 'dead', last_error = $2, claimed_by = NULL, heartbeat_at = NULL
WHERE item_id = $1`, itemID, errText)
	if err != nil {
		return fmt.Errorf("bury item: %w", err)
	}
	return nil
}

// Depth reports per-status counts for the run's backlog.
func (q *WorkQueue) Depth(ctx context.Context, runID string) (core.QueueDepth, error) {
	var d core.QueueDepth
	err := q.db.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'claimed'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*) FILTER (WHERE status = 'dead')
FROM work_items
WHERE run_id = $1`, runID).Scan(&d.Pending, &d.Claimed, &d.Completed, &d.Failed, &d.Dead)
	if err != nil {
		return core.QueueDepth{}, fmt.Errorf("queue depth: %w", err)
	}
	return d, nil
}
