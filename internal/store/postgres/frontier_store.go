package postgres

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/frontier"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

// FrontierConfig carries the per-fleet discovery-queue tunables.
type FrontierConfig struct {
	RetryLimit int
	Backoff    frontier.BackoffPolicy
	Limiter    *frontier.DomainLimiter
}

// FrontierStore persists discovered addresses with fingerprint dedup and
// per-domain politeness.
type FrontierStore struct {
	db      DB
	clock   core.Clock
	cfg     FrontierConfig
	logger  *zap.Logger
	dupSeen atomic.Int64
}

// NewFrontierStore constructs a FrontierStore.
func NewFrontierStore(db DB, clock core.Clock, cfg FrontierConfig, logger *zap.Logger) *FrontierStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.Limiter == nil {
		cfg.Limiter = frontier.NewDomainLimiter(frontier.LimiterConfig{})
	}
	return &FrontierStore{db: db, clock: clock, cfg: cfg, logger: logger}
}

// Add normalizes and fingerprints the address and inserts it. A fingerprint
// already present for the run is silently rejected: counted, logged at
// debug, and reported as inserted=false.
func (s *FrontierStore) Add(ctx context.Context, runID, rawURL string, priority, depth int, referer string) (bool, error) {
	normalized, err := frontier.Normalize(rawURL)
	if err != nil {
		return false, fmt.Errorf("normalize url: %w", err)
	}
	fp := frontier.Fingerprint(normalized)
	now := s.clock.Now()

	tag, err := s.db.Exec(ctx, `
INSERT INTO frontier_entries (run_id, url_fingerprint, url, priority, depth, referer, status, next_eligible_at, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (run_id, url_fingerprint) DO NOTHING`,
		runID, fp, normalized, priority, depth, referer, core.FrontierStatusQueued, now)
	if err != nil {
		return false, fmt.Errorf("insert frontier entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.dupSeen.Add(1)
		metrics.ObserveFrontier("duplicate")
		s.logger.Debug("frontier duplicate rejected",
			zap.String("run_id", runID),
			zap.String("url", normalized),
		)
		return false, nil
	}
	metrics.ObserveFrontier("added")
	return true, nil
}

// NextBatch returns up to n eligible entries and flips them to in_flight.
// Entries for domains over their politeness budget are skipped this call
// and stay queued; the method never blocks waiting for a token.
func (s *FrontierStore) NextBatch(ctx context.Context, runID string, n int) ([]core.FrontierEntry, error) {
	now := s.clock.Now()

	// Over-fetch so throttled domains don't starve the batch.
	rows, err := s.db.Query(ctx, `
SELECT `+frontierColumns+`
FROM frontier_entries
WHERE run_id = $1 AND status = 'queued' AND next_eligible_at <= $2
ORDER BY priority DESC, added_at ASC
LIMIT $3`, runID, now, n*4)
	if err != nil {
		return nil, fmt.Errorf("select frontier candidates: %w", err)
	}
	candidates, err := scanFrontierEntries(rows)
	if err != nil {
		return nil, err
	}

	var picked []core.FrontierEntry
	for _, entry := range candidates {
		if len(picked) >= n {
			break
		}
		if !s.cfg.Limiter.Allow(frontier.Domain(entry.URL)) {
			continue
		}
		picked = append(picked, entry)
	}

	var out []core.FrontierEntry
	for _, entry := range picked {
		// Conditional flip: a concurrent caller may have taken the row
		// between select and update, in which case we just drop it.
		tag, err := s.db.Exec(ctx, `
UPDATE frontier_entries
SET status = 'in_flight'
WHERE run_id = $1 AND url_fingerprint = $2 AND status = 'queued'`,
			runID, entry.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("mark in_flight: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		entry.Status = core.FrontierStatusInFlight
		out = append(out, entry)
	}
	return out, nil
}

// MarkDone finishes one attempt. Failures are rescheduled at now plus the
// exponential backoff for the attempt; entries that exhausted the retry
// limit become permanently_failed.
func (s *FrontierStore) MarkDone(ctx context.Context, entry core.FrontierEntry, success bool) error {
	if success {
		_, err := s.db.Exec(ctx, `
UPDATE frontier_entries
SET status = 'done'
WHERE run_id = $1 AND url_fingerprint = $2`,
			entry.RunID, entry.Fingerprint)
		if err != nil {
			return fmt.Errorf("mark frontier done: %w", err)
		}
		metrics.ObserveFrontier("done")
		return nil
	}

	attempt := entry.RetryCount + 1
	if attempt >= s.cfg.RetryLimit {
		_, err := s.db.Exec(ctx, `
UPDATE frontier_entries
SET status = 'permanently_failed', retry_count = $3
WHERE run_id = $1 AND url_fingerprint = $2`,
			entry.RunID, entry.Fingerprint, attempt)
		if err != nil {
			return fmt.Errorf("mark frontier permanently failed: %w", err)
		}
		metrics.ObserveFrontier("failed")
		return nil
	}

	nextEligible := s.clock.Now().Add(s.cfg.Backoff.Delay(attempt))
	_, err := s.db.Exec(ctx, `
UPDATE frontier_entries
SET status = 'queued', retry_count = $3, next_eligible_at = $4
WHERE run_id = $1 AND url_fingerprint = $2`,
		entry.RunID, entry.Fingerprint, attempt, nextEligible)
	if err != nil {
		return fmt.Errorf("reschedule frontier entry: %w", err)
	}
	return nil
}

// Progress summarizes the run's frontier for observability.
func (s *FrontierStore) Progress(ctx context.Context, runID string) (core.FrontierProgress, error) {
	var p core.FrontierProgress
	err := s.db.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'done'),
	COUNT(*) FILTER (WHERE status IN ('failed', 'permanently_failed')),
	COUNT(*) FILTER (WHERE status IN ('queued', 'in_flight')),
	COUNT(*)
FROM frontier_entries
WHERE run_id = $1`, runID).Scan(&p.Completed, &p.Failed, &p.Remaining, &p.Total)
	if err != nil {
		return core.FrontierProgress{}, fmt.Errorf("frontier progress: %w", err)
	}
	return p, nil
}

// DuplicatesRejected reports how many adds were dedup no-ops.
func (s *FrontierStore) DuplicatesRejected() int64 {
	return s.dupSeen.Load()
}

const frontierColumns = `run_id, url_fingerprint, url, priority, depth, referer,
status, retry_count, next_eligible_at, added_at`

func scanFrontierEntries(rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}) ([]core.FrontierEntry, error) {
	defer rows.Close()
	var entries []core.FrontierEntry
	for rows.Next() {
		var e core.FrontierEntry
		if err := rows.Scan(
			&e.RunID, &e.Fingerprint, &e.URL, &e.Priority, &e.Depth,
			&e.Referer, &e.Status, &e.RetryCount, &e.NextEligibleAt, &e.AddedAt,
		); err != nil {
			return nil, fmt.Errorf("scan frontier entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate frontier entries: %w", err)
	}
	return entries, nil
}
