package core

import (
	"context"
	"time"
)

// RunStore persists runs and steps and implements checkpoint bookkeeping.
type RunStore interface {
	CreateRun(ctx context.Context, fleet string, steps []Step) (Run, error)
	LatestResumable(ctx context.Context, fleet string) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
	SetRunStatus(ctx context.Context, runID string, status RunStatus) error
	RequestStop(ctx context.Context, runID string) error
	StopRequested(ctx context.Context, runID string) (bool, error)
	ResumePoint(ctx context.Context, runID string) (int, error)
	MarkStepStart(ctx context.Context, runID string, step int) error
	MarkStepComplete(ctx context.Context, runID string, step int, metrics StepMetrics) error
	MarkStepFailed(ctx context.Context, runID string, step int, errText string) (halted bool, err error)
	StaleRunRecovery(ctx context.Context, maxIdle time.Duration) (int64, error)
	Finalize(ctx context.Context, runID string) (Run, error)
}

// WorkQueue is the claimable backlog shared by all workers of a run. All
// operations are individually atomic; exclusivity holds under concurrent
// callers.
type WorkQueue interface {
	Enqueue(ctx context.Context, runID, naturalKey string, payload []byte, priority int) (bool, error)
	ClaimNext(ctx context.Context, runID, workerID string, batchSize int) ([]WorkItem, error)
	Heartbeat(ctx context.Context, itemID, workerID string) error
	Complete(ctx context.Context, itemID string, result []byte) error
	Fail(ctx context.Context, itemID, errText string, attempt int) error
	Release(ctx context.Context, itemID, workerID string) error
	Bury(ctx context.Context, itemID, errText string) error
	Depth(ctx context.Context, runID string) (QueueDepth, error)
}

// Frontier is the discovery queue of not-yet-visited addresses.
type Frontier interface {
	Add(ctx context.Context, runID, rawURL string, priority, depth int, referer string) (bool, error)
	NextBatch(ctx context.Context, runID string, n int) ([]FrontierEntry, error)
	MarkDone(ctx context.Context, entry FrontierEntry, success bool) error
	Progress(ctx context.Context, runID string) (FrontierProgress, error)
}

// ProxyPool owns egress identity selection and health.
type ProxyPool interface {
	Register(endpoint ProxyEndpoint)
	Acquire(countryCode string, proxyType ProxyType, stickyKey string) (ProxyEndpoint, error)
	ReportOutcome(endpointID string, success bool, latency time.Duration)
	Snapshot() []ProxyEndpoint
}

// ResourceTracker records spawned rendering-process lifecycles. The tracker's
// record is authoritative for "should this still be alive"; OS-level kills
// belong to the ProcessManager.
type ResourceTracker interface {
	Register(ctx context.Context, runID string, step int, threadID string, pid, ppid int) (string, error)
	MarkTerminated(ctx context.Context, instanceID, reason string) error
	SweepOrphans(ctx context.Context, maxAge time.Duration) ([]string, error)
	ActiveInstances(ctx context.Context, runID string) ([]BrowserInstance, error)
}

// TargetResolver supplies the initial targets seeding a step's work queue.
// Implemented by target-specific collectors outside the core.
type TargetResolver interface {
	Resolve(ctx context.Context, fleet string, step Step) ([]Target, error)
}

// Fetcher performs the actual network/rendering operation against a target
// through the given egress endpoint. Failures carry a FailureClass via
// FetchError. The core never parses the returned content.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint ProxyEndpoint, item WorkItem) (FetchResult, error)
}

// ProcessManager performs OS-level spawn and kill of rendering processes.
type ProcessManager interface {
	Spawn(ctx context.Context, runID string, step int) (pid int, ppid int, err error)
	Kill(ctx context.Context, pid int) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
