// Package core defines domain types shared across subsystems.
package core

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

// Run status values persisted in the runs table.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Resumable reports whether a run in this status may be picked up again.
func (s RunStatus) Resumable() bool {
	switch s {
	case RunStatusRunning, RunStatusStopped, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Run is one execution of a pipeline for one target fleet. Rows are
// historical records and are never deleted.
type Run struct {
	ID              string     `json:"run_id"`
	FleetName       string     `json:"fleet_name"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	StepCount       int        `json:"step_count"`
	CurrentStep     int        `json:"current_step"`
	ItemsScraped    int64      `json:"items_scraped"`
	TotalRuntime    int64      `json:"total_runtime_ms"`
	SlowestStep     int        `json:"slowest_step"`
	SlowestStepName string     `json:"slowest_step_name,omitempty"`
	FailureStep     int        `json:"failure_step"`
	FailureStepName string     `json:"failure_step_name,omitempty"`
	StopRequested   bool       `json:"stop_requested"`
}

// StepStatus represents the lifecycle state of one pipeline stage.
type StepStatus string

// Step status values persisted in the steps table. Within a run, statuses
// are monotonic left-to-right: a step cannot complete while an earlier step
// is neither completed nor skipped.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Terminal reports whether a step in this status counts as finished for
// resume-point purposes.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// StepMetrics tracks row counters for one stage.
type StepMetrics struct {
	Read      int64 `json:"rows_read"`
	Processed int64 `json:"rows_processed"`
	Inserted  int64 `json:"rows_inserted"`
	Updated   int64 `json:"rows_updated"`
	Rejected  int64 `json:"rows_rejected"`
}

// Step is one ordered stage within a run.
type Step struct {
	RunID           string      `json:"run_id"`
	Number          int         `json:"step_number"`
	Name            string      `json:"name"`
	Status          StepStatus  `json:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Duration        int64       `json:"duration_ms"`
	Metrics         StepMetrics `json:"metrics"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	LogPath         string      `json:"log_path,omitempty"`
	ContinueOnError bool        `json:"continue_on_error"`
}

// ItemStatus represents the lifecycle state of a work item.
type ItemStatus string

// Work item status values. A dead item exhausted its attempts and waits for
// manual triage.
const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusClaimed   ItemStatus = "claimed"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusDead      ItemStatus = "dead"
)

// WorkItem is one claimable unit of work with an opaque payload. At most one
// worker holds a non-expired claim at any instant.
type WorkItem struct {
	ID           string     `json:"item_id"`
	RunID        string     `json:"run_id"`
	NaturalKey   string     `json:"natural_key"`
	Payload      []byte     `json:"payload"`
	Priority     int        `json:"priority"`
	Status       ItemStatus `json:"status"`
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
}

// QueueDepth summarizes the backlog of one run's work queue.
type QueueDepth struct {
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// Drained reports whether no claimable or in-flight work remains. Failed
// items still count: they are re-queued and will be claimed again.
func (d QueueDepth) Drained() bool {
	return d.Pending == 0 && d.Claimed == 0 && d.Failed == 0
}

// FrontierStatus represents the lifecycle state of a discovered address.
type FrontierStatus string

// Frontier entry status values.
const (
	FrontierStatusQueued            FrontierStatus = "queued"
	FrontierStatusInFlight          FrontierStatus = "in_flight"
	FrontierStatusDone              FrontierStatus = "done"
	FrontierStatusFailed            FrontierStatus = "failed"
	FrontierStatusPermanentlyFailed FrontierStatus = "permanently_failed"
)

// FrontierEntry is one discovered target address. Fingerprints are unique
// per run; a duplicate add is a counted no-op.
type FrontierEntry struct {
	RunID          string         `json:"run_id"`
	Fingerprint    string         `json:"url_fingerprint"`
	URL            string         `json:"url"`
	Priority       int            `json:"priority"`
	Depth          int            `json:"depth"`
	Referer        string         `json:"referer,omitempty"`
	Status         FrontierStatus `json:"status"`
	RetryCount     int            `json:"retry_count"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	AddedAt        time.Time      `json:"added_at"`
}

// FrontierProgress summarizes a run's frontier for observability.
type FrontierProgress struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Remaining int64 `json:"remaining"`
	Total     int64 `json:"total"`
}

// ProxyType classifies a network-identity endpoint.
type ProxyType string

// Proxy endpoint types.
const (
	ProxyTypeResidential ProxyType = "residential"
	ProxyTypeDatacenter  ProxyType = "datacenter"
	ProxyTypeMobile      ProxyType = "mobile"
)

// ProxyEndpoint is one network-identity unit. Endpoints are never deleted
// while configured; health fields mutate continuously from outcome reports.
type ProxyEndpoint struct {
	ID                  string     `json:"endpoint_id"`
	Address             string     `json:"address"`
	Username            string     `json:"username,omitempty"`
	Password            string     `json:"-"`
	CountryCode         string     `json:"country_code"`
	Type                ProxyType  `json:"type"`
	HealthScore         float64    `json:"health_score"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuspendedUntil      *time.Time `json:"suspended_until,omitempty"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
}

// Suspended reports whether the endpoint's circuit is open at now.
func (e ProxyEndpoint) Suspended(now time.Time) bool {
	return e.SuspendedUntil != nil && e.SuspendedUntil.After(now)
}

// BrowserInstance is the persisted record of one spawned rendering process.
type BrowserInstance struct {
	ID                string     `json:"instance_id"`
	RunID             string     `json:"run_id"`
	StepNumber        int        `json:"step_number"`
	ThreadID          string     `json:"thread_id"`
	ProcessID         int        `json:"process_id"`
	ParentProcessID   int        `json:"parent_process_id"`
	StartedAt         time.Time  `json:"started_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
}

// TerminationReasonOrphan marks instances force-closed by the orphan sweep.
const TerminationReasonOrphan = "orphan_cleanup"

// Target is one (natural key, payload) pair produced by a resolver to seed a
// step's work queue. The payload is opaque to the core.
type Target struct {
	NaturalKey string
	Payload    []byte
	Priority   int
}

// FetchResult is returned by a Fetcher implementation on success.
type FetchResult struct {
	Body       []byte
	StatusCode int
	Duration   time.Duration
}
