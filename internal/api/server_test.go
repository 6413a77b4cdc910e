package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
	"github.com/fleetcrawl/fleetcrawl/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// apiRuns serves one canned run.
type apiRuns struct {
	run     core.Run
	steps   []core.Step
	stopped []string
}

func (s *apiRuns) GetRun(_ context.Context, runID string) (core.Run, error) {
	if runID != s.run.ID {
		return core.Run{}, fmt.Errorf("run %s not found", runID)
	}
	return s.run, nil
}

func (s *apiRuns) ListSteps(context.Context, string) ([]core.Step, error) { return s.steps, nil }

func (s *apiRuns) RequestStop(_ context.Context, runID string) error {
	if runID != s.run.ID {
		return fmt.Errorf("run %s not found", runID)
	}
	s.stopped = append(s.stopped, runID)
	return nil
}

func (s *apiRuns) CreateRun(context.Context, string, []core.Step) (core.Run, error) {
	return core.Run{}, nil
}
func (s *apiRuns) LatestResumable(context.Context, string) (core.Run, error) {
	return core.Run{}, core.ErrNoResumableRun
}
func (s *apiRuns) SetRunStatus(context.Context, string, core.RunStatus) error { return nil }
func (s *apiRuns) StopRequested(context.Context, string) (bool, error)        { return false, nil }
func (s *apiRuns) ResumePoint(context.Context, string) (int, error)           { return 0, nil }
func (s *apiRuns) MarkStepStart(context.Context, string, int) error           { return nil }
func (s *apiRuns) MarkStepComplete(context.Context, string, int, core.StepMetrics) error {
	return nil
}
func (s *apiRuns) MarkStepFailed(context.Context, string, int, string) (bool, error) {
	return false, nil
}
func (s *apiRuns) StaleRunRecovery(context.Context, time.Duration) (int64, error) { return 0, nil }
func (s *apiRuns) Finalize(context.Context, string) (core.Run, error)             { return core.Run{}, nil }

type apiQueue struct{ depth core.QueueDepth }

func (q *apiQueue) Enqueue(context.Context, string, string, []byte, int) (bool, error) {
	return false, nil
}
func (q *apiQueue) ClaimNext(context.Context, string, string, int) ([]core.WorkItem, error) {
	return nil, nil
}
func (q *apiQueue) Heartbeat(context.Context, string, string) error { return nil }
func (q *apiQueue) Complete(context.Context, string, []byte) error  { return nil }
func (q *apiQueue) Fail(context.Context, string, string, int) error { return nil }
func (q *apiQueue) Release(context.Context, string, string) error   { return nil }
func (q *apiQueue) Bury(context.Context, string, string) error      { return nil }
func (q *apiQueue) Depth(context.Context, string) (core.QueueDepth, error) {
	return q.depth, nil
}

type apiFrontier struct{ progress core.FrontierProgress }

func (f *apiFrontier) Add(context.Context, string, string, int, int, string) (bool, error) {
	return false, nil
}
func (f *apiFrontier) NextBatch(context.Context, string, int) ([]core.FrontierEntry, error) {
	return nil, nil
}
func (f *apiFrontier) MarkDone(context.Context, core.FrontierEntry, bool) error { return nil }
func (f *apiFrontier) Progress(context.Context, string) (core.FrontierProgress, error) {
	return f.progress, nil
}

type apiPool struct{ endpoints []core.ProxyEndpoint }

func (p *apiPool) Register(core.ProxyEndpoint) {}
func (p *apiPool) Acquire(string, core.ProxyType, string) (core.ProxyEndpoint, error) {
	return core.ProxyEndpoint{}, core.ErrPoolEmpty
}
func (p *apiPool) ReportOutcome(string, bool, time.Duration) {}
func (p *apiPool) Snapshot() []core.ProxyEndpoint            { return p.endpoints }

func testServer() (*Server, *apiRuns) {
	runs := &apiRuns{
		run: core.Run{
			ID:           "run-1",
			FleetName:    "bls-fleet",
			Status:       core.RunStatusRunning,
			StepCount:    2,
			ItemsScraped: 42,
		},
		steps: []core.Step{
			{RunID: "run-1", Number: 0, Name: "discover", Status: core.StepStatusCompleted},
			{RunID: "run-1", Number: 1, Name: "collect", Status: core.StepStatusInProgress},
		},
	}
	queue := &apiQueue{depth: core.QueueDepth{Pending: 3, Claimed: 2, Completed: 10}}
	frontier := &apiFrontier{progress: core.FrontierProgress{Completed: 5, Remaining: 7, Total: 12}}
	pool := &apiPool{endpoints: []core.ProxyEndpoint{{
		ID:          "ep-1",
		Address:     "10.0.0.1:8080",
		Username:    "secret-user",
		Password:    "secret-pass",
		CountryCode: "US",
		Type:        core.ProxyTypeResidential,
		HealthScore: 0.9,
	}}}
	return NewServer(runs, queue, frontier, pool, zap.NewNop()), runs
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestGetRunStatus(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Run   core.Run    `json:"run"`
		Steps []core.Step `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "run-1", body.Run.ID)
	require.EqualValues(t, 42, body.Run.ItemsScraped)
	require.Len(t, body.Steps, 2)
}

func TestGetRunStatusUnknownRun(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/ghost/status", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetQueueDepth(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/queue", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var depth core.QueueDepth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depth))
	require.EqualValues(t, 3, depth.Pending)
	require.EqualValues(t, 2, depth.Claimed)
}

func TestGetFrontierProgress(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1/frontier", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var p core.FrontierProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.EqualValues(t, 12, p.Total)
}

func TestStopRun(t *testing.T) {
	t.Parallel()

	srv, runs := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/stop", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"run-1"}, runs.stopped)
	require.Contains(t, rec.Body.String(), "stop_requested")
}

func TestStopRunUnknownRun(t *testing.T) {
	t.Parallel()

	srv, runs := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/ghost/stop", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, runs.stopped)
}

func TestProxySummaryOmitsCredentials(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proxies", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ep-1")
	require.NotContains(t, rec.Body.String(), "secret-user")
	require.NotContains(t, rec.Body.String(), "secret-pass")
	require.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := testServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
