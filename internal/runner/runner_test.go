package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

func pipelineSteps(names ...string) []core.Step {
	steps := make([]core.Step, 0, len(names))
	for i, n := range names {
		steps = append(steps, core.Step{Number: i, Name: n})
	}
	return steps
}

func TestInitRunFresh(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	r := newTestRunner(runs, newMemQueue(3), &staticResolver{perStep: 1}, okFetcher())

	rc, err := r.InitRun(context.Background(), "bls-fleet", true, pipelineSteps("discover", "collect"))
	require.NoError(t, err)
	require.NotEmpty(t, rc.Run.ID)
	require.Equal(t, 0, rc.ResumeFrom)
	require.Len(t, rc.Steps, 2)
	require.Equal(t, core.RunStatusPending, rc.Run.Status)
}

func TestInitRunResumeNoCandidates(t *testing.T) {
	t.Parallel()

	r := newTestRunner(newMemRuns(), newMemQueue(3), &staticResolver{perStep: 1}, okFetcher())

	_, err := r.InitRun(context.Background(), "bls-fleet", false, nil)
	require.ErrorIs(t, err, core.ErrNoResumableRun)
}

func TestInitRunResumePicksMostProgress(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	ctx := context.Background()

	early, err := runs.CreateRun(ctx, "bls-fleet", pipelineSteps("a", "b"))
	require.NoError(t, err)
	late, err := runs.CreateRun(ctx, "bls-fleet", pipelineSteps("a", "b"))
	require.NoError(t, err)

	// Both stopped; the earlier run accumulated more progress, so it wins
	// despite being older.
	require.NoError(t, runs.SetRunStatus(ctx, early.ID, core.RunStatusStopped))
	require.NoError(t, runs.SetRunStatus(ctx, late.ID, core.RunStatusStopped))
	require.NoError(t, runs.MarkStepComplete(ctx, early.ID, 0, core.StepMetrics{Processed: 500}))
	require.NoError(t, runs.MarkStepComplete(ctx, late.ID, 0, core.StepMetrics{Processed: 3}))

	r := newTestRunner(runs, newMemQueue(3), &staticResolver{perStep: 1}, okFetcher())
	rc, err := r.InitRun(ctx, "bls-fleet", false, nil)
	require.NoError(t, err)
	require.Equal(t, early.ID, rc.Run.ID)
	require.Equal(t, 1, rc.ResumeFrom)
}

func TestInitRunIgnoresCompletedRuns(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	ctx := context.Background()

	done, err := runs.CreateRun(ctx, "bls-fleet", pipelineSteps("a"))
	require.NoError(t, err)
	require.NoError(t, runs.SetRunStatus(ctx, done.ID, core.RunStatusCompleted))

	r := newTestRunner(runs, newMemQueue(3), &staticResolver{perStep: 1}, okFetcher())
	_, err = r.InitRun(ctx, "bls-fleet", false, nil)
	require.ErrorIs(t, err, core.ErrNoResumableRun)
}

func TestExecuteCompletesAllSteps(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	queue := newMemQueue(3)
	resolver := &staticResolver{perStep: 3}
	r := newTestRunner(runs, queue, resolver, okFetcher())

	ctx := context.Background()
	rc, err := r.InitRun(ctx, "bls-fleet", true, pipelineSteps("discover", "collect"))
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, rc))

	run, err := runs.GetRun(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusCompleted, run.Status)
	require.EqualValues(t, 6, run.ItemsScraped)

	steps, err := runs.ListSteps(ctx, rc.Run.ID)
	require.NoError(t, err)
	for _, s := range steps {
		require.Equal(t, core.StepStatusCompleted, s.Status)
		require.EqualValues(t, 3, s.Metrics.Processed)
	}
	require.Equal(t, []int{0, 1}, resolver.steps())
}

func TestExecuteResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	queue := newMemQueue(3)
	resolver := &staticResolver{perStep: 2}
	r := newTestRunner(runs, queue, resolver, okFetcher())

	ctx := context.Background()
	run, err := runs.CreateRun(ctx, "bls-fleet", pipelineSteps("a", "b", "c"))
	require.NoError(t, err)

	// Steps 0 and 1 finished in a previous driver; step 2 failed it.
	require.NoError(t, runs.MarkStepComplete(ctx, run.ID, 0, core.StepMetrics{Processed: 10}))
	require.NoError(t, runs.MarkStepComplete(ctx, run.ID, 1, core.StepMetrics{Processed: 10}))
	_, err = runs.MarkStepFailed(ctx, run.ID, 2, "driver died")
	require.NoError(t, err)

	rc, err := r.InitRun(ctx, "bls-fleet", false, nil)
	require.NoError(t, err)
	require.Equal(t, run.ID, rc.Run.ID)
	require.Equal(t, 2, rc.ResumeFrom)

	require.NoError(t, r.Execute(ctx, rc))

	// Only the failed step re-ran; completed work was not repeated.
	require.Equal(t, []int{2}, resolver.steps())

	got, err := runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusCompleted, got.Status)
	require.EqualValues(t, 22, got.ItemsScraped)
}

func TestExecuteFatalFailureHaltsRun(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	fetch := funcFetcher(func(context.Context, core.ProxyEndpoint, core.WorkItem) (core.FetchResult, error) {
		return core.FetchResult{}, core.NewFetchError(core.FailureFatal, errors.New("api key revoked"))
	})
	r := newTestRunner(runs, newMemQueue(3), &staticResolver{perStep: 2}, fetch)

	ctx := context.Background()
	rc, err := r.InitRun(ctx, "bls-fleet", true, pipelineSteps("discover", "collect"))
	require.NoError(t, err)

	err = r.Execute(ctx, rc)
	require.Error(t, err)
	require.True(t, IsHalt(err))

	run, err := runs.GetRun(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusFailed, run.Status)
	require.Equal(t, 0, run.FailureStep)
	require.Equal(t, "discover", run.FailureStepName)

	steps, err := runs.ListSteps(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.StepStatusFailed, steps[0].Status)
	require.Equal(t, core.StepStatusPending, steps[1].Status)
}

func TestExecuteContinueOnErrorStepDoesNotHalt(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	// The optional step fails at seeding; later steps still run.
	resolver := &failingStepResolver{failStep: 0, inner: &staticResolver{perStep: 1}}
	r := newTestRunner(runs, newMemQueue(3), resolver, okFetcher())

	steps := []core.Step{
		{Number: 0, Name: "optional-enrich", ContinueOnError: true},
		{Number: 1, Name: "collect"},
	}

	ctx := context.Background()
	rc, err := r.InitRun(ctx, "bls-fleet", true, steps)
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, rc))

	run, err := runs.GetRun(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusCompleted, run.Status)

	listed, err := runs.ListSteps(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.StepStatusFailed, listed[0].Status)
	require.Equal(t, core.StepStatusCompleted, listed[1].Status)
}

func TestExecuteStopLeavesRunResumable(t *testing.T) {
	t.Parallel()

	runs := newMemRuns()
	queue := newMemQueue(3)

	r := newTestRunner(runs, queue, &staticResolver{perStep: 4}, funcFetcher(
		func(ctx context.Context, _ core.ProxyEndpoint, item core.WorkItem) (core.FetchResult, error) {
			// Stop mid-step after the first fetch.
			_ = runs.RequestStop(ctx, item.RunID)
			return core.FetchResult{StatusCode: 200}, nil
		}))

	ctx := context.Background()
	rc, err := r.InitRun(ctx, "bls-fleet", true, pipelineSteps("collect"))
	require.NoError(t, err)
	require.NoError(t, r.Execute(ctx, rc))

	run, err := runs.GetRun(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStatusStopped, run.Status)
	require.True(t, run.Status.Resumable())

	// No claims left hanging: everything is completed or back to pending.
	d, err := queue.Depth(ctx, rc.Run.ID)
	require.NoError(t, err)
	require.Zero(t, d.Claimed)
	require.Positive(t, d.Completed)
}

func TestSweeperRecoversStaleState(t *testing.T) {
	t.Parallel()

	tracker := &countingTracker{}
	s := NewSweeper(newMemRuns(), tracker, SweeperConfig{
		Interval:       5 * time.Millisecond,
		RunIdle:        time.Minute,
		InstanceMaxAge: time.Minute,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return tracker.sweepCount() >= 2 },
		5*time.Second, 2*time.Millisecond)
	cancel()
	<-done
}
