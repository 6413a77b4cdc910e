package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

func newRunStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRunStore(mock, fixedClock{testNow}, &seqIDGen{prefix: "run"}), mock
}

func TestCreateRunInsertsRunAndSteps(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").
		WithArgs("run-1", "bls-fleet", core.RunStatusPending, testNow, 2, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO steps").
		WithArgs("run-1", 0, "discover", core.StepStatusPending, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO steps").
		WithArgs("run-1", 1, "collect", core.StepStatusPending, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run, err := store.CreateRun(context.Background(), "bls-fleet", []core.Step{
		{Name: "discover"},
		{Name: "collect", ContinueOnError: true},
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, core.RunStatusPending, run.Status)
	require.Equal(t, 2, run.StepCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func runRow(mock pgxmock.PgxPoolIface, id string, status core.RunStatus, items int64) *pgxmock.Rows {
	return mock.NewRows([]string{
		"run_id", "fleet_name", "status", "started_at", "ended_at", "step_count",
		"current_step", "items_scraped", "total_runtime_ms", "slowest_step",
		"slowest_step_name", "failure_step", "failure_step_name", "stop_requested",
	}).AddRow(id, "bls-fleet", status, testNow, (*time.Time)(nil), 3, 1, items,
		int64(0), 0, "", 0, "", false)
}

func TestLatestResumableReturnsRow(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectQuery("FROM runs").
		WithArgs("bls-fleet").
		WillReturnRows(runRow(mock, "run-9", core.RunStatusStopped, 420))

	run, err := store.LatestResumable(context.Background(), "bls-fleet")
	require.NoError(t, err)
	require.Equal(t, "run-9", run.ID)
	require.Equal(t, core.RunStatusStopped, run.Status)
	require.EqualValues(t, 420, run.ItemsScraped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestResumableNoRuns(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectQuery("FROM runs").
		WithArgs("bls-fleet").
		WillReturnRows(mock.NewRows([]string{"run_id"}))

	_, err := store.LatestResumable(context.Background(), "bls-fleet")
	require.ErrorIs(t, err, core.ErrNoResumableRun)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumePointSkipsFinishedSteps(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	two := 2
	mock.ExpectQuery("SELECT MIN").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows([]string{"min"}).AddRow(&two))

	point, err := store.ResumePoint(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, point)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResumePointAllStepsFinished(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectQuery("SELECT MIN").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows([]string{"min"}).AddRow((*int)(nil)))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("run-1").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(3))

	point, err := store.ResumePoint(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 3, point)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRunStatusTerminalStampsEndedAt(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1", core.RunStatusCompleted, &testNow, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetRunStatus(context.Background(), "run-1", core.RunStatusCompleted)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestStopUnknownRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectExec("UPDATE runs SET stop_requested").
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.RequestStop(context.Background(), "nope")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStepStartAdvancesRunPointer(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE steps").
		WithArgs("run-1", 1, core.StepStatusInProgress, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1", core.RunStatusRunning, 1, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.MarkStepStart(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStepCompleteFoldsProgress(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	metrics := core.StepMetrics{Read: 10, Processed: 8, Inserted: 8, Rejected: 2}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE steps").
		WithArgs("run-1", 0, core.StepStatusCompleted, testNow,
			metrics.Read, metrics.Processed, metrics.Inserted, metrics.Updated, metrics.Rejected).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1", metrics.Processed, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.MarkStepComplete(context.Background(), "run-1", 0, metrics)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStepFailedHaltsRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE steps").
		WithArgs("run-1", 2, core.StepStatusFailed, testNow, "boom").
		WillReturnRows(mock.NewRows([]string{"name", "continue_on_error"}).
			AddRow("collect", false))
	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1", core.RunStatusFailed, testNow, 2, "collect").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	halted, err := store.MarkStepFailed(context.Background(), "run-1", 2, "boom")
	require.NoError(t, err)
	require.True(t, halted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStepFailedContinueOnError(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE steps").
		WithArgs("run-1", 1, core.StepStatusFailed, testNow, "boom").
		WillReturnRows(mock.NewRows([]string{"name", "continue_on_error"}).
			AddRow("optional-enrich", true))
	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	halted, err := store.MarkStepFailed(context.Background(), "run-1", 1, "boom")
	require.NoError(t, err)
	require.False(t, halted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleRunRecoveryReturnsCount(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	cutoff := testNow.Add(-5 * time.Minute)
	mock.ExpectExec("UPDATE runs").
		WithArgs(cutoff, core.RunStatusStopped, core.RunStatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.StaleRunRecovery(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeAggregatesAndReturnsRun(t *testing.T) {
	t.Parallel()

	store, mock := newRunStore(t)

	mock.ExpectExec("UPDATE runs").
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("FROM runs").
		WithArgs("run-1").
		WillReturnRows(runRow(mock, "run-1", core.RunStatusCompleted, 99))

	run, err := store.Finalize(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.EqualValues(t, 99, run.ItemsScraped)
	require.NoError(t, mock.ExpectationsWereMet())
}
