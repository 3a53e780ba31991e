package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/jobengine/errors"
	jetest "github.com/sangamhq/jobengine/internal/testing"
	"github.com/sangamhq/jobengine/internal/util"
	"github.com/sangamhq/jobengine/schedule"
	"github.com/sangamhq/jobengine/template"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	catalog := template.NewCatalog()
	require.NoError(t, template.RegisterBuiltins(catalog, template.BuiltinOptions{
		ExportDir: t.TempDir(),
		BackupDir: t.TempDir(),
	}))

	return New(jetest.CreateTestDB(t), catalog, nil)
}

func cleanupJob(name string) NewJob {
	return NewJob{
		Name:         name,
		TemplateType: "database_cleanup",
		Parameters:   map[string]any{"table": "activity_logs", "older_than_days": 30},
		Schedule:     schedule.Every(time.Hour),
		CreatedBy:    "admin@example.com",
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := time.Now().UTC()
	def, err := s.Create(ctx, cleanupJob("nightly cleanup"))
	require.NoError(t, err)

	assert.NotEmpty(t, def.ID)
	assert.True(t, def.Enabled)
	assert.Equal(t, DefaultTimeoutSeconds, def.TimeoutSeconds)
	assert.Equal(t, DefaultMaxRetries, def.MaxRetries)
	assert.Equal(t, DefaultRetryDelaySeconds, def.RetryDelaySeconds)
	assert.Equal(t, int64(1), def.Version)
	assert.True(t, def.NextRunAt.After(before.Add(59*time.Minute)))

	got, err := s.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.Parameters, got.Parameters)
	assert.True(t, def.NextRunAt.Equal(got.NextRunAt))
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create(context.Background(), NewJob{
		Name:         "bad",
		TemplateType: "quantum_flux",
		Schedule:     schedule.Every(time.Hour),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, template.ErrUnknownTemplate))
}

func TestCreateRejectsBadParameters(t *testing.T) {
	s := newTestStore(t)

	job := cleanupJob("bad params")
	job.Parameters = map[string]any{"table": "job_definitions", "older_than_days": 30}

	_, err := s.Create(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, template.ErrValidation))
}

func TestCreateRejectsBadCron(t *testing.T) {
	s := newTestStore(t)

	job := cleanupJob("bad cron")
	job.Schedule = schedule.Cron("* * *", "")

	_, err := s.Create(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schedule.ErrInvalidCronExpression))
}

func TestUpdateScheduleRecomputesNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("reschedule me"))
	require.NoError(t, err)
	originalNext := def.NextRunAt

	updated, err := s.Update(ctx, def.ID, JobPatch{
		Schedule: util.Ptr(schedule.Every(10 * time.Second)),
	})
	require.NoError(t, err)
	assert.True(t, updated.NextRunAt.Before(originalNext))
	assert.Equal(t, int64(2), updated.Version)
}

func TestUpdateWithoutScheduleKeepsNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("rename me"))
	require.NoError(t, err)

	updated, err := s.Update(ctx, def.ID, JobPatch{Name: util.Ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.NextRunAt.Equal(def.NextRunAt))
}

func TestUpdateMissingJob(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update(context.Background(), "no-such-id", JobPatch{Name: util.Ptr("x")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteKeepsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("short lived"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "admin")
	require.NoError(t, err)
	exec.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, exec))

	require.NoError(t, s.Delete(ctx, def.ID))

	_, err = s.Get(ctx, def.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	execs, err := s.ListExecutions(ctx, ListExecutionsOptions{JobID: def.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	assert.True(t, errors.Is(s.Delete(ctx, def.ID), ErrNotFound))
}

func TestFindReadySelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ready, err := s.Create(ctx, cleanupJob("ready"))
	require.NoError(t, err)

	notYet, err := s.Create(ctx, cleanupJob("not yet"))
	require.NoError(t, err)

	disabled, err := s.Create(ctx, cleanupJob("disabled"))
	require.NoError(t, err)
	_, err = s.Update(ctx, disabled.ID, JobPatch{Enabled: util.Ptr(false)})
	require.NoError(t, err)

	// Jobs become ready an hour out; scan two hours in the future so only
	// the enabled ones match.
	future := time.Now().UTC().Add(2 * time.Hour)
	defs, err := s.FindReady(ctx, future, 10)
	require.NoError(t, err)

	ids := make([]string, len(defs))
	for i, d := range defs {
		ids[i] = d.ID
	}
	assert.Contains(t, ids, ready.ID)
	assert.Contains(t, ids, notYet.ID)
	assert.NotContains(t, ids, disabled.ID)

	// Nothing is ready right now.
	defs, err = s.FindReady(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestFindReadySubsecondBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 31, 10, 0, 0, 200*int(time.Millisecond), time.UTC)
	s.now = func() time.Time { return base }

	job := cleanupJob("fractional")
	job.Schedule = schedule.Every(time.Second)
	def, err := s.Create(ctx, job)
	require.NoError(t, err)
	require.True(t, def.NextRunAt.Equal(base.Add(time.Second)))

	// The readiness scan compares stored timestamps as text, so a
	// trailing-zero-trimmed fraction like "...:01.2Z" would sort after
	// "...:01.25Z" and hide a past-due job. The fixed-width layout keeps
	// the comparison order-preserving.
	defs, err := s.FindReady(ctx, base.Add(time.Second+50*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, def.ID, defs[0].ID)
	assert.True(t, defs[0].NextRunAt.Equal(def.NextRunAt))
}

func TestStartExecutionBusyGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("exclusive"))
	require.NoError(t, err)

	first, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)

	_, err = s.StartExecution(ctx, def, "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))

	first.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, first))

	// Gate opens once the first run finishes.
	_, err = s.StartExecution(ctx, def, "admin")
	require.NoError(t, err)
}

func TestStartExecutionConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("race"))
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.StartExecution(ctx, def, "scheduler")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var started, busy int
	for err := range results {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, workers-1, busy)
}

func TestFinishExecutionAdvancesSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("advancing"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)

	exec.Status = StatusSuccess
	exec.Result = &template.Result{Message: "done", RecordsAffected: 3}
	exec.Logs = []template.LogEntry{{Timestamp: time.Now().UTC(), Level: "info", Message: "ok"}}

	require.NoError(t, s.FinishExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, int64(3), got.Result.RecordsAffected)
	require.Len(t, got.Logs, 1)

	updatedDef, err := s.Get(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, updatedDef.LastRunAt)
	// Hourly interval: the store advances next_run_at an hour past finish.
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), updatedDef.NextRunAt, 2*time.Second)
}

func TestFinishExecutionUsesStoredSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("rescheduled"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)

	// Hourly job switched to a daily cron while the run is in flight.
	cron := schedule.Cron("0 3 * * *", "")
	_, err = s.Update(ctx, def.ID, JobPatch{Schedule: &cron})
	require.NoError(t, err)

	exec.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, exec))

	got, err := s.Get(ctx, def.ID)
	require.NoError(t, err)
	expected, err := schedule.NextRun(cron, time.Now().UTC())
	require.NoError(t, err)
	assert.WithinDuration(t, expected, got.NextRunAt, time.Minute,
		"next_run_at must come from the schedule stored at finish time")
}

func TestFinishExecutionSurvivesDeletedDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("short lived"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, def.ID))

	exec.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
}

func TestFinishExecutionIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("immutable"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)

	exec.Status = StatusFailed
	exec.Error = "boom"
	require.NoError(t, s.FinishExecution(ctx, exec))

	// Second finish must refuse: the row is no longer running.
	exec.Status = StatusSuccess
	err = s.FinishExecution(ctx, exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestFinishExecutionRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)

	exec := &JobExecution{ID: "x", Status: StatusRunning, StartedAt: time.Now()}
	err := s.FinishExecution(context.Background(), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestListExecutionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("history"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		exec, err := s.StartExecution(ctx, def, "scheduler")
		require.NoError(t, err)
		if i == 2 {
			exec.Status = StatusFailed
			exec.Error = "flaky"
		} else {
			exec.Status = StatusSuccess
		}
		require.NoError(t, s.FinishExecution(ctx, exec))
	}

	all, err := s.ListExecutions(ctx, ListExecutionsOptions{JobID: def.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListExecutions(ctx, ListExecutionsOptions{JobID: def.ID, Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "flaky", failed[0].Error)

	limited, err := s.ListExecutions(ctx, ListExecutionsOptions{JobID: def.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestCountAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("counted"))
	require.NoError(t, err)

	exec, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)
	exec.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, exec))

	_, err = s.StartExecution(ctx, def, "admin")
	require.NoError(t, err)

	counts, err := s.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Jobs)
	assert.Equal(t, int64(1), counts.EnabledJobs)
	assert.Equal(t, int64(1), counts.Running)
	assert.Equal(t, int64(1), counts.Succeeded)
}

func TestPruneExecutionsKeepsRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def, err := s.Create(ctx, cleanupJob("prunable"))
	require.NoError(t, err)

	old, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)
	old.Status = StatusSuccess
	require.NoError(t, s.FinishExecution(ctx, old))

	running, err := s.StartExecution(ctx, def, "scheduler")
	require.NoError(t, err)

	deleted, err := s.PruneExecutions(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetExecution(ctx, running.ID)
	assert.NoError(t, err)
	_, err = s.GetExecution(ctx, old.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateLosingVersionCheckIsConflict(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	now := formatTime(time.Now().UTC())
	row := sqlmock.NewRows([]string{
		"id", "name", "description", "template_type", "parameters", "schedule", "enabled",
		"timeout_seconds", "max_retries", "retry_delay_seconds",
		"notify_on_success", "notify_on_failure",
		"next_run_at", "last_run_at", "created_by", "created_at", "updated_at", "version",
	}).AddRow(
		"job-1", "nightly cleanup", "", "database_cleanup", "{}", `{"kind":"interval","seconds":3600}`, 1,
		3600, 3, 300, "[]", "[]", now, nil, "admin", now, now, 1,
	)
	mock.ExpectQuery("SELECT").WillReturnRows(row)
	// A concurrent writer bumped the version between our read and write,
	// so the guarded update matches no rows.
	mock.ExpectExec("UPDATE job_definitions").WillReturnResult(sqlmock.NewResult(0, 0))

	s := New(mockDB, template.NewCatalog(), nil)
	_, err = s.Update(context.Background(), "job-1", JobPatch{Enabled: util.Ptr(false)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindReadySurfacesDriverErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("disk I/O error"))

	s := New(mockDB, template.NewCatalog(), nil)
	_, err = s.FindReady(context.Background(), time.Now(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
