package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/schedule"
	"github.com/sangamhq/jobengine/template"
)

// StartExecution atomically records the start of a run. The unique
// partial index on running rows is the busy-gate: a second concurrent
// start for the same job fails the insert and maps to ErrBusy.
func (s *Store) StartExecution(ctx context.Context, def *JobDefinition, triggeredBy string) (*JobExecution, error) {
	if triggeredBy == "" {
		triggeredBy = "scheduler"
	}
	exec := &JobExecution{
		ID:           uuid.NewString(),
		JobID:        def.ID,
		JobName:      def.Name,
		TemplateType: def.TemplateType,
		Status:       StatusRunning,
		StartedAt:    s.now(),
		Attempts:     1,
		TriggeredBy:  triggeredBy,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, job_name, template_type, status, started_at, logs, attempts, triggered_by)
		VALUES (?, ?, ?, ?, ?, ?, '[]', ?, ?)`,
		exec.ID, exec.JobID, exec.JobName, exec.TemplateType, exec.Status,
		formatTime(exec.StartedAt), exec.Attempts, exec.TriggeredBy)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(ErrBusy, "job %s", def.ID)
		}
		return nil, errors.Wrap(err, "insert execution")
	}

	s.logger.Infow("Execution started",
		"execution_id", exec.ID,
		"job_id", def.ID,
		"job_name", def.Name,
		"triggered_by", triggeredBy,
	)
	return exec, nil
}

// FinishExecution transitions a running execution to its terminal state
// and advances the definition's last_run_at/next_run_at in the same
// transaction. next_run_at is recomputed from the schedule stored on the
// definition at finish time, so a schedule updated mid-run takes effect
// immediately. Terminal rows are immutable: finishing an already-finished
// execution is an error. A definition deleted mid-run finalizes the
// execution without advancing anything.
func (s *Store) FinishExecution(ctx context.Context, exec *JobExecution) error {
	if !exec.Status.Terminal() {
		return errors.Newf("cannot finish execution %s with non-terminal status %q", exec.ID, exec.Status)
	}

	completed := s.now()
	duration := completed.Sub(exec.StartedAt).Seconds()
	exec.CompletedAt = &completed
	exec.DurationSeconds = &duration

	logsJSON, err := json.Marshal(exec.Logs)
	if err != nil {
		return errors.Wrap(err, "encode logs")
	}
	var resultJSON sql.NullString
	if exec.Result != nil {
		raw, err := json.Marshal(exec.Result)
		if err != nil {
			return errors.Wrap(err, "encode result")
		}
		resultJSON = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin finish tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE job_executions SET
			status = ?, completed_at = ?, duration_seconds = ?,
			result = ?, error = ?, logs = ?, attempts = ?
		WHERE id = ? AND status = 'running'`,
		exec.Status, formatTime(completed), duration,
		resultJSON, nullIfEmpty(exec.Error), string(logsJSON), exec.Attempts,
		exec.ID)
	if err != nil {
		return errors.Wrap(err, "finalize execution")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Newf("execution %s is not running, refusing to modify", exec.ID)
	}

	var schedJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT schedule FROM job_definitions WHERE id = ?", exec.JobID).Scan(&schedJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Definition deleted while the run was in flight.
	case err != nil:
		return errors.Wrapf(err, "load schedule for job %s", exec.JobID)
	default:
		var sched schedule.Schedule
		if err := json.Unmarshal([]byte(schedJSON), &sched); err != nil {
			return errors.Wrapf(err, "decode schedule for job %s", exec.JobID)
		}
		update := `UPDATE job_definitions SET last_run_at = ?, updated_at = ? WHERE id = ?`
		args := []any{formatTime(completed), formatTime(completed), exec.JobID}
		if next, nerr := schedule.NextRun(sched, completed); nerr != nil {
			s.logger.Warnw("Could not compute next run, advancing last_run_at only",
				"job_id", exec.JobID, "error", nerr)
		} else {
			update = `UPDATE job_definitions SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`
			args = []any{formatTime(completed), formatTime(next), formatTime(completed), exec.JobID}
		}
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return errors.Wrap(err, "advance job definition")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit finish tx")
	}

	s.logger.Infow("Execution finished",
		"execution_id", exec.ID,
		"job_id", exec.JobID,
		"status", exec.Status,
		"duration_seconds", duration,
		"attempts", exec.Attempts,
	)
	return nil
}

// RunningExecution returns the currently running execution for a job,
// or ErrNotFound when the job is idle.
func (s *Store) RunningExecution(ctx context.Context, jobID string) (*JobExecution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM job_executions WHERE job_id = ? AND status = 'running'", jobID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "no running execution for job %s", jobID)
	}
	return exec, err
}

// GetExecution fetches one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*JobExecution, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM job_executions WHERE id = ?", id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	return exec, err
}

// ListExecutionsOptions filters ListExecutions.
type ListExecutionsOptions struct {
	JobID  string
	Status ExecutionStatus
	Limit  int
	Offset int
}

// ListExecutions returns execution records newest first.
func (s *Store) ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*JobExecution, error) {
	query := "SELECT " + executionColumns + " FROM job_executions"
	var conds []string
	var args []any
	if opts.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, opts.JobID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var execs []*JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, errors.Wrap(rows.Err(), "iterate executions")
}

// Counts aggregates job and execution totals for the status endpoint.
type Counts struct {
	Jobs        int64 `json:"jobs"`
	EnabledJobs int64 `json:"enabledJobs"`
	Running     int64 `json:"running"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	TimedOut    int64 `json:"timedOut"`
}

// CountAll computes the aggregate counts.
func (s *Store) CountAll(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM job_definitions),
			(SELECT COUNT(*) FROM job_definitions WHERE enabled = 1),
			(SELECT COUNT(*) FROM job_executions WHERE status = 'running'),
			(SELECT COUNT(*) FROM job_executions WHERE status = 'success'),
			(SELECT COUNT(*) FROM job_executions WHERE status = 'failed'),
			(SELECT COUNT(*) FROM job_executions WHERE status = 'timeout')`,
	).Scan(&c.Jobs, &c.EnabledJobs, &c.Running, &c.Succeeded, &c.Failed, &c.TimedOut)
	return c, errors.Wrap(err, "count jobs and executions")
}

// PruneExecutions deletes terminal execution records started before the
// cutoff. Running rows are never pruned.
func (s *Store) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM job_executions WHERE status != 'running' AND started_at < ?",
		formatTime(olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "prune executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		s.logger.Infow("Pruned execution history", "deleted", n, "older_than", olderThan)
	}
	return n, nil
}

const executionColumns = `id, job_id, job_name, template_type, status, started_at,
	completed_at, duration_seconds, result, error, logs, attempts, triggered_by`

func scanExecution(row rowScanner) (*JobExecution, error) {
	var exec JobExecution
	var startedAt string
	var completedAt, result, errMsg sql.NullString
	var duration sql.NullFloat64
	var logsJSON string

	err := row.Scan(
		&exec.ID, &exec.JobID, &exec.JobName, &exec.TemplateType, &exec.Status,
		&startedAt, &completedAt, &duration, &result, &errMsg, &logsJSON,
		&exec.Attempts, &exec.TriggeredBy,
	)
	if err != nil {
		return nil, err
	}

	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "parse started_at for execution %s", exec.ID)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "parse completed_at for execution %s", exec.ID)
		}
		exec.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		exec.DurationSeconds = &d
	}
	if result.Valid {
		var r template.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, errors.Wrapf(err, "decode result for execution %s", exec.ID)
		}
		exec.Result = &r
	}
	if errMsg.Valid {
		exec.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(logsJSON), &exec.Logs); err != nil {
		return nil, errors.Wrapf(err, "decode logs for execution %s", exec.ID)
	}

	return &exec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
