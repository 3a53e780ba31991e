// Package executor runs a single job execution to completion: it resolves
// the template, enforces the per-attempt deadline, retries with a fixed
// delay, and persists the terminal record.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/store"
	"github.com/sangamhq/jobengine/template"
)

// finishTimeout bounds the persistence of a terminal record so a shutdown
// in progress cannot lose the outcome of a finished run.
const finishTimeout = 10 * time.Second

// Executor turns a started execution into a terminal one.
type Executor struct {
	store   *store.Store
	catalog *template.Catalog
	db      *sql.DB
	logger  *zap.SugaredLogger

	// sleep is swapped out in tests so retry delays don't slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. db is the engine database handed to templates.
func New(st *store.Store, catalog *template.Catalog, db *sql.DB, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		store:   st,
		catalog: catalog,
		db:      db,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Execute runs the job through up to 1+MaxRetries attempts and persists
// the outcome. The execution record reflects the final attempt; earlier
// attempts survive as log entries. Execute never returns template errors,
// they become data on the record; only persistence failures are returned.
func (e *Executor) Execute(ctx context.Context, def *store.JobDefinition, exec *store.JobExecution) error {
	rc := template.NewRunContext(def.ID, def.Name, exec.ID, exec.TriggeredBy, def.Parameters, e.db, e.logger)

	tmpl, err := e.catalog.Get(def.TemplateType)
	if err != nil {
		rc.Logf("error", "template %q not found in catalog", def.TemplateType)
		exec.Status = store.StatusFailed
		exec.Error = "template not found: " + def.TemplateType
		exec.Logs = rc.Logs()
		return e.finish(def, exec)
	}

	attempts := 1 + def.MaxRetries
	var result *template.Result
	var status store.ExecutionStatus
	var runErr error
	var attemptErrors []string

	for attempt := 1; attempt <= attempts; attempt++ {
		exec.Attempts = attempt
		if attempts > 1 {
			rc.Logf("info", "attempt %d of %d", attempt, attempts)
		}

		result, status, runErr = e.runOnce(ctx, tmpl, rc, def.Timeout())
		if status == store.StatusSuccess {
			break
		}

		attemptErrors = append(attemptErrors, runErr.Error())
		rc.Logf("error", "attempt %d %s: %v", attempt, status, runErr)
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		rc.Logf("warn", "retrying in %s", def.RetryDelay())
		if err := e.sleep(ctx, def.RetryDelay()); err != nil {
			rc.Logf("warn", "retry wait aborted: %v", err)
			break
		}
	}

	exec.Status = status
	exec.Result = result
	if runErr != nil {
		exec.Error = runErr.Error()
	}
	// Failed runs still carry a structured result so the history API can
	// show per-attempt errors without parsing log lines.
	if status != store.StatusSuccess && result == nil {
		exec.Result = &template.Result{
			Message: fmt.Sprintf("%s after %d attempts", status, exec.Attempts),
			Errors:  attemptErrors,
		}
	}
	exec.Logs = rc.Logs()

	return e.finish(def, exec)
}

// runOnce executes one attempt under the job's deadline. When the
// deadline fires the attempt is classified as timeout and the executor
// stops waiting; a template ignoring cancellation keeps its goroutine
// until it returns on its own.
func (e *Executor) runOnce(ctx context.Context, tmpl template.Template, rc *template.RunContext, timeout time.Duration) (*template.Result, store.ExecutionStatus, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *template.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf("template panicked: %v", r)}
			}
		}()
		result, err := tmpl.Run(attemptCtx, rc)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return nil, store.StatusTimeout, errors.Wrapf(out.err, "deadline of %s exceeded", timeout)
			}
			return nil, store.StatusFailed, out.err
		}
		return out.result, store.StatusSuccess, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, store.StatusTimeout, errors.Newf("deadline of %s exceeded", timeout)
		}
		return nil, store.StatusFailed, errors.Wrap(attemptCtx.Err(), "run aborted")
	}
}

// finish persists the terminal record under its own deadline so an
// engine shutdown cannot drop the outcome, then queues outcome
// notifications. The store recomputes next_run_at from the schedule
// persisted at finish time, so a mid-run schedule update sticks.
func (e *Executor) finish(def *store.JobDefinition, exec *store.JobExecution) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := e.store.FinishExecution(ctx, exec); err != nil {
		e.logger.Errorw("Failed to persist execution outcome",
			"execution_id", exec.ID,
			"job_id", exec.JobID,
			"status", exec.Status,
			"error", err,
		)
		return err
	}

	e.notify(ctx, def, exec)
	return nil
}

// notify queues an outbox row per configured recipient for the run's
// terminal status. Delivery failures never fail the run.
func (e *Executor) notify(ctx context.Context, def *store.JobDefinition, exec *store.JobExecution) {
	recipients := def.NotifyOnFailure
	priority := "high"
	if exec.Status == store.StatusSuccess {
		recipients = def.NotifyOnSuccess
		priority = "normal"
	}
	if len(recipients) == 0 || e.db == nil {
		return
	}

	subject := fmt.Sprintf("Job %q finished with status %s", def.Name, exec.Status)
	body := exec.Error
	if exec.Result != nil && exec.Result.Message != "" {
		body = exec.Result.Message
	}
	now := time.Now().UTC().Format(time.RFC3339)

	for _, recipient := range recipients {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO notification_outbox (id, recipient, subject, body, body_type, priority, status, created_at)
			VALUES (?, ?, ?, ?, 'text', ?, 'pending', ?)`,
			uuid.NewString(), recipient, subject, body, priority, now)
		if err != nil {
			e.logger.Warnw("Could not queue outcome notification",
				"execution_id", exec.ID,
				"job_id", def.ID,
				"recipient", recipient,
				"error", err,
			)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
