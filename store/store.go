// Package store persists job definitions and execution records in SQLite
// and enforces the single-running-execution invariant per job.
package store

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/schedule"
	"github.com/sangamhq/jobengine/template"
)

var (
	// ErrNotFound is returned when a job or execution id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a job already has a running execution.
	ErrBusy = errors.New("job already has a running execution")
	// ErrConflict is returned when an update loses an optimistic
	// version check to a concurrent writer.
	ErrConflict = errors.New("job modified concurrently")
)

// ExecutionStatus is the lifecycle state of a JobExecution.
type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusTimeout ExecutionStatus = "timeout"
)

// Terminal reports whether the status is a final one.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// JobDefinition is a persisted, schedulable job bound to a template type.
type JobDefinition struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	TemplateType      string            `json:"templateType"`
	Parameters        map[string]any    `json:"parameters"`
	Schedule          schedule.Schedule `json:"schedule"`
	Enabled           bool              `json:"enabled"`
	TimeoutSeconds    int               `json:"timeoutSeconds"`
	MaxRetries        int               `json:"maxRetries"`
	RetryDelaySeconds int               `json:"retryDelaySeconds"`
	NotifyOnSuccess   []string          `json:"notifyOnSuccess"`
	NotifyOnFailure   []string          `json:"notifyOnFailure"`
	NextRunAt         time.Time         `json:"nextRunAt"`
	LastRunAt         *time.Time        `json:"lastRunAt,omitempty"`
	CreatedBy         string            `json:"createdBy"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	Version           int64             `json:"version"`
}

// Timeout returns the per-run deadline as a duration.
func (d *JobDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed pause between attempts.
func (d *JobDefinition) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelaySeconds) * time.Second
}

// JobExecution is the append-only audit record of one job run.
// Once terminal it is never modified.
type JobExecution struct {
	ID              string              `json:"id"`
	JobID           string              `json:"jobId"`
	JobName         string              `json:"jobName"`
	TemplateType    string              `json:"templateType"`
	Status          ExecutionStatus     `json:"status"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	DurationSeconds *float64            `json:"durationSeconds,omitempty"`
	Result          *template.Result    `json:"result,omitempty"`
	Error           string              `json:"error,omitempty"`
	Logs            []template.LogEntry `json:"logs"`
	Attempts        int                 `json:"attempts"`
	TriggeredBy     string              `json:"triggeredBy"`
}

// Store provides persistence for job definitions and executions.
type Store struct {
	db      *sql.DB
	catalog *template.Catalog
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// New builds a Store. The catalog is consulted when definitions are
// created or updated so bad template references fail synchronously.
func New(db *sql.DB, catalog *template.Catalog, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		db:      db,
		catalog: catalog,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}
