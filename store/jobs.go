package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/schedule"
	"github.com/sangamhq/jobengine/template"
)

// Defaults applied to new definitions when the corresponding field is zero.
const (
	DefaultTimeoutSeconds    = 3600
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 300
)

// NewJob is the input for Create.
type NewJob struct {
	Name              string            `json:"name" validate:"required,max=120"`
	Description       string            `json:"description"`
	TemplateType      string            `json:"templateType" validate:"required"`
	Parameters        map[string]any    `json:"parameters"`
	Schedule          schedule.Schedule `json:"schedule"`
	Enabled           *bool             `json:"enabled"`
	TimeoutSeconds    int               `json:"timeoutSeconds" validate:"omitempty,min=1,max=86400"`
	MaxRetries        *int              `json:"maxRetries" validate:"omitempty,min=0,max=10"`
	RetryDelaySeconds int               `json:"retryDelaySeconds" validate:"omitempty,min=1,max=3600"`
	NotifyOnSuccess   []string          `json:"notifyOnSuccess" validate:"omitempty,dive,email"`
	NotifyOnFailure   []string          `json:"notifyOnFailure" validate:"omitempty,dive,email"`
	CreatedBy         string            `json:"createdBy"`
}

// JobPatch is the input for Update. Nil fields are left unchanged.
type JobPatch struct {
	Name              *string            `json:"name" validate:"omitempty,max=120"`
	Description       *string            `json:"description"`
	Parameters        *map[string]any    `json:"parameters"`
	Schedule          *schedule.Schedule `json:"schedule"`
	Enabled           *bool              `json:"enabled"`
	TimeoutSeconds    *int               `json:"timeoutSeconds" validate:"omitempty,min=1,max=86400"`
	MaxRetries        *int               `json:"maxRetries" validate:"omitempty,min=0,max=10"`
	RetryDelaySeconds *int               `json:"retryDelaySeconds" validate:"omitempty,min=1,max=3600"`
	NotifyOnSuccess   *[]string          `json:"notifyOnSuccess" validate:"omitempty,dive,email"`
	NotifyOnFailure   *[]string          `json:"notifyOnFailure" validate:"omitempty,dive,email"`
}

// Create validates and persists a new job definition, computing its first
// next_run_at from the schedule.
func (s *Store) Create(ctx context.Context, input NewJob) (*JobDefinition, error) {
	tmpl, err := s.catalog.Get(input.TemplateType)
	if err != nil {
		return nil, err
	}
	if err := template.CheckParams(tmpl, input.Parameters); err != nil {
		return nil, err
	}
	if err := input.Schedule.Validate(); err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, errors.Wrap(template.ErrValidation, "name is required")
	}

	now := s.now()
	nextRun, err := schedule.NextRun(input.Schedule, now)
	if err != nil {
		return nil, err
	}

	def := &JobDefinition{
		ID:                uuid.NewString(),
		Name:              input.Name,
		Description:       input.Description,
		TemplateType:      input.TemplateType,
		Parameters:        input.Parameters,
		Schedule:          input.Schedule,
		Enabled:           input.Enabled == nil || *input.Enabled,
		TimeoutSeconds:    input.TimeoutSeconds,
		MaxRetries:        DefaultMaxRetries,
		RetryDelaySeconds: input.RetryDelaySeconds,
		NotifyOnSuccess:   input.NotifyOnSuccess,
		NotifyOnFailure:   input.NotifyOnFailure,
		NextRunAt:         nextRun,
		CreatedBy:         input.CreatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{}
	}
	if def.TimeoutSeconds == 0 {
		def.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if input.MaxRetries != nil {
		def.MaxRetries = *input.MaxRetries
	}
	if def.RetryDelaySeconds == 0 {
		def.RetryDelaySeconds = DefaultRetryDelaySeconds
	}
	if def.CreatedBy == "" {
		def.CreatedBy = "system"
	}

	paramsJSON, schedJSON, successJSON, failureJSON, err := marshalDefinitionFields(def)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_definitions (
			id, name, description, template_type, parameters, schedule, enabled,
			timeout_seconds, max_retries, retry_delay_seconds,
			notify_on_success, notify_on_failure,
			next_run_at, created_by, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, def.TemplateType, paramsJSON, schedJSON,
		boolToInt(def.Enabled), def.TimeoutSeconds, def.MaxRetries, def.RetryDelaySeconds,
		successJSON, failureJSON,
		formatTime(def.NextRunAt), def.CreatedBy, formatTime(def.CreatedAt),
		formatTime(def.UpdatedAt), def.Version)
	if err != nil {
		return nil, errors.Wrap(err, "insert job definition")
	}

	s.logger.Infow("Job definition created",
		"job_id", def.ID,
		"name", def.Name,
		"template", def.TemplateType,
		"schedule", def.Schedule.Describe(),
		"next_run_at", def.NextRunAt,
	)
	return def, nil
}

// Update applies a patch to an existing definition. Schedule changes
// recompute next_run_at; every update bumps version.
func (s *Store) Update(ctx context.Context, id string, patch JobPatch) (*JobDefinition, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if *patch.Name == "" {
			return nil, errors.Wrap(template.ErrValidation, "name cannot be empty")
		}
		def.Name = *patch.Name
	}
	if patch.Description != nil {
		def.Description = *patch.Description
	}
	if patch.Parameters != nil {
		tmpl, err := s.catalog.Get(def.TemplateType)
		if err != nil {
			return nil, err
		}
		if err := template.CheckParams(tmpl, *patch.Parameters); err != nil {
			return nil, err
		}
		def.Parameters = *patch.Parameters
	}
	if patch.Enabled != nil {
		def.Enabled = *patch.Enabled
	}
	if patch.TimeoutSeconds != nil {
		def.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.MaxRetries != nil {
		def.MaxRetries = *patch.MaxRetries
	}
	if patch.RetryDelaySeconds != nil {
		def.RetryDelaySeconds = *patch.RetryDelaySeconds
	}
	if patch.NotifyOnSuccess != nil {
		def.NotifyOnSuccess = *patch.NotifyOnSuccess
	}
	if patch.NotifyOnFailure != nil {
		def.NotifyOnFailure = *patch.NotifyOnFailure
	}

	now := s.now()
	if patch.Schedule != nil {
		if err := patch.Schedule.Validate(); err != nil {
			return nil, err
		}
		def.Schedule = *patch.Schedule
		def.NextRunAt, err = schedule.NextRun(def.Schedule, now)
		if err != nil {
			return nil, err
		}
	}
	def.UpdatedAt = now
	def.Version++

	paramsJSON, schedJSON, successJSON, failureJSON, err := marshalDefinitionFields(def)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_definitions SET
			name = ?, description = ?, parameters = ?, schedule = ?, enabled = ?,
			timeout_seconds = ?, max_retries = ?, retry_delay_seconds = ?,
			notify_on_success = ?, notify_on_failure = ?,
			next_run_at = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		def.Name, def.Description, paramsJSON, schedJSON, boolToInt(def.Enabled),
		def.TimeoutSeconds, def.MaxRetries, def.RetryDelaySeconds,
		successJSON, failureJSON,
		formatTime(def.NextRunAt), formatTime(def.UpdatedAt), def.Version,
		id, def.Version-1)
	if err != nil {
		return nil, errors.Wrap(err, "update job definition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		// The row existed when we read it above, so a zero-row update
		// means a concurrent writer bumped the version (or deleted it).
		return nil, errors.Wrapf(ErrConflict, "job %s version %d", id, def.Version-1)
	}

	s.logger.Infow("Job definition updated", "job_id", id, "version", def.Version)
	return def, nil
}

// Delete removes a definition. Execution history is retained.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM job_definitions WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete job definition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}

	s.logger.Infow("Job definition deleted", "job_id", id)
	return nil
}

const definitionColumns = `id, name, description, template_type, parameters, schedule, enabled,
	timeout_seconds, max_retries, retry_delay_seconds,
	notify_on_success, notify_on_failure,
	next_run_at, last_run_at, created_by, created_at, updated_at, version`

// Get fetches one definition by id.
func (s *Store) Get(ctx context.Context, id string) (*JobDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+definitionColumns+" FROM job_definitions WHERE id = ?", id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return def, err
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	TemplateType string
	EnabledOnly  bool
	Limit        int
	Offset       int
}

// ListJobs returns definitions ordered by creation time, newest first.
func (s *Store) ListJobs(ctx context.Context, opts ListJobsOptions) ([]*JobDefinition, error) {
	query := "SELECT " + definitionColumns + " FROM job_definitions"
	var conds []string
	var args []any
	if opts.TemplateType != "" {
		conds = append(conds, "template_type = ?")
		args = append(args, opts.TemplateType)
	}
	if opts.EnabledOnly {
		conds = append(conds, "enabled = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list job definitions")
	}
	defer rows.Close()

	var defs []*JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, errors.Wrap(rows.Err(), "iterate job definitions")
}

// FindReady returns enabled definitions whose next_run_at has elapsed,
// oldest first, at most limit rows.
func (s *Store) FindReady(ctx context.Context, now time.Time, limit int) ([]*JobDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+definitionColumns+` FROM job_definitions
		 WHERE enabled = 1 AND next_run_at <= ?
		 ORDER BY next_run_at LIMIT ?`,
		formatTime(now.UTC()), limit)
	if err != nil {
		return nil, errors.Wrap(err, "find ready jobs")
	}
	defer rows.Close()

	var defs []*JobDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, errors.Wrap(rows.Err(), "iterate ready jobs")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*JobDefinition, error) {
	var def JobDefinition
	var paramsJSON, schedJSON, successJSON, failureJSON string
	var enabled int
	var nextRunAt, createdAt, updatedAt string
	var lastRunAt sql.NullString

	err := row.Scan(
		&def.ID, &def.Name, &def.Description, &def.TemplateType,
		&paramsJSON, &schedJSON, &enabled,
		&def.TimeoutSeconds, &def.MaxRetries, &def.RetryDelaySeconds,
		&successJSON, &failureJSON,
		&nextRunAt, &lastRunAt, &def.CreatedBy, &createdAt, &updatedAt, &def.Version,
	)
	if err != nil {
		return nil, err
	}

	def.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(paramsJSON), &def.Parameters); err != nil {
		return nil, errors.Wrapf(err, "decode parameters for job %s", def.ID)
	}
	if err := json.Unmarshal([]byte(schedJSON), &def.Schedule); err != nil {
		return nil, errors.Wrapf(err, "decode schedule for job %s", def.ID)
	}
	if err := json.Unmarshal([]byte(successJSON), &def.NotifyOnSuccess); err != nil {
		return nil, errors.Wrapf(err, "decode notify_on_success for job %s", def.ID)
	}
	if err := json.Unmarshal([]byte(failureJSON), &def.NotifyOnFailure); err != nil {
		return nil, errors.Wrapf(err, "decode notify_on_failure for job %s", def.ID)
	}

	if def.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "parse next_run_at for job %s", def.ID)
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "parse created_at for job %s", def.ID)
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "parse updated_at for job %s", def.ID)
	}
	if lastRunAt.Valid {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "parse last_run_at for job %s", def.ID)
		}
		def.LastRunAt = &t
	}

	return &def, nil
}

func marshalDefinitionFields(def *JobDefinition) (params, sched, success, failure string, err error) {
	p, err := json.Marshal(def.Parameters)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "encode parameters")
	}
	sc, err := json.Marshal(def.Schedule)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "encode schedule")
	}
	su, err := json.Marshal(emptyIfNil(def.NotifyOnSuccess))
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "encode notify_on_success")
	}
	fa, err := json.Marshal(emptyIfNil(def.NotifyOnFailure))
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "encode notify_on_failure")
	}
	return string(p), string(sc), string(su), string(fa), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width (zero-padded fraction, UTC) so the stored
// strings compare correctly as text. RFC3339Nano trims trailing zeros
// and would break the next_run_at and started_at range scans.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}
