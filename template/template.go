// Package template defines the job template catalog. A template is a
// reusable unit of work with a declared parameter schema; job definitions
// bind a template type to a concrete parameter map.
package template

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sangamhq/jobengine/errors"
)

var (
	ErrDuplicateTemplateType = errors.New("template type already registered")
	ErrUnknownTemplate       = errors.New("unknown template type")
)

// Template is implemented by every entry in the catalog.
type Template interface {
	// Type returns the unique identifier jobs reference, e.g. "database_cleanup".
	Type() string
	// Describe returns UI-facing metadata about the template.
	Describe() Descriptor
	// Schema declares the parameters the template accepts.
	Schema() ParamSchema
	// Run executes the template with the bound parameters in rc.
	// It must honor ctx cancellation and return a terminal Result or error.
	Run(ctx context.Context, rc *RunContext) (*Result, error)
}

// Descriptor is the catalog listing entry for a template.
type Descriptor struct {
	Type              string `json:"type"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Category          string `json:"category"`
	Icon              string `json:"icon"`
	EstimatedDuration string `json:"estimatedDuration"`
	ResourceUsage     string `json:"resourceUsage"`
	RiskLevel         string `json:"riskLevel"`
}

// ParamField describes one parameter in a template's schema.
type ParamField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, integer, number, boolean, array, object
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ParamSchema is the declarative parameter description shown by the API.
// Binding and validation happen against the template's typed params struct;
// the schema exists so operators can build forms without reading Go code.
type ParamSchema struct {
	Fields []ParamField `json:"fields"`
}

// Result is the structured outcome of a successful (or partially
// successful) template run. It is serialized onto the execution record.
type Result struct {
	Message          string         `json:"message"`
	RecordsProcessed int64          `json:"recordsProcessed"`
	RecordsAffected  int64          `json:"recordsAffected"`
	Details          map[string]any `json:"details,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// LogEntry is one line of a captured execution log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// maxLogEntries bounds per-execution log capture so a chatty template
// cannot bloat the audit table.
const maxLogEntries = 200

// RunContext carries everything a template needs for one run:
// bound parameters, the engine database, a logger, and the capped
// execution log sink.
type RunContext struct {
	JobID       string
	JobName     string
	ExecutionID string
	TriggeredBy string
	Params      map[string]any

	DB     *sql.DB
	Logger *zap.SugaredLogger

	mu        sync.Mutex
	logs      []LogEntry
	truncated bool
}

// NewRunContext builds a run context. A nil logger is replaced with a nop
// logger so templates can log unconditionally.
func NewRunContext(jobID, jobName, executionID, triggeredBy string, params map[string]any, db *sql.DB, logger *zap.SugaredLogger) *RunContext {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if params == nil {
		params = map[string]any{}
	}
	return &RunContext{
		JobID:       jobID,
		JobName:     jobName,
		ExecutionID: executionID,
		TriggeredBy: triggeredBy,
		Params:      params,
		DB:          db,
		Logger:      logger,
	}
}

// Logf appends a line to the execution log and mirrors it to the logger.
// Once the cap is reached further lines are dropped after a single
// truncation marker.
func (rc *RunContext) Logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	switch level {
	case "error":
		rc.Logger.Errorw(msg, "job_id", rc.JobID, "execution_id", rc.ExecutionID)
	case "warn":
		rc.Logger.Warnw(msg, "job_id", rc.JobID, "execution_id", rc.ExecutionID)
	default:
		rc.Logger.Infow(msg, "job_id", rc.JobID, "execution_id", rc.ExecutionID)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.logs) >= maxLogEntries {
		if !rc.truncated {
			rc.logs = append(rc.logs, LogEntry{
				Timestamp: time.Now().UTC(),
				Level:     "warn",
				Message:   fmt.Sprintf("log truncated after %d entries", maxLogEntries),
			})
			rc.truncated = true
		}
		return
	}

	rc.logs = append(rc.logs, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
	})
}

// Logs returns a copy of the captured log entries in order.
func (rc *RunContext) Logs() []LogEntry {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]LogEntry, len(rc.logs))
	copy(out, rc.logs)
	return out
}

// Catalog holds registered templates keyed by type. Registration happens
// at startup; reads afterwards are lock-free in practice but guarded
// anyway so tests can build catalogs concurrently.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string]Template)}
}

// Register adds a template to the catalog.
func (c *Catalog) Register(t Template) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.templates[t.Type()]; ok {
		return errors.Wrapf(ErrDuplicateTemplateType, "%q", t.Type())
	}
	c.templates[t.Type()] = t
	return nil
}

// Get resolves a template by type.
func (c *Catalog) Get(templateType string) (Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.templates[templateType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTemplate, "%q", templateType)
	}
	return t, nil
}

// List returns all templates sorted by type.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}
