package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sangamhq/jobengine/errors"
)

// cleanupTables whitelists the tables database_cleanup may touch, mapped
// to the column the age cutoff applies to. Table names are interpolated
// into SQL, so membership here is the injection barrier.
var cleanupTables = map[string]string{
	"activity_logs":   "created_at",
	"sessions":        "expires_at",
	"messages":        "created_at",
	"notifications":   "created_at",
	"contact_tickets": "closed_at",
}

type cleanupParams struct {
	Table         string `json:"table" validate:"required"`
	OlderThanDays int    `json:"older_than_days" validate:"required,min=1"`
	DryRun        *bool  `json:"dry_run"`
	BatchSize     int    `json:"batch_size" validate:"omitempty,min=1,max=10000"`
}

func (p *cleanupParams) dryRun() bool { return p.DryRun == nil || *p.DryRun }

func (p *cleanupParams) batchSize() int {
	if p.BatchSize == 0 {
		return 500
	}
	return p.BatchSize
}

// DatabaseCleanup deletes aged rows from a whitelisted table in batches.
// It defaults to dry-run so a misconfigured job reports instead of deletes.
type DatabaseCleanup struct{}

func NewDatabaseCleanup() *DatabaseCleanup { return &DatabaseCleanup{} }

func (*DatabaseCleanup) Type() string { return "database_cleanup" }

func (*DatabaseCleanup) Describe() Descriptor {
	return Descriptor{
		Type:              "database_cleanup",
		Name:              "Database Cleanup",
		Description:       "Delete aged rows from a maintenance table in batches",
		Category:          "maintenance",
		Icon:              "broom",
		EstimatedDuration: "1-10 minutes",
		ResourceUsage:     "medium",
		RiskLevel:         "high",
	}
}

func (*DatabaseCleanup) Schema() ParamSchema {
	return ParamSchema{Fields: []ParamField{
		{Name: "table", Type: "string", Description: "Table to clean", Required: true, Enum: cleanupTableNames()},
		{Name: "older_than_days", Type: "integer", Description: "Delete rows older than this many days", Required: true},
		{Name: "dry_run", Type: "boolean", Description: "Count matching rows without deleting", Default: true},
		{Name: "batch_size", Type: "integer", Description: "Rows deleted per batch", Default: 500},
	}}
}

func (*DatabaseCleanup) ValidateParams(params map[string]any) error {
	var p cleanupParams
	if err := BindParams(params, &p); err != nil {
		return err
	}
	if _, ok := cleanupTables[p.Table]; !ok {
		return errors.Wrapf(ErrValidation, "table %q is not cleanable, allowed: %s",
			p.Table, strings.Join(cleanupTableNames(), ", "))
	}
	return nil
}

func (t *DatabaseCleanup) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	var p cleanupParams
	if err := BindParams(rc.Params, &p); err != nil {
		return nil, err
	}
	column, ok := cleanupTables[p.Table]
	if !ok {
		return nil, errors.Wrapf(ErrValidation, "table %q is not cleanable", p.Table)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -p.OlderThanDays).Format(time.RFC3339)
	rc.Logf("info", "scanning %s for rows with %s older than %s", p.Table, column, cutoff)

	var matching int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s < ?", p.Table, column)
	if err := rc.DB.QueryRowContext(ctx, countQuery, cutoff).Scan(&matching); err != nil {
		return nil, errors.Wrapf(err, "count rows in %s", p.Table)
	}

	if p.dryRun() {
		rc.Logf("info", "dry run: %d rows would be deleted from %s", matching, p.Table)
		return &Result{
			Message:          fmt.Sprintf("dry run: %d rows match in %s", matching, p.Table),
			RecordsProcessed: matching,
			Details:          map[string]any{"table": p.Table, "cutoff": cutoff, "dryRun": true},
		}, nil
	}

	deleteQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE %s < ? LIMIT ?)",
		p.Table, p.Table, column)

	var deleted int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := rc.DB.ExecContext(ctx, deleteQuery, cutoff, p.batchSize())
		if err != nil {
			return nil, errors.Wrapf(err, "delete batch from %s", p.Table)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			break
		}
		deleted += n
		rc.Logf("info", "deleted batch of %d rows from %s (total %d)", n, p.Table, deleted)
	}

	return &Result{
		Message:          fmt.Sprintf("deleted %d rows from %s", deleted, p.Table),
		RecordsProcessed: matching,
		RecordsAffected:  deleted,
		Details:          map[string]any{"table": p.Table, "cutoff": cutoff, "dryRun": false},
	}, nil
}

func cleanupTableNames() []string {
	names := make([]string, 0, len(cleanupTables))
	for name := range cleanupTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
