package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sangamhq/jobengine/errors"
)

const backupPrefix = "jobengine_"

type backupParams struct {
	RetentionDays int `json:"retention_days" validate:"omitempty,min=1"`
}

func (p *backupParams) retentionDays() int {
	if p.RetentionDays == 0 {
		return 30
	}
	return p.RetentionDays
}

// BackupJob snapshots the engine database with VACUUM INTO and sweeps
// snapshots older than the retention window from the backup directory.
type BackupJob struct {
	dir string
}

func NewBackupJob(dir string) *BackupJob { return &BackupJob{dir: dir} }

func (*BackupJob) Type() string { return "backup_job" }

func (*BackupJob) Describe() Descriptor {
	return Descriptor{
		Type:              "backup_job",
		Name:              "Database Backup",
		Description:       "Snapshot the database and prune old backups",
		Category:          "maintenance",
		Icon:              "archive",
		EstimatedDuration: "1-10 minutes",
		ResourceUsage:     "high",
		RiskLevel:         "medium",
	}
}

func (*BackupJob) Schema() ParamSchema {
	return ParamSchema{Fields: []ParamField{
		{Name: "retention_days", Type: "integer", Description: "Days to keep old backups", Default: 30},
	}}
}

func (*BackupJob) ValidateParams(params map[string]any) error {
	var p backupParams
	return BindParams(params, &p)
}

func (t *BackupJob) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	var p backupParams
	if err := BindParams(rc.Params, &p); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create backup dir %s", t.dir)
	}

	filename := backupPrefix + time.Now().UTC().Format("20060102T150405") + ".db"
	path := filepath.Join(t.dir, filename)

	if _, err := rc.DB.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, errors.Wrapf(err, "vacuum into %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat backup %s", path)
	}
	rc.Logf("info", "wrote backup %s (%d bytes)", path, info.Size())

	pruned, warnings := t.prune(rc, p.retentionDays())

	return &Result{
		Message:         fmt.Sprintf("backup written to %s, pruned %d old backups", path, pruned),
		RecordsAffected: int64(pruned) + 1,
		Details:         map[string]any{"file": path, "sizeBytes": info.Size(), "pruned": pruned},
		Warnings:        warnings,
	}, nil
}

// prune removes aged snapshot files. Failures are reported as warnings,
// never as run failures, since the new backup already exists.
func (t *BackupJob) prune(rc *RunContext, retentionDays int) (int, []string) {
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, []string{fmt.Sprintf("read backup dir: %v", err)}
	}

	var pruned int
	var warnings []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(t.dir, name)); err != nil {
			warnings = append(warnings, fmt.Sprintf("prune %s: %v", name, err))
			continue
		}
		rc.Logf("info", "pruned old backup %s", name)
		pruned++
	}
	return pruned, warnings
}
