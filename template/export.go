package template

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sangamhq/jobengine/errors"
)

// exportTables whitelists the tables data_export may read.
var exportTables = map[string]bool{
	"activity_logs":   true,
	"messages":        true,
	"notifications":   true,
	"contact_tickets": true,
	"reports":         true,
}

type exportParams struct {
	Table  string `json:"table" validate:"required"`
	Format string `json:"format" validate:"omitempty,oneof=json csv"`
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=100000"`
}

func (p *exportParams) format() string {
	if p.Format == "" {
		return "json"
	}
	return p.Format
}

func (p *exportParams) limit() int {
	if p.Limit == 0 {
		return 1000
	}
	return p.Limit
}

// DataExport dumps rows from a whitelisted table to a JSON or CSV file
// in the configured export directory.
type DataExport struct {
	dir string
}

func NewDataExport(dir string) *DataExport { return &DataExport{dir: dir} }

func (*DataExport) Type() string { return "data_export" }

func (*DataExport) Describe() Descriptor {
	return Descriptor{
		Type:              "data_export",
		Name:              "Data Export",
		Description:       "Export table rows to a JSON or CSV file",
		Category:          "data",
		Icon:              "download",
		EstimatedDuration: "1-5 minutes",
		ResourceUsage:     "medium",
		RiskLevel:         "low",
	}
}

func (*DataExport) Schema() ParamSchema {
	return ParamSchema{Fields: []ParamField{
		{Name: "table", Type: "string", Description: "Table to export", Required: true, Enum: exportTableNames()},
		{Name: "format", Type: "string", Description: "Output format", Default: "json", Enum: []string{"json", "csv"}},
		{Name: "limit", Type: "integer", Description: "Maximum rows to export", Default: 1000},
	}}
}

func (*DataExport) ValidateParams(params map[string]any) error {
	var p exportParams
	if err := BindParams(params, &p); err != nil {
		return err
	}
	if !exportTables[p.Table] {
		return errors.Wrapf(ErrValidation, "table %q is not exportable, allowed: %s",
			p.Table, strings.Join(exportTableNames(), ", "))
	}
	return nil
}

func (t *DataExport) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	var p exportParams
	if err := BindParams(rc.Params, &p); err != nil {
		return nil, err
	}
	if !exportTables[p.Table] {
		return nil, errors.Wrapf(ErrValidation, "table %q is not exportable", p.Table)
	}

	// Whitelisted name, safe to interpolate.
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY rowid LIMIT ?", p.Table)
	rows, err := rc.DB.QueryContext(ctx, query, p.limit())
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", p.Table)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "columns")
	}

	var records []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows")
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create export dir %s", t.dir)
	}

	filename := fmt.Sprintf("%s_%s.%s", p.Table, time.Now().UTC().Format("20060102T150405"), p.format())
	path := filepath.Join(t.dir, filename)

	switch p.format() {
	case "csv":
		err = writeCSV(path, columns, records)
	default:
		err = writeJSONFile(path, records)
	}
	if err != nil {
		return nil, err
	}

	rc.Logf("info", "exported %d rows from %s to %s", len(records), p.Table, path)
	return &Result{
		Message:          fmt.Sprintf("exported %d rows from %s", len(records), p.Table),
		RecordsProcessed: int64(len(records)),
		Details:          map[string]any{"file": path, "format": p.format()},
	}, nil
}

func writeJSONFile(path string, records []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	return nil
}

func writeCSV(path string, columns []string, records []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, record := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			if v := record[col]; v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "write row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush csv")
}

func exportTableNames() []string {
	names := make([]string, 0, len(exportTables))
	for name := range exportTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
