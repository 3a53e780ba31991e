package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/jobengine/errors"
)

func TestCatalogRegisterRejectsDuplicates(t *testing.T) {
	c := NewCatalog()

	require.NoError(t, c.Register(NewDatabaseCleanup()))

	err := c.Register(NewDatabaseCleanup())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTemplateType))
}

func TestCatalogGetUnknown(t *testing.T) {
	c := NewCatalog()

	_, err := c.Get("no_such_template")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestCatalogListSortedByType(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, RegisterBuiltins(c, BuiltinOptions{ExportDir: t.TempDir(), BackupDir: t.TempDir()}))

	list := c.List()
	require.Len(t, list, 6)

	types := make([]string, len(list))
	for i, tmpl := range list {
		types[i] = tmpl.Type()
	}
	assert.Equal(t, []string{
		"backup_job",
		"data_export",
		"database_cleanup",
		"email_notification",
		"report_generation",
		"webhook_trigger",
	}, types)
}

func TestBindParamsRejectsUnknownKeys(t *testing.T) {
	var p cleanupParams
	err := BindParams(map[string]any{
		"table":           "messages",
		"older_than_days": 30,
		"tabel":           "oops",
	}, &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestBindParamsValidatesTags(t *testing.T) {
	var p emailParams
	err := BindParams(map[string]any{
		"recipients": []string{"not-an-email"},
		"subject":    "hi",
		"body":       "hello",
	}, &p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCheckParamsWhitelist(t *testing.T) {
	err := CheckParams(NewDatabaseCleanup(), map[string]any{
		"table":           "job_definitions",
		"older_than_days": 7,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	assert.NoError(t, CheckParams(NewDatabaseCleanup(), map[string]any{
		"table":           "activity_logs",
		"older_than_days": 7,
	}))
}

func TestRunContextLogCap(t *testing.T) {
	rc := NewRunContext("job-1", "noisy", "exec-1", "scheduler", nil, nil, nil)

	for i := 0; i < maxLogEntries+50; i++ {
		rc.Logf("info", "line %d", i)
	}

	logs := rc.Logs()
	require.Len(t, logs, maxLogEntries+1)
	assert.Equal(t, "warn", logs[maxLogEntries].Level)
	assert.Contains(t, logs[maxLogEntries].Message, "truncated")
}

func TestRunContextLogsOrdered(t *testing.T) {
	rc := NewRunContext("job-1", "n", "exec-1", "admin", nil, nil, nil)
	rc.Logf("info", "first")
	rc.Logf("warn", "second")
	rc.Logf("error", "third")

	logs := rc.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "warn", logs[1].Level)
	assert.Equal(t, "error", logs[2].Level)
}
