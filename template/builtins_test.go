package template

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangamhq/jobengine/errors"
	jetest "github.com/sangamhq/jobengine/internal/testing"
)

func runContext(t *testing.T, params map[string]any) *RunContext {
	t.Helper()
	database := jetest.CreateTestDB(t)
	return NewRunContext("job-1", "test job", uuid.NewString(), "test", params, database, nil)
}

func seedActivityLogs(t *testing.T, rc *RunContext, age time.Duration, count int) {
	t.Helper()
	createdAt := time.Now().UTC().Add(-age).Format(time.RFC3339)
	for i := 0; i < count; i++ {
		_, err := rc.DB.Exec(
			"INSERT INTO activity_logs (id, user_id, action, created_at) VALUES (?, 'u1', 'login', ?)",
			uuid.NewString(), createdAt)
		require.NoError(t, err)
	}
}

func TestDatabaseCleanupDryRunDeletesNothing(t *testing.T) {
	rc := runContext(t, map[string]any{
		"table":           "activity_logs",
		"older_than_days": 30,
	})
	seedActivityLogs(t, rc, 90*24*time.Hour, 5)
	seedActivityLogs(t, rc, time.Hour, 3)

	result, err := NewDatabaseCleanup().Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.RecordsProcessed)
	assert.Equal(t, int64(0), result.RecordsAffected)

	var remaining int
	require.NoError(t, rc.DB.QueryRow("SELECT COUNT(*) FROM activity_logs").Scan(&remaining))
	assert.Equal(t, 8, remaining)
}

func TestDatabaseCleanupDeletesAgedRows(t *testing.T) {
	rc := runContext(t, map[string]any{
		"table":           "activity_logs",
		"older_than_days": 30,
		"dry_run":         false,
		"batch_size":      2,
	})
	seedActivityLogs(t, rc, 90*24*time.Hour, 5)
	seedActivityLogs(t, rc, time.Hour, 3)

	result, err := NewDatabaseCleanup().Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.RecordsAffected)

	var remaining int
	require.NoError(t, rc.DB.QueryRow("SELECT COUNT(*) FROM activity_logs").Scan(&remaining))
	assert.Equal(t, 3, remaining)
}

func TestEmailNotificationFillsOutbox(t *testing.T) {
	rc := runContext(t, map[string]any{
		"recipients": []string{"a@example.com", "b@example.com"},
		"subject":    "weekly digest",
		"body":       "<p>hello</p>",
		"body_type":  "html",
		"priority":   "high",
	})

	result, err := NewEmailNotification().Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RecordsAffected)

	var queued int
	require.NoError(t, rc.DB.QueryRow(
		"SELECT COUNT(*) FROM notification_outbox WHERE status = 'pending' AND priority = 'high'",
	).Scan(&queued))
	assert.Equal(t, 2, queued)
}

func TestDataExportWritesJSON(t *testing.T) {
	dir := t.TempDir()
	rc := runContext(t, map[string]any{"table": "activity_logs"})
	seedActivityLogs(t, rc, time.Hour, 4)

	result, err := NewDataExport(dir).Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.RecordsProcessed)

	path, ok := result.Details["file"].(string)
	require.True(t, ok)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(raw, &records))
	assert.Len(t, records, 4)
	assert.Equal(t, "login", records[0]["action"])
}

func TestDataExportWritesCSV(t *testing.T) {
	dir := t.TempDir()
	rc := runContext(t, map[string]any{"table": "activity_logs", "format": "csv", "limit": 2})
	seedActivityLogs(t, rc, time.Hour, 4)

	result, err := NewDataExport(dir).Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RecordsProcessed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".csv", filepath.Ext(entries[0].Name()))
}

func TestReportGenerationStoresReport(t *testing.T) {
	rc := runContext(t, map[string]any{
		"report_type": "user_activity",
		"date_range":  "last_7_days",
	})
	seedActivityLogs(t, rc, time.Hour, 6)

	result, err := NewReportGeneration().Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RecordsAffected)

	var content string
	require.NoError(t, rc.DB.QueryRow(
		"SELECT content FROM reports WHERE report_type = 'user_activity'",
	).Scan(&content))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &parsed))
	assert.Equal(t, float64(6), parsed["logins"])
}

func TestReportGenerationCustomRangeRequiresDates(t *testing.T) {
	err := CheckParams(NewReportGeneration(), map[string]any{
		"report_type": "system_stats",
		"date_range":  "custom",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestBackupJobWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	rc := runContext(t, map[string]any{})

	result, err := NewBackupJob(dir).Run(context.Background(), rc)
	require.NoError(t, err)

	path, ok := result.Details["file"].(string)
	require.True(t, ok)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestWebhookTriggerSuccess(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rc := runContext(t, map[string]any{
		"url":               srv.URL,
		"method":            "PUT",
		"headers":           map[string]string{"X-Token": "secret"},
		"body":              `{"ping":true}`,
		"expected_statuses": []int{202},
	})

	result, err := NewWebhookTrigger(srv.Client()).Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, 202, result.Details["status"])
}

func TestWebhookTriggerUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rc := runContext(t, map[string]any{"url": srv.URL})

	_, err := NewWebhookTrigger(srv.Client()).Run(context.Background(), rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestWebhookTriggerUnreachableHost(t *testing.T) {
	rc := runContext(t, map[string]any{
		"url": "http://127.0.0.1:1/hook",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWebhookTrigger(nil).Run(ctx, rc)
	require.Error(t, err)
}
