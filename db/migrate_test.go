package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	// Each sqlite3 connection to :memory: is a distinct database.
	database.SetMaxOpenConns(1)

	_, err = database.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	return database
}

func TestMigrateCreatesSchema(t *testing.T) {
	database := openMemoryDB(t)

	require.NoError(t, Migrate(database, nil))

	for _, table := range []string{
		"schema_migrations",
		"job_definitions",
		"job_executions",
		"activity_logs",
		"sessions",
		"messages",
		"notifications",
		"contact_tickets",
		"notification_outbox",
		"reports",
	} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := openMemoryDB(t)

	require.NoError(t, Migrate(database, nil))
	require.NoError(t, Migrate(database, nil))

	var count int
	err := database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRunningExecutionIndexRejectsSecondRow(t *testing.T) {
	database := openMemoryDB(t)
	require.NoError(t, Migrate(database, nil))

	insert := `INSERT INTO job_executions (id, job_id, job_name, template_type, status, started_at)
		VALUES (?, 'job-1', 'nightly cleanup', 'database_cleanup', ?, '2026-01-01T00:00:00Z')`

	_, err := database.Exec(insert, "exec-1", "running")
	require.NoError(t, err)

	_, err = database.Exec(insert, "exec-2", "running")
	require.Error(t, err, "second running execution for the same job must violate the partial index")

	// Terminal rows are not constrained.
	_, err = database.Exec(insert, "exec-3", "success")
	require.NoError(t, err)
}
