package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	database, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	var journalMode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, database.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestOpenWithMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")

	database, err := OpenWithMigrations(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	var name string
	err = database.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'job_definitions'",
	).Scan(&name)
	require.NoError(t, err)
}
