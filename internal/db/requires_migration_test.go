package db_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/dhismig/internal/db"
)

func open(t *testing.T) (*db.DB, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "journal.db")
	database, err := db.Open(p)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, p
}

func TestRequiresMigrationError(t *testing.T) {
	database, p := open(t)

	_, err := database.Exec(`
		CREATE TABLE schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)
	`)
	require.NoError(t, err)
	_, err = database.Exec(`INSERT INTO schema_migrations (version) VALUES ('000001_journal.sql')`)
	require.NoError(t, err)

	migErr := database.RequiresMigrationError()
	require.Error(t, migErr)
	msg := migErr.Error()
	assert.Contains(t, msg, p)
	assert.Contains(t, msg, "000001_journal.sql")
	assert.Contains(t, msg, "1 pending migration")
	assert.Contains(t, msg, "dhismig doctor --migrate")
}

func TestRequiresMigrationErrorFreshDB(t *testing.T) {
	database, p := open(t)

	migErr := database.RequiresMigrationError()
	require.Error(t, migErr)
	assert.Contains(t, migErr.Error(), "version: none")
	assert.Contains(t, migErr.Error(), p)
}

func TestMigrateIsIncremental(t *testing.T) {
	database, _ := open(t)

	applied, err := database.MigrateWithInfo()
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_journal.sql", "000002_resolutions.sql"}, applied)
	assert.NoError(t, database.RequiresMigrationError())

	applied, err = database.MigrateWithInfo()
	require.NoError(t, err)
	assert.Empty(t, applied)

	done, pending, err := database.MigrationStatus()
	require.NoError(t, err)
	assert.Len(t, done, 2)
	assert.Empty(t, pending)
}
