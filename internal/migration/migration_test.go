package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestInitMigrationCreatesLedgerTables(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/0001_init.up.sql")
	require.NoError(t, err)

	for _, table := range []string{"purchases", "purchase_payments", "outbox_events", "payment_events", "package_purchases"} {
		assert.Contains(t, string(raw), "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestMigratorRejectsNilHandle(t *testing.T) {
	assert.ErrorIs(t, RunMigrations(nil), ErrNilHandle)
	assert.ErrorIs(t, Rollback(nil, 1), ErrNilHandle)

	_, err := CurrentStatus(nil)
	assert.ErrorIs(t, err, ErrNilHandle)
}

func TestRollbackRequiresPositiveSteps(t *testing.T) {
	err := Rollback(nil, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNilHandle)
}
