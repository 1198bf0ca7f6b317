package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	t.Run("explicit dsn wins", func(t *testing.T) {
		got := DSN(ClientConfig{DSN: "postgres://x@db/ledger", Host: "ignored"})
		assert.Equal(t, "postgres://x@db/ledger", got)
	})
	t.Run("built from parts with defaults", func(t *testing.T) {
		got := DSN(ClientConfig{Host: "db", User: "ledger", Password: "pw", Database: "polyledger"})
		assert.Equal(t, "postgres://ledger:pw@db:5432/polyledger?sslmode=disable", got)
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_events.sql", "002_audit_log.sql", "003_snapshots.sql"}, names)
}
