package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/authz?sslmode=disable", migrationURL("postgres://u:p@db:5432/authz?sslmode=disable"))
	assert.Equal(t, "pgx5://db/authz", migrationURL("postgresql://db/authz"))
	assert.Equal(t, "pgx5://db/authz", migrationURL("pgx5://db/authz"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
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
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)

	grants, err := fs.ReadFile(migrationFS, "migrations/000002_permission_grants.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(grants), "conditions      JSONB")
}
