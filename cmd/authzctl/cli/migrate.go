package cli

import (
	"fmt"
	"io"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
)

// Migrator applies schema migrations.
type Migrator interface {
	Up(dsn string) error
	Down(dsn string, steps int) error
	Version(dsn string) (db.MigrationVersion, error)
}

// EmbeddedMigrator runs the migrations embedded in the platform/db package.
type EmbeddedMigrator struct{}

func (EmbeddedMigrator) Up(dsn string) error              { return db.Migrate(dsn) }
func (EmbeddedMigrator) Down(dsn string, steps int) error { return db.MigrateDown(dsn, steps) }
func (EmbeddedMigrator) Version(dsn string) (db.MigrationVersion, error) {
	return db.CurrentVersion(dsn)
}

// MigrateOptions defines flags for the migrate command.
type MigrateOptions struct {
	DSN       string
	Direction string
	Steps     int
	Stdout    io.Writer
	Stderr    io.Writer
}

// MigrateCommand runs migrate up, down or version.
func MigrateCommand(m Migrator, opts MigrateOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.DSN == "" {
		_, _ = fmt.Fprintln(stderr, "migrate: --dsn or PG_DSN is required")
		return 1
	}
	switch opts.Direction {
	case "", "up":
		if err := m.Up(opts.DSN); err != nil {
			_, _ = fmt.Fprintf(stderr, "migrate up: %v\n", err)
			return 1
		}
	case "down":
		steps := opts.Steps
		if steps <= 0 {
			steps = 1
		}
		if err := m.Down(opts.DSN, steps); err != nil {
			_, _ = fmt.Fprintf(stderr, "migrate down: %v\n", err)
			return 1
		}
	case "version":
	default:
		_, _ = fmt.Fprintf(stderr, "migrate: unknown direction %q (expected up, down or version)\n", opts.Direction)
		return 1
	}
	v, err := m.Version(opts.DSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "migrate version: %v\n", err)
		return 1
	}
	dirty := ""
	if v.Dirty {
		dirty = " (dirty)"
	}
	_, _ = fmt.Fprintf(stdout, "schema version %d%s\n", v.Version, dirty)
	if v.Dirty {
		return 10
	}
	return 0
}
