// authzctl is the operator CLI for the authorization service: schema
// migrations, manual job triggers, queue stats, role catalog checks and
// bearer tokens for smoke testing.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/odyssey-erp/odyssey-authz/cmd/authzctl/cli"
)

const usage = `Usage: authzctl <command> [flags]

Commands:
  migrate [up|down|version]   apply or roll back the embedded schema
  jobs trigger <name>         enqueue a job (grants-sweep)
  jobs stats                  print queue state
  catalog check               validate a role catalog file
  token issue                 print a signed bearer token
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	switch args[0] {
	case "migrate":
		return runMigrate(args[1:], stdout, stderr)
	case "jobs":
		return runJobs(ctx, args[1:], stdout, stderr)
	case "catalog":
		return runCatalog(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		_, _ = fmt.Fprint(stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "authzctl: unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("migrate", stderr)
	dsn := fs.String("dsn", os.Getenv("PG_DSN"), "PostgreSQL connection string")
	steps := fs.Int("steps", 1, "number of migrations to roll back with down")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	direction := "up"
	if fs.NArg() > 0 {
		direction = fs.Arg(0)
	}
	return cli.MigrateCommand(cli.EmbeddedMigrator{}, cli.MigrateOptions{
		DSN:       *dsn,
		Direction: direction,
		Steps:     *steps,
		Stdout:    stdout,
		Stderr:    stderr,
	})
}

func runJobs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "jobs: expected trigger or stats")
		return 2
	}
	fs := newFlagSet("jobs "+args[0], stderr)
	redisAddr := fs.String("redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "Redis address")
	batch := fs.Int("batch-size", 0, "purge batch size for grants-sweep")
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(*redisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "jobs: %v\n", err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	switch args[0] {
	case "trigger":
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "jobs trigger: expected exactly one job name")
			return 2
		}
		return jobsCLI.TriggerCommand(ctx, cli.TriggerOptions{Name: fs.Arg(0), BatchSize: *batch, Stdout: stdout, Stderr: stderr})
	case "stats":
		return jobsCLI.StatsCommand(ctx, cli.StatsOptions{JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
	default:
		_, _ = fmt.Fprintf(stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
}

func runCatalog(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "check" {
		_, _ = fmt.Fprintln(stderr, "catalog: expected check")
		return 2
	}
	fs := newFlagSet("catalog check", stderr)
	path := fs.String("file", os.Getenv("ROLE_CATALOG_PATH"), "role catalog YAML file; empty checks the built-in catalog")
	jsonOut := fs.Bool("json", false, "print JSON output")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	return cli.CatalogCheckCommand(cli.CatalogCheckOptions{Path: *path, JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})
}

func runToken(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "issue" {
		_, _ = fmt.Fprintln(stderr, "token: expected issue")
		return 2
	}
	fs := newFlagSet("token issue", stderr)
	userID := fs.Int64("user", 0, "subject user id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", envOr("JWT_ISSUER", "odyssey-authz"), "token issuer")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	return cli.IssueTokenCommand(cli.TokenOptions{
		Secret: os.Getenv("JWT_SECRET"),
		Issuer: *issuer,
		UserID: *userID,
		TTL:    *ttl,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
