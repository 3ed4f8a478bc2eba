// Command migrate manages the finaiguard PostgreSQL schema (the
// audit_entries chain table with its append-only trigger, and the
// risk_assessments index) via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//	go run ./cmd/migrate -dir ./migrations up-to 2
//
// DATABASE_URL selects the database. MIGRATIONS_DIR overrides the default
// migrations/ directory; -dir overrides both.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const defaultMigrationsDir = "migrations"

var commands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version", "validate"}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: migrate [-dir migrations] <command> [version]")
	fmt.Fprintf(w, "Commands: %s\n", strings.Join(commands, ", "))
	fmt.Fprintln(w, "Tables: audit_entries (append-only), risk_assessments")
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	dir := fs.String("dir", "", "directory holding the goose migrations")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	command, rest := fs.Arg(0), fs.Args()[1:]
	if !slices.Contains(commands, command) {
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		usage(stderr)
		return 2
	}

	if *dir == "" {
		*dir = getenv("MIGRATIONS_DIR")
	}
	if *dir == "" {
		*dir = defaultMigrationsDir
	}
	if info, err := os.Stat(*dir); err != nil || !info.IsDir() {
		fmt.Fprintf(stderr, "migrations directory %s not found; run from the repository root or pass -dir\n", *dir)
		return 2
	}

	dbURL := getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(stderr, "DATABASE_URL environment variable is required")
		return 2
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Failed to connect to database: %v\n", err)
		return 1
	}

	if err := goose.RunContext(ctx, command, db, *dir, rest...); err != nil {
		fmt.Fprintf(stderr, "Migration %s failed: %v\n", command, err)
		return 1
	}
	if version, err := goose.GetDBVersionContext(ctx, db); err == nil {
		fmt.Fprintf(stdout, "finaiguard schema at version %d (%s)\n", version, *dir)
	}
	return 0
}
