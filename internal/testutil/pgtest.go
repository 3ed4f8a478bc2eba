// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// startPostgres is set by integration builds to provision a database when
// POSTGRES_URL is absent.
var startPostgres func(t *testing.T) string

// goose keeps its dialect in package state.
var gooseOnce sync.Once

// PGTest opens a test database, applies the goose migrations under the
// module's migrations/ directory and returns the handle plus a cleanup
// function that empties every application table.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Without POSTGRES_URL, integration builds start a throwaway container and
// other builds skip the test.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" && startPostgres != nil {
		dbURL = startPostgres(t)
	}
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	dir, err := migrationsDir()
	if err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: %v", err)
	}
	gooseOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
		_ = goose.SetDialect("postgres")
	})
	if err := goose.UpContext(ctx, db, dir); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// migrationsDir walks up from the working directory to the first
// migrations/ directory, which sits at the module root.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("no migrations/ directory above the working directory")
		}
		dir = parent
	}
}

// truncateAll empties application tables. The goose version table is kept
// so the next PGTest call on the same database does not re-apply migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> $1
	`, goose.TableName())
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}
	// Names come from the catalog, not from input.
	_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202
}
