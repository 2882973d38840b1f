// Command migrate applies the SQL migrations of the postgres storage
// backend. The badger and memory backends need no schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version string
	path    string
}

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		dir       = flag.String("dir", "", "Directory holding *.up.sql and *.down.sql files (default: ./migrations, then next to the binary)")
		direction = flag.String("direction", "up", "Migration direction: up, down or status")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if *direction != "up" && *direction != "down" && *direction != "status" {
		log.Fatalf("Unknown direction %q", *direction)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Create migrations table if not exists
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Fatalf("Failed to create migrations table: %v", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		log.Fatalf("Failed to get applied migrations: %v", err)
	}

	migrationsDir := resolveDir(*dir)
	if *direction == "status" {
		ups, err := discover(migrationsDir, ".up.sql")
		if err != nil {
			log.Fatalf("Failed to find migration files: %v", err)
		}
		for _, m := range ups {
			state := "pending"
			if applied[m.version] {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, m.version)
		}
		return
	}

	suffix := ".up.sql"
	if *direction == "down" {
		suffix = ".down.sql"
	}
	files, err := discover(migrationsDir, suffix)
	if err != nil {
		log.Fatalf("Failed to find migration files: %v", err)
	}
	if *direction == "down" {
		// Reverse order for down migrations
		for i, j := 0, len(files)-1; i < j; i, j = i+1, j-1 {
			files[i], files[j] = files[j], files[i]
		}
	}

	// Run migrations
	count := 0
	for _, m := range files {
		if (*direction == "up") == applied[m.version] {
			continue
		}
		if *steps > 0 && count >= *steps {
			break
		}

		fmt.Printf("Running migration: %s\n", filepath.Base(m.path))
		if err := apply(ctx, pool, m, *direction == "up"); err != nil {
			log.Fatalf("Migration %s failed: %v", m.version, err)
		}
		fmt.Printf("Applied migration: %s\n", m.version)
		count++
	}

	if count == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", count)
	}
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func resolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if _, err := os.Stat("migrations"); err == nil {
		return "migrations"
	}
	// Try relative to executable
	execPath, _ := os.Executable()
	return filepath.Join(filepath.Dir(execPath), "migrations")
}

func discover(dir, suffix string) ([]migration, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	out := make([]migration, 0, len(files))
	for _, f := range files {
		out = append(out, migration{version: strings.TrimSuffix(filepath.Base(f), suffix), path: f})
	}
	return out, nil
}

// apply runs one migration and records it in a single transaction
func apply(ctx context.Context, pool *pgxpool.Pool, m migration, up bool) error {
	content, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.path, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if up {
		_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", m.version)
	}
	if err != nil {
		return fmt.Errorf("update migrations table: %w", err)
	}
	return tx.Commit(ctx)
}
