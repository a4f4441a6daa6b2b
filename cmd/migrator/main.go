package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"polycert/migrations"
	"polycert/pkg/store"
)

var ErrChecksumMismatch = errors.New("migration changed after it was applied")

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		logFatalf("migration: %v", err)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		dir     string
		status  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:           "migrator",
		Short:         "Apply the archive schema to DATABASE_URL",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			var fsys fs.FS = migrations.FS
			if dir != "" {
				fsys = os.DirFS(dir)
			}
			pool, err := openDBFn(ctx)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer pool.Close()
			logf := func(format string, args ...any) { fmt.Fprintf(out, format+"\n", args...) }
			if status {
				return printStatus(ctx, pool, fsys, out)
			}
			_, err = runMigrations(ctx, pool, fsys, logf)
			return err
		},
	}
	cmd.SetOut(out)
	cmd.Flags().StringVar(&dir, "dir", os.Getenv("MIGRATIONS_DIR"), "read migrations from this directory instead of the embedded set")
	cmd.Flags().BoolVar(&status, "status", false, "list applied and pending migrations without applying")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "overall timeout")
	return cmd
}

type migration struct {
	name     string
	sql      string
	checksum string
}

// loadMigrations returns the *.sql files of fsys in lexical order.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(raw)
		out = append(out, migration{name: name, sql: string(raw), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func ensureTable(ctx context.Context, db migrationDB) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// appliedChecksum reports the recorded checksum of name; ok is false when
// the migration has not run.
func appliedChecksum(ctx context.Context, db migrationDB, name string) (sum string, ok bool, err error) {
	err = db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("migration lookup %s: %w", name, err)
	}
	return sum, true, nil
}

// runMigrations applies pending migrations, one transaction each, and
// returns how many ran. A recorded migration whose content changed stops
// the run with ErrChecksumMismatch.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logf func(format string, args ...any)) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if logf == nil {
		logf = log.Printf
	}
	migs, err := loadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migs {
		sum, done, err := appliedChecksum(ctx, db, m.name)
		if err != nil {
			return applied, err
		}
		if done {
			if sum != m.checksum {
				return applied, fmt.Errorf("%w: %s", ErrChecksumMismatch, m.name)
			}
			continue
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.name, m.checksum); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("mark migration %s: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.name, err)
		}
		applied++
		logf("applied migration %s", m.name)
	}
	logf("migrations: %d applied, %d total", applied, len(migs))
	return applied, nil
}

func printStatus(ctx context.Context, db migrationDB, fsys fs.FS, out io.Writer) error {
	migs, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	for _, m := range migs {
		sum, done, err := appliedChecksum(ctx, db, m.name)
		if err != nil {
			return err
		}
		state := "pending"
		switch {
		case done && sum != m.checksum:
			state = "changed"
		case done:
			state = "applied"
		}
		fmt.Fprintf(out, "%-8s %s\n", state, m.name)
	}
	return nil
}
