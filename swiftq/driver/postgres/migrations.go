package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// ApplyMigrations idempotently installs or upgrades the schema to the
// current version, tracked in the singleton version row's
// schema_version column per spec.md §3. Grounded on taskharbor's
// driver/postgres/migrations.go embed+sort+apply-in-order shape,
// adapted to track progress in the spec's single version row instead
// of a separate schema_migrations table.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	migs, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	for _, m := range migs {
		if err := applyOne(ctx, pool, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}

	migs := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrationFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, err
		}
		version, err := versionFromFilename(e.Name())
		if err != nil {
			return nil, err
		}
		migs = append(migs, migration{version: version, name: e.Name(), sql: string(b)})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

func versionFromFilename(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration filename %q missing version prefix", name)
	}
	return strconv.Atoi(prefix)
}

// applyOne runs m's SQL and bumps schema_version inside one
// transaction, but only if the installed version is behind m — this
// is what lets start() be called repeatedly without reapplying
// already-installed migrations (spec.md §6's idempotent start-up
// contract).
func applyOne(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The very first migration must be able to run before the
	// version table itself exists, so bootstrap it unconditionally
	// and let every later migration gate on schema_version.
	if m.version > 1 {
		var current int
		err := tx.QueryRow(ctx, `SELECT schema_version FROM version WHERE singleton`).Scan(&current)
		if err == nil && current >= m.version {
			return tx.Rollback(ctx)
		}
	}

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE version SET schema_version = $1 WHERE singleton AND schema_version < $1`, m.version); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
