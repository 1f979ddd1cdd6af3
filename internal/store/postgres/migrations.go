package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serialises migration runs across server instances.
const migrationLockID = 0x7467617465 // "tgate"

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS tenantgate_schema_version (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

var migrationName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

// ErrMigrationChanged is returned when an applied migration no longer matches
// the embedded file.
var ErrMigrationChanged = errors.New("applied migration has changed")

type migration struct {
	version  int
	name     string
	checksum string
	sql      string
}

// loadMigrations reads NNNN_name.sql files from dir, ordered by version.
// Versions must start at 1 and have no gaps.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("invalid migration file name %q", entry.Name())
		}
		version, _ := strconv.Atoi(match[1])

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)

		out = append(out, migration{
			version:  version,
			name:     match[2],
			checksum: hex.EncodeToString(sum[:]),
			sql:      string(content),
		})
	}

	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })

	for i, m := range out {
		if m.version != i+1 {
			return nil, fmt.Errorf("migration version %d out of sequence, expected %d", m.version, i+1)
		}
	}

	return out, nil
}

// Migrate brings the schema up to the latest embedded version. Applied
// versions are recorded with their checksum in tenantgate_schema_version and
// an edited migration is refused.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := loadMigrations(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx, createVersionTable); err != nil {
		return fmt.Errorf("failed to create schema version table: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ok, err := applyMigration(ctx, pool, m)
		if err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.version, m.name, err)
		}
		if ok {
			applied++
		}
	}

	log.Info().
		Int("latest", len(migrations)).
		Int("applied", applied).
		Msg("Database schema up to date")
	return nil
}

// applyMigration runs m in its own transaction under the migration lock.
// It returns false when m was already applied.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, m migration) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("failed to take migration lock: %w", err)
	}

	var checksum string
	err = tx.QueryRow(ctx,
		`SELECT checksum FROM tenantgate_schema_version WHERE version = $1`, m.version,
	).Scan(&checksum)
	switch {
	case err == nil:
		if checksum != m.checksum {
			return false, ErrMigrationChanged
		}
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("failed to read schema version: %w", err)
	}

	log.Info().Int("version", m.version).Str("name", m.name).Msg("Applying migration")

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return false, fmt.Errorf("failed to execute migration: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO tenantgate_schema_version (version, name, checksum) VALUES ($1, $2, $3)`,
		m.version, m.name, m.checksum,
	); err != nil {
		return false, fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit migration: %w", err)
	}
	return true, nil
}
