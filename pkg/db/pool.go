// Package db holds the Postgres-backed operation ledger of the manager tier.
package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// NewPool creates a pgx connection pool for databaseURL and verifies it.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", logPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = 8
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}

// RunMigrations applies migrations in order. Every migration is idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []string) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", logPrefix, len(migrations)))

	for i, sql := range migrations {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("%s - migration %d failed: %w", logPrefix, i+1, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", logPrefix))
	return nil
}

// MigrationStatus writes whether the operation ledger exists to w.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string, w io.Writer) error {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'operation_log')`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", logPrefix, err)
	}

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return err
	}

	if exists {
		fmt.Fprintf(w, "Migration status: applied (operation_log present, %d migrations)\n", len(files))
	} else {
		fmt.Fprintf(w, "Migration status: not applied (run 'relay migrate up'), %d migrations\n", len(files))
	}
	return nil
}

// MigrationDown drops the operation ledger.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Warn(fmt.Sprintf("%s - Dropping operation_log", logPrefix))
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS operation_log`); err != nil {
		return fmt.Errorf("%s - drop failed: %w", logPrefix, err)
	}
	return nil
}
