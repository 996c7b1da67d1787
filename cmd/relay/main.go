// Package main is the entrypoint for the implant relay. One binary runs any
// of the three tiers plus the ledger tooling.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/implant-relay/internal/config"
	"github.com/morezero/implant-relay/internal/server"
	"github.com/morezero/implant-relay/pkg/db"
)

const usage = `Usage: relay <command>

Tiers:
  transport        Implant-facing edge (XHR, WebSocket, staged artifacts) on TRANSPORT_ADDR.
  manager          Client bridges between operators and implants.
  plugins          Plugin registry and per-implant dispatchers.

Operation ledger:
  migrate up       Apply ledger migrations.
  migrate status   Show whether the ledger schema is present.
  migrate down     Drop the ledger table.
  ensure-db        Create the DATABASE_URL database if missing.
  clear            Remove every recorded operation; schema is preserved.

  help             Show this message.

Environment: COMMS_URL, HTTP_PORT, LOG_LEVEL, TRANSPORT_ADDR, OPERATION_TIMEOUT,
COMMAND_TIMEOUT, SERVE_DIR, SERVE_URL_PREFIX, DATABASE_URL, MIGRATION_PATH.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case server.TierTransport, server.TierManager, server.TierPlugins:
		if err := server.Run(cmd); err != nil {
			log.Fatalf("relay %s: %v", cmd, err)
		}
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("relay migrate: require subcommand (up, down, status)")
		}
		if err := runMigrate(args[1]); err != nil {
			log.Fatalf("relay migrate %s: %v", args[1], err)
		}
	case "ensure-db":
		if err := runEnsureDB(); err != nil {
			log.Fatalf("relay ensure-db: %v", err)
		}
	case "clear":
		if err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			return db.ClearLedger(ctx, pool)
		}); err != nil {
			log.Fatalf("relay clear: %v", err)
		}
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}
}

func runMigrate(sub string) error {
	var run func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error
	switch sub {
	case "up":
		run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				return err
			}
			return db.RunMigrations(ctx, pool, migrations)
		}
	case "status":
		run = func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
		}
	case "down":
		run = func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return db.MigrationDown(ctx, pool)
		}
	default:
		return fmt.Errorf("unknown subcommand %q (use up, down, status)", sub)
	}
	return withPool(run)
}

func runEnsureDB() error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), cfg.DatabaseURL); err != nil {
		return err
	}
	fmt.Println("Database is ready.")
	return nil
}

// withPool loads configuration, opens the ledger database and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := loadDBConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func loadDBConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return nil, err
	}
	return cfg, nil
}
