package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"RateEngine/internal/config"
	"RateEngine/internal/observability"
	"RateEngine/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  RATE_CONFIG_FILE     - TOML config (default: configs/rateengine.toml)")
		fmt.Println("  RATE_POSTGRES_DSN    - Postgres connection string (overrides the config file)")
		fmt.Println("  RATE_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	cfgPath := os.Getenv("RATE_CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "configs/rateengine.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Service.PostgresDSN == "" {
		log.Fatal().Msg("no Postgres DSN configured")
	}

	db, err := sql.Open("postgres", cfg.Service.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.Service.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		rolledBack, err := migrator.Down(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		if !rolledBack {
			log.Info().Msg("nothing to roll back")
			return
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migration status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %s\n", state, s.File)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
