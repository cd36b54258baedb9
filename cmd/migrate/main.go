package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/postgres"
	"github.com/kevin07696/recurring-billing/internal/adapters/secrets"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/pkg/logging"
)

var (
	flags   = flag.NewFlagSet("migrate", flag.ExitOnError)
	timeout = flags.Duration("timeout", 5*time.Minute, "maximum time the command may run")
)

func main() {
	flags.Usage = usage
	_ = flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) < 1 {
		flags.Usage()
		return
	}
	command := args[0]

	_ = godotenv.Load()

	logger, err := logging.New(os.Getenv("LOG_LEVEL"), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := migrate(ctx, logger, command, args[1:]); err != nil {
		logger.Fatal("Migration failed", zap.String("command", command), zap.Error(err))
	}
}

func migrate(ctx context.Context, logger *zap.Logger, command string, args []string) error {
	// CRON_SECRET is irrelevant to migrations
	if os.Getenv("CRON_SECRET") == "" {
		_ = os.Setenv("CRON_SECRET", "unused")
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reader, err := secrets.NewReader(ctx, &cfg.Secrets, logger)
	if err != nil {
		return fmt.Errorf("init secrets backend: %w", err)
	}
	if err := secrets.ResolveConfig(ctx, reader, cfg, logger); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("Running migration",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.String("database", cfg.Database.Database),
	)

	return postgres.RunMigrations(ctx, db, command, args...)
}

func usage() {
	fmt.Print(`Usage: migrate [-timeout 5m] COMMAND

Commands:
    up                   Migrate the DB to the most recent version available
    up-by-one            Migrate the DB up by 1
    up-to VERSION        Migrate the DB to a specific VERSION
    down                 Roll back the version by 1
    down-to VERSION      Roll back to a specific VERSION
    redo                 Re-run the latest migration
    reset                Roll back all migrations
    status               Dump the migration status for the current DB
    version              Print the current version of the database

Connection settings come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME
and DB_SSL_MODE, or from SECRETS_BACKEND when the password lives in a secret store.
`)
}
