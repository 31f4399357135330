package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/alicasapp/backend/config"
	"github.com/alicasapp/backend/internal/database"
	"github.com/alicasapp/backend/internal/logging"
)

const usage = "Usage: go run cmd/migrate/main.go [up|down [steps]|status]"

var errUsage = errors.New("unknown command, available commands: up, down, status")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	connect := func() (*database.DB, error) { return database.NewPostgresDB(cfg.GetDSN()) }
	if err := run(os.Args[1:], os.Stdout, logger, connect); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
		}
		logger.Fatal("migrate failed", zap.String("command", os.Args[1]), zap.Error(err))
	}
}

// run validates args before touching the database.
func run(args []string, out io.Writer, logger *zap.Logger, connect func() (*database.DB, error)) error {
	command := args[0]
	steps := 1
	switch command {
	case "up", "status":
	case "down":
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
	default:
		return fmt.Errorf("%w: %s", errUsage, command)
	}

	db, err := connect()
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	switch command {
	case "up":
		if err := database.RunMigrations(db.DB, logger); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("migrations completed")
	case "down":
		if err := database.Rollback(db.DB, steps, logger); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info("rolled back migrations", zap.Int("steps", steps))
	case "status":
		applied, err := database.Applied(db.DB)
		if err != nil {
			return fmt.Errorf("failed to read migrations: %w", err)
		}
		printStatus(out, applied)
	}
	return nil
}

func printStatus(out io.Writer, applied []database.AppliedMigration) {
	fmt.Fprintln(out, "\nApplied Migrations:")
	fmt.Fprintln(out, "-------------------")
	for _, m := range applied {
		fmt.Fprintf(out, "Version %d - Applied at: %s\n", m.Version, m.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "\n%d of %d migrations applied\n", len(applied), len(database.Migrations))
}
