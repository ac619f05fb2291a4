package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Strob0t/AdFactory/internal/adapter/postgres"
	"github.com/Strob0t/AdFactory/internal/config"
)

// runMigrate dispatches migration subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if *steps < 1 {
			return fmt.Errorf("--steps must be >= 1")
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "version":
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(os.Stderr, "schema version: %d\n", v)
	return nil
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: adfactory migrate <command> [options]

Commands:
  up        Apply all pending migrations
  down      Roll back migrations (--steps N, default 1)
  version   Print the current schema version
`)
}

// runBatches lists persisted batches, or the results of one batch.
func runBatches(args []string) error {
	fs := flag.NewFlagSet("batches", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "only batches of this workspace")
	limit := fs.Int("limit", 20, "maximum number of batches")
	batchID := fs.String("id", "", "show the task results of one batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if *batchID != "" {
		results, err := store.ListBatchTasks(ctx, *batchID)
		if err != nil {
			return fmt.Errorf("list batch tasks: %w", err)
		}
		_, _ = fmt.Fprintln(w, "TASK\tNAME\tKIND\tMODEL\tRESULT")
		for i := range results {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				results[i].TaskID, results[i].DisplayName, results[i].Kind, results[i].Model, results[i].ResultRef)
		}
		return w.Flush()
	}

	batches, err := store.ListBatches(ctx, *workspace, *limit)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	if len(batches) == 0 {
		fmt.Println("No batches found.")
		return nil
	}
	_, _ = fmt.Fprintln(w, "ID\tNAME\tKIND\tWORKSPACE\tCREATED_BY\tCREATED_AT")
	for i := range batches {
		b := &batches[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.DisplayName, b.Shared.Kind, b.WorkspaceID, b.CreatedBy, b.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
