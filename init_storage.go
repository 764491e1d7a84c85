package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-calendar/config"
	"prism-calendar/storage"
)

func initStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the task table and the events queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStorage()
			if err != nil {
				return err
			}
			setupLogging(cfg)
			return initStorage(cmd.Context(), cfg.Storage, log.StandardLogger())
		},
	}
}

func initStorage(ctx context.Context, cfg config.Storage, logger *log.Logger) error {
	logger.Info("storage init starting")
	switch cfg.Backend {
	case config.BackendAzure:
		table, err := storage.NewAzureTable(cfg.ConnectionString, cfg.TasksTable)
		if err != nil {
			return fmt.Errorf("table client: %w", err)
		}
		if err := table.CreateTable(ctx); err != nil {
			return fmt.Errorf("create table %s: %w", cfg.TasksTable, err)
		}
	case config.BackendSQLite:
		// Opening applies the schema.
		table, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		if err := table.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported backend %q", cfg.Backend)
	}

	if cfg.EventsQueue != "" {
		if err := storage.CreateQueue(ctx, cfg.ConnectionString, cfg.EventsQueue); err != nil {
			return fmt.Errorf("create queue %s: %w", cfg.EventsQueue, err)
		}
	}
	logger.WithField("backend", cfg.Backend).Info("storage init complete")
	return nil
}
