package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply the embedded schema migrations or show their status.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE:  runMigrateUp,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE:  runMigrateStatus,
		},
	)

	return cmd
}

func openStorage() (*storage.Storage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	v, err := store.MigrationVersion()
	if err != nil {
		return err
	}
	logging.Info("Migrations applied", "version", v)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	store, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	return store.MigrationStatus()
}
