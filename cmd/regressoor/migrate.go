package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regressoor/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("validating database config: %w", err)
	}

	// Start runs the migrations.
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(context.Background()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	log.WithField("driver", cfg.Database.Driver).Info("Database schema is up to date")

	return st.Stop()
}
