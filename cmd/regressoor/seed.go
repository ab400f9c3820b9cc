package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regressoor/pkg/catalog"
	"github.com/ethpandaops/regressoor/pkg/fetcher"
	"github.com/ethpandaops/regressoor/pkg/storage"
	"github.com/ethpandaops/regressoor/pkg/store"
)

var catalogFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed pipelines, templates, tests and software from a catalog file",
	Long: `Seed reads a YAML catalog and inserts every pipeline, template, test,
software, result, report and subscription that does not exist yet. Existing
entries are matched by name and left untouched.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&catalogFile, "catalog", "", "catalog file path")
	_ = seedCmd.MarkFlagRequired("catalog")

	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("validating database config: %w", err)
	}

	cat, err := catalog.Load(catalogFile)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var objects storage.ObjectStore
	if cfg.ObjectStorageEnabled() {
		objects = storage.NewS3Store(log, cfg.Storage.S3)
	}

	fetch, err := fetcher.New(log, &cfg.Fetcher, objects)
	if err != nil {
		return fmt.Errorf("creating fetcher: %w", err)
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	sum, err := catalog.NewSeeder(log, st, fetch).Seed(ctx, cat)
	if err != nil {
		return fmt.Errorf("seeding catalog: %w", err)
	}

	fmt.Printf("created %d, already present %d\n", sum.Created, sum.Existing)

	return nil
}
