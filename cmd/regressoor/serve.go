package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regressoor/pkg/api"
	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/fetcher"
	"github.com/ethpandaops/regressoor/pkg/githubreq"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/orchestrator"
	"github.com/ethpandaops/regressoor/pkg/poller"
	"github.com/ethpandaops/regressoor/pkg/reports"
	"github.com/ethpandaops/regressoor/pkg/storage"
	"github.com/ethpandaops/regressoor/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the poller",
	Long: `Start the regressoor API server for run creation and GitHub requests,
together with the poller that advances builds, runs and reports.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	m := metrics.New()

	var (
		objects   storage.ObjectStore
		presigner storage.Presigner
	)

	if cfg.ObjectStorageEnabled() {
		objects = storage.NewS3Store(log, cfg.Storage.S3)

		if cfg.Reporting.Enabled {
			presigner, err = storage.NewS3Presigner(log, cfg.Storage.S3, []string{
				path.Join(cfg.Reporting.Bucket, cfg.Reporting.Prefix),
			})
			if err != nil {
				return fmt.Errorf("creating presigner: %w", err)
			}
		}

		log.Info("Object storage enabled")
	}

	fetch, err := fetcher.New(log, &cfg.Fetcher, objects)
	if err != nil {
		return fmt.Errorf("creating fetcher: %w", err)
	}

	eng, err := engine.NewClient(log, &cfg.Engine)
	if err != nil {
		return fmt.Errorf("creating engine client: %w", err)
	}

	var emailer notify.Emailer
	if cfg.EmailEnabled() {
		emailer = notify.NewSMTPEmailer(log, cfg.Email)
	} else {
		log.Info("Email notifications disabled")
	}

	var commenter notify.Commenter
	if cfg.GitHubEnabled() {
		commenter, err = notify.NewGitHubCommenter(log, cfg.GitHub)
		if err != nil {
			return fmt.Errorf("creating github commenter: %w", err)
		}
	} else {
		log.Info("GitHub comments disabled")
	}

	dispatcher := notify.NewDispatcher(log, st, emailer, commenter, m)

	generator := reports.NewGenerator(log, st, eng, objects, &cfg.Reporting, dispatcher, m)
	if err := generator.Preflight(ctx); err != nil {
		return fmt.Errorf("checking report storage: %w", err)
	}

	builder := builds.NewBuilder(log, st, eng, &cfg.Builds, m)

	orch := orchestrator.New(log, orchestrator.Config{
		Store:    st,
		Engine:   eng,
		Fetcher:  fetch,
		Resolver: builds.NewResolver(log),
		Builder:  builder,
		Notifier: dispatcher,
		Reports:  generator,
		Metrics:  m,
	})

	srv := api.NewServer(log, &cfg.Server, api.Dependencies{
		Store:     st,
		Runs:      orch,
		Requests:  githubreq.NewProcessor(log, st, orch, dispatcher),
		Presigner: presigner,
		Metrics:   m,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	poll := poller.New(log, &cfg.Poller, st, builder, orch, generator, m)

	if err := poll.Start(ctx); err != nil {
		_ = srv.Stop()

		return fmt.Errorf("starting poller: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := poll.Stop(); err != nil {
		log.WithError(err).Warn("Poller stop error")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
