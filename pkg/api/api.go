package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/githubreq"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/orchestrator"
	"github.com/ethpandaops/regressoor/pkg/storage"
	"github.com/ethpandaops/regressoor/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// RunCreator creates runs.
type RunCreator interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*store.Run, error)
}

// RequestProcessor handles run requests posted from GitHub.
type RequestProcessor interface {
	Process(ctx context.Context, req *githubreq.Request) ([]*store.Run, error)
}

// Dependencies holds the collaborators the handlers call into. Metrics may
// be nil, in which case /metrics is not served. Without a Presigner report
// artifacts are returned as locations instead of download redirects.
type Dependencies struct {
	Store     store.Store
	Runs      RunCreator
	Requests  RequestProcessor
	Presigner storage.Presigner
	Metrics   *metrics.Metrics
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	store      store.Store
	runs       RunCreator
	requests   RequestProcessor
	presigner  storage.Presigner
	metrics    *metrics.Metrics
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	deps Dependencies,
) Server {
	return &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		store:     deps.Store,
		runs:      deps.Runs,
		requests:  deps.Requests,
		presigner: deps.Presigner,
		metrics:   deps.Metrics,
		done:      make(chan struct{}),
	}
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
