package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			limits := s.cfg.RateLimit

			if limits.Enabled {
				r.Use(s.rateLimit(tierAPI, limits.RequestsPerMinute))
			}

			r.Get("/tests/{name}", s.handleGetTest)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/runs/{id}/reports/{report}/artifacts/{artifact}", s.handleGetReportArtifact)
			r.Post("/subscriptions", s.handleCreateSubscription)

			// Endpoints that start runs.
			r.Group(func(r chi.Router) {
				if limits.Enabled && limits.RunsPerMinute > 0 {
					r.Use(s.rateLimit(tierRuns, limits.RunsPerMinute))
				}

				r.Post("/tests/{name}/runs", s.handleCreateRun)
				r.With(s.verifySignature).
					Post("/github/requests", s.handleGithubRequest)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
