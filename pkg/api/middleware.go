package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
)

const (
	signatureHeader = "X-Hub-Signature-256"

	maxRequestBody = 1 << 20
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// verifySignature rejects requests whose X-Hub-Signature-256 does not match
// the body when a request secret is configured. The body is buffered and
// handed on unchanged.
func (s *server) verifySignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestSecret == "" {
			next.ServeHTTP(w, r)

			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"reading request body"})

			return
		}

		if err := github.ValidateSignature(
			r.Header.Get(signatureHeader), body, []byte(s.cfg.RequestSecret),
		); err != nil {
			s.log.WithError(err).
				WithField("remote", r.RemoteAddr).
				Warn("Rejected request with invalid signature")
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid signature"})

			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
