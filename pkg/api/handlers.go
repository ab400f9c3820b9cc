package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"

	"github.com/go-chi/chi/v5"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/githubreq"
	"github.com/ethpandaops/regressoor/pkg/orchestrator"
	"github.com/ethpandaops/regressoor/pkg/storage"
	"github.com/ethpandaops/regressoor/pkg/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeBody decodes an optional JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetTest returns a test with its defaults.
func (s *server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.store.GetTestByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeLookupError(w, err, "test not found")

		return
	}

	writeJSON(w, http.StatusOK, test)
}

type createRunRequest struct {
	Name        string         `json:"name,omitempty"`
	TestInput   datatypes.JSON `json:"test_input,omitempty"`
	EvalInput   datatypes.JSON `json:"eval_input,omitempty"`
	TestOptions datatypes.JSON `json:"test_options,omitempty"`
	EvalOptions datatypes.JSON `json:"eval_options,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
}

type runErrorResponse struct {
	Error string     `json:"error"`
	Run   *store.Run `json:"run,omitempty"`
}

// handleCreateRun creates a run of the named test. Inputs and options
// override the test defaults key by key.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	test, err := s.store.GetTestByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeLookupError(w, err, "test not found")

		return
	}

	run, err := s.runs.Create(r.Context(), orchestrator.CreateRequest{
		TestID:      test.ID,
		Name:        req.Name,
		TestInput:   req.TestInput,
		EvalInput:   req.EvalInput,
		TestOptions: req.TestOptions,
		EvalOptions: req.EvalOptions,
		CreatedBy:   req.CreatedBy,
	})
	if err == nil {
		writeJSON(w, http.StatusCreated, run)

		return
	}

	var (
		snf    *builds.SoftwareNotFoundError
		inerr  *orchestrator.InputError
		suberr *orchestrator.SubmissionError
	)

	switch {
	case errors.As(err, &snf):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{err.Error()})
	case errors.As(err, &inerr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.As(err, &suberr):
		writeJSON(w, http.StatusBadGateway, runErrorResponse{Error: err.Error(), Run: run})
	default:
		s.log.WithError(err).WithField("test", test.Name).Error("Failed to create run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

type runResponse struct {
	*store.Run
	Results          []store.RunResult       `json:"results"`
	Reports          []store.RunReport       `json:"reports"`
	SoftwareVersions []store.SoftwareVersion `json:"software_versions"`
}

// handleGetRun returns a run with its results, reports and the software
// versions its inputs reference.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, err := s.store.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeLookupError(w, err, "run not found")

		return
	}

	resp := runResponse{Run: run}

	if resp.Results, err = s.store.ListRunResults(ctx, run.ID); err == nil {
		if resp.Reports, err = s.store.ListRunReports(ctx, run.ID); err == nil {
			resp.SoftwareVersions, err = s.store.ListRunSoftwareVersions(ctx, run.ID)
		}
	}

	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Error("Failed to load run details")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetReportArtifact redirects to a presigned download URL for one
// artifact of a finished run report. Locations that cannot be presigned are
// returned as JSON.
func (s *server) handleGetReportArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	report, err := s.store.GetReportByName(ctx, chi.URLParam(r, "report"))
	if err != nil {
		s.writeLookupError(w, err, "report not found")

		return
	}

	rr, err := s.store.GetRunReport(ctx, runID, report.ID)
	if err != nil {
		s.writeLookupError(w, err, "run report not found")

		return
	}

	artifacts := map[string]string{}
	if len(rr.Results) > 0 {
		if err := json.Unmarshal(rr.Results, &artifacts); err != nil {
			s.log.WithError(err).WithField("run_id", runID).Error("Failed to decode report artifacts")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}
	}

	location, ok := artifacts[chi.URLParam(r, "artifact")]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"artifact not found"})

		return
	}

	loc, isObject := storage.ParseLocation(location)
	if !isObject || s.presigner == nil {
		writeJSON(w, http.StatusOK, map[string]string{"location": location})

		return
	}

	url, err := s.presigner.PresignGet(ctx, loc)
	if err != nil {
		s.log.WithError(err).WithField("location", location).Warn("Refused to presign artifact")
		writeJSON(w, http.StatusForbidden,
			errorResponse{"artifact is not downloadable"})

		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

type subscriptionRequest struct {
	EntityType store.EntityType `json:"entity_type"`
	EntityID   uint             `json:"entity_id"`
	Email      string           `json:"email"`
}

// handleCreateSubscription subscribes an email address to a pipeline,
// template or test.
func (s *server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if !req.EntityType.Valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"entity_type must be pipeline, template or test"})

		return
	}

	if req.EntityID == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"entity_id is required"})

		return
	}

	addr, err := mail.ParseAddress(req.Email)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid email address"})

		return
	}

	sub := &store.Subscription{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Email:      addr.Address,
	}

	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		s.log.WithError(err).Error("Failed to create subscription")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

type githubRequestResponse struct {
	Runs  []*store.Run `json:"runs"`
	Error string       `json:"error,omitempty"`
}

// handleGithubRequest accepts a run or PR comparison request posted on
// behalf of a GitHub comment. Failures to start are reported back to the
// requester by the processor; the response mirrors them.
func (s *server) handleGithubRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"reading request body"})

		return
	}

	req, err := githubreq.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	runs, err := s.requests.Process(r.Context(), req)

	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, githubRequestResponse{Runs: runs})
	case errors.Is(err, githubreq.ErrUnknownTest):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	default:
		writeJSON(w, http.StatusUnprocessableEntity,
			githubRequestResponse{Runs: runs, Error: err.Error()})
	}
}

func (s *server) writeLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{notFound})

		return
	}

	s.log.WithError(err).Error("Lookup failed")
	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal error"})
}
