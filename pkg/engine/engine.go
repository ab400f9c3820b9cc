// Package engine is a client for a Cromwell-compatible workflow execution
// service.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
)

const workflowsPath = "/api/workflows/v1"

// maxExtraInputs is the number of workflowInputs_N parts the engine accepts.
const maxExtraInputs = 4

// Status is the engine-reported state of a workflow.
type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusOnHold    Status = "On Hold"
	StatusRunning   Status = "Running"
	StatusAborting  Status = "Aborting"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
)

// Terminal reports whether the workflow has stopped.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Succeeded reports whether the workflow finished successfully.
func (s Status) Succeeded() bool {
	return s == StatusSucceeded
}

// SubmitRequest is a workflow submission. Empty fields are omitted from the
// request.
type SubmitRequest struct {
	Labels       json.RawMessage
	Dependencies []byte
	Inputs       json.RawMessage
	// ExtraInputs are sent as workflowInputs_2 through workflowInputs_5.
	ExtraInputs []json.RawMessage
	OnHold      bool
	Options     json.RawMessage
	Root        string
	Source      string
	Type        string
	TypeVersion string
	URL         string
}

// WorkflowStatus is the id and status of a workflow.
type WorkflowStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// WorkflowOutputs holds the outputs of a finished workflow keyed by fully
// qualified output name.
type WorkflowOutputs struct {
	ID      string                     `json:"id"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// Client talks to the workflow engine. No call is retried.
type Client interface {
	Submit(ctx context.Context, req *SubmitRequest) (*WorkflowStatus, error)
	Status(ctx context.Context, id string) (*WorkflowStatus, error)
	Outputs(ctx context.Context, id string) (*WorkflowOutputs, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	address string
	http    *http.Client
}

// NewClient creates a Client for the engine at cfg.Address.
func NewClient(log logrus.FieldLogger, cfg *config.EngineConfig) (Client, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing engine timeout: %w", err)
	}

	return &client{
		log:     log.WithField("component", "engine"),
		address: strings.TrimRight(cfg.Address, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) Submit(
	ctx context.Context, req *SubmitRequest,
) (*WorkflowStatus, error) {
	if len(req.ExtraInputs) > maxExtraInputs {
		return nil, &Error{
			Kind: KindPayload,
			Op:   "submit",
			Err:  fmt.Errorf("at most %d extra input sets are supported", maxExtraInputs),
		}
	}

	body, contentType, err := encodeSubmission(req)
	if err != nil {
		return nil, &Error{Kind: KindPayload, Op: "submit", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.address+workflowsPath, body,
	)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "submit", Err: err}
	}

	httpReq.Header.Set("Content-Type", contentType)

	var status WorkflowStatus
	if err := c.do(httpReq, "submit", &status); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"workflow_id": status.ID,
		"status":      status.Status,
	}).Debug("Submitted workflow")

	return &status, nil
}

func (c *client) Status(
	ctx context.Context, id string,
) (*WorkflowStatus, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.workflowURL(id, "status"), nil,
	)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "status", Err: err}
	}

	var status WorkflowStatus
	if err := c.do(httpReq, "status", &status); err != nil {
		return nil, err
	}

	return &status, nil
}

func (c *client) Outputs(
	ctx context.Context, id string,
) (*WorkflowOutputs, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.workflowURL(id, "outputs"), nil,
	)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "outputs", Err: err}
	}

	var outputs WorkflowOutputs
	if err := c.do(httpReq, "outputs", &outputs); err != nil {
		return nil, err
	}

	return &outputs, nil
}

func (c *client) workflowURL(id, action string) string {
	return fmt.Sprintf("%s%s/%s/%s", c.address, workflowsPath, url.PathEscape(id), action)
}

// do executes req and decodes a 2xx JSON body into out.
func (c *client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:       KindRejection,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.ToValidUTF8(string(data), "\uFFFD"),
		}
	}

	if !utf8.Valid(data) {
		return &Error{
			Kind:       KindPayload,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response body is not valid UTF-8"),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{
			Kind:       KindPayload,
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(data),
			Err:        err,
		}
	}

	return nil
}

// encodeSubmission builds the multipart form for a submission.
func encodeSubmission(req *SubmitRequest) (io.Reader, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	fields := []struct {
		name  string
		value string
	}{
		{"labels", string(req.Labels)},
		{"workflowInputs", string(req.Inputs)},
		{"workflowOptions", string(req.Options)},
		{"workflowRoot", req.Root},
		{"workflowSource", req.Source},
		{"workflowType", req.Type},
		{"workflowTypeVersion", req.TypeVersion},
		{"workflowUrl", req.URL},
	}

	for i, extra := range req.ExtraInputs {
		fields = append(fields, struct {
			name  string
			value string
		}{fmt.Sprintf("workflowInputs_%d", i+2), string(extra)})
	}

	if req.OnHold {
		fields = append(fields, struct {
			name  string
			value string
		}{"workflowOnHold", "true"})
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}

		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("writing %s: %w", f.name, err)
		}
	}

	if len(req.Dependencies) > 0 {
		part, err := w.CreateFormFile("workflowDependencies", "dependencies.zip")
		if err != nil {
			return nil, "", fmt.Errorf("creating dependencies part: %w", err)
		}

		if _, err := part.Write(req.Dependencies); err != nil {
			return nil, "", fmt.Errorf("writing dependencies: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}

	return &buf, w.FormDataContentType(), nil
}
