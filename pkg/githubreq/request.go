package githubreq

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// RequestType discriminates inbound request messages.
type RequestType string

const (
	RequestTypeRun RequestType = "run"
	RequestTypePR  RequestType = "pr"
)

// RunRequest asks for one run of a test against a software commit. The
// GitHub fields are optional; when Owner is set the run is tagged with its
// issue and notifications are also posted there.
type RunRequest struct {
	TestName     string `mapstructure:"test_name" json:"test_name"`
	TestInputKey string `mapstructure:"test_input_key" json:"test_input_key,omitempty"`
	EvalInputKey string `mapstructure:"eval_input_key" json:"eval_input_key,omitempty"`
	SoftwareName string `mapstructure:"software_name" json:"software_name"`
	Commit       string `mapstructure:"commit" json:"commit"`
	Author       string `mapstructure:"author" json:"author,omitempty"`
	Owner        string `mapstructure:"owner" json:"owner,omitempty"`
	Repo         string `mapstructure:"repo" json:"repo,omitempty"`
	IssueNumber  int    `mapstructure:"issue_number" json:"issue_number,omitempty"`
}

// PRRequest asks for a pair of runs comparing the base and head commits of
// a pull request.
type PRRequest struct {
	TestName     string `mapstructure:"test_name" json:"test_name"`
	TestInputKey string `mapstructure:"test_input_key" json:"test_input_key,omitempty"`
	EvalInputKey string `mapstructure:"eval_input_key" json:"eval_input_key,omitempty"`
	SoftwareName string `mapstructure:"software_name" json:"software_name"`
	BaseCommit   string `mapstructure:"base_commit" json:"base_commit"`
	HeadCommit   string `mapstructure:"head_commit" json:"head_commit"`
	Author       string `mapstructure:"author" json:"author,omitempty"`
	Owner        string `mapstructure:"owner" json:"owner,omitempty"`
	Repo         string `mapstructure:"repo" json:"repo,omitempty"`
	IssueNumber  int    `mapstructure:"issue_number" json:"issue_number,omitempty"`
}

// run returns the single-run request for commit.
func (r *PRRequest) run(commit string) RunRequest {
	return RunRequest{
		TestName:     r.TestName,
		TestInputKey: r.TestInputKey,
		EvalInputKey: r.EvalInputKey,
		SoftwareName: r.SoftwareName,
		Commit:       commit,
		Author:       r.Author,
		Owner:        r.Owner,
		Repo:         r.Repo,
		IssueNumber:  r.IssueNumber,
	}
}

// Request is a decoded inbound message. Exactly one of Run and PR is set,
// matching Type.
type Request struct {
	Type RequestType
	Run  *RunRequest
	PR   *PRRequest
}

// ParseRequest decodes and validates a JSON request message.
func ParseRequest(body []byte) (*Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	if raw == nil {
		return nil, errors.New("decoding request: not an object")
	}

	kind, _ := raw["type"].(string)
	delete(raw, "type")

	req := &Request{Type: RequestType(kind)}

	switch req.Type {
	case RequestTypeRun:
		req.Run = &RunRequest{}
		if err := decode(raw, req.Run); err != nil {
			return nil, err
		}

		if err := req.Run.validate(); err != nil {
			return nil, err
		}
	case RequestTypePR:
		req.PR = &PRRequest{}
		if err := decode(raw, req.PR); err != nil {
			return nil, err
		}

		if err := req.PR.validate(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown request type %q", kind)
	}

	return req, nil
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}

	return nil
}

func (r *RunRequest) validate() error {
	switch {
	case r.TestName == "":
		return errors.New("test_name is required")
	case r.SoftwareName == "":
		return errors.New("software_name is required")
	case r.Commit == "":
		return errors.New("commit is required")
	}

	return validateGithub(r.Owner, r.Repo, r.IssueNumber)
}

func (r *PRRequest) validate() error {
	switch {
	case r.TestName == "":
		return errors.New("test_name is required")
	case r.SoftwareName == "":
		return errors.New("software_name is required")
	case r.BaseCommit == "" || r.HeadCommit == "":
		return errors.New("base_commit and head_commit are required")
	}

	return validateGithub(r.Owner, r.Repo, r.IssueNumber)
}

func validateGithub(owner, repo string, issue int) error {
	if owner == "" && repo == "" && issue == 0 {
		return nil
	}

	if owner == "" || repo == "" || issue <= 0 {
		return errors.New("owner, repo and issue_number must be set together")
	}

	return nil
}
