// Package githubreq turns run requests posted from GitHub comments into
// runs and reports the outcome back to the requester.
package githubreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/orchestrator"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// ErrUnknownTest is returned for requests naming a test that does not
// exist. Nobody is notified.
var ErrUnknownTest = errors.New("unknown test")

// TestLookup resolves tests by name.
type TestLookup interface {
	GetTestByName(ctx context.Context, name string) (*store.Test, error)
}

// RunCreator creates runs.
type RunCreator interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*store.Run, error)
}

// Notifier announces the outcome of a request.
type Notifier interface {
	RunStarted(ctx context.Context, run *store.Run) error
	RunFailedToStart(ctx context.Context, failed notify.FailedStart) error
}

// Processor handles run requests.
type Processor struct {
	log      logrus.FieldLogger
	tests    TestLookup
	runs     RunCreator
	notifier Notifier
}

// NewProcessor creates a Processor.
func NewProcessor(
	log logrus.FieldLogger, tests TestLookup, runs RunCreator, notifier Notifier,
) *Processor {
	return &Processor{
		log:      log.WithField("component", "github-requests"),
		tests:    tests,
		runs:     runs,
		notifier: notifier,
	}
}

// Process dispatches req by type. It returns the runs that were created,
// including failed ones.
func (p *Processor) Process(ctx context.Context, req *Request) ([]*store.Run, error) {
	switch req.Type {
	case RequestTypeRun:
		run, err := p.ProcessRun(ctx, *req.Run)
		if run == nil {
			return nil, err
		}

		return []*store.Run{run}, err
	case RequestTypePR:
		return p.ProcessPRComparison(ctx, *req.PR)
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
}

// ProcessRun creates a run of req.TestName with the requested software
// commit placed under the given input keys. Success and failure are both
// notified, except for unknown tests which are only logged. A run is
// returned whenever one was persisted.
func (p *Processor) ProcessRun(ctx context.Context, req RunRequest) (*store.Run, error) {
	log := p.log.WithFields(logrus.Fields{
		"test":     req.TestName,
		"software": req.SoftwareName,
		"commit":   req.Commit,
		"author":   req.Author,
	})

	test, err := p.tests.GetTestByName(ctx, req.TestName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Ignoring request for unknown test")

			return nil, fmt.Errorf("%w: %s", ErrUnknownTest, req.TestName)
		}

		return nil, err
	}

	testInput, err := placeholderInput(req.TestInputKey, req.SoftwareName, req.Commit)
	if err != nil {
		return nil, err
	}

	evalInput, err := placeholderInput(req.EvalInputKey, req.SoftwareName, req.Commit)
	if err != nil {
		return nil, err
	}

	var gh *notify.GithubContext
	if req.Owner != "" {
		gh = &notify.GithubContext{
			Owner:       req.Owner,
			Repo:        req.Repo,
			IssueNumber: req.IssueNumber,
			Author:      req.Author,
		}
	}

	run, err := p.runs.Create(ctx, orchestrator.CreateRequest{
		TestID:    test.ID,
		TestInput: testInput,
		EvalInput: evalInput,
		CreatedBy: req.Author,
		Github:    gh,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to start run")

		failed := notify.FailedStart{
			TestID:    test.ID,
			TestName:  test.Name,
			CreatedBy: req.Author,
			Github:    gh,
			Reason:    err.Error(),
		}

		notify.LogError(log, p.notifier.RunFailedToStart(ctx, failed), "Failed to send failure notification")

		return run, err
	}

	log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": run.Status,
	}).Info("Started run from request")

	notify.LogError(log, p.notifier.RunStarted(ctx, run), "Failed to send run started notification")

	return run, nil
}

// ProcessPRComparison creates one run for the base commit and one for the
// head commit of a pull request.
func (p *Processor) ProcessPRComparison(ctx context.Context, req PRRequest) ([]*store.Run, error) {
	var (
		runs []*store.Run
		errs []error
	)

	for _, commit := range []string{req.BaseCommit, req.HeadCommit} {
		run, err := p.ProcessRun(ctx, req.run(commit))
		if run != nil {
			runs = append(runs, run)
		}

		if err != nil {
			if errors.Is(err, ErrUnknownTest) {
				return nil, err
			}

			errs = append(errs, err)
		}
	}

	return runs, errors.Join(errs...)
}

// placeholderInput is {key: "image_build:<software>|<commit>"}, or nil
// when key is empty.
func placeholderInput(key, software, commit string) (datatypes.JSON, error) {
	if key == "" {
		return nil, nil
	}

	data, err := json.Marshal(builds.Placeholder(key, software, commit))
	if err != nil {
		return nil, fmt.Errorf("encoding placeholder input: %w", err)
	}

	return datatypes.JSON(data), nil
}
