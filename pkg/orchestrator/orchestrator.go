// Package orchestrator owns the run state machine: it creates runs, submits
// their test and eval workflows and advances them on every poll tick.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/fetcher"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// Notifier is told about runs reaching a terminal status.
type Notifier interface {
	RunComplete(ctx context.Context, run *store.Run) error
}

// ReportStarter starts report generation for a succeeded run. Enqueue runs
// inside the transaction that marks the run succeeded. Reports left pending
// by StartForRun are retried by the poller.
type ReportStarter interface {
	Enqueue(ctx context.Context, tx store.Store, run *store.Run) error
	StartForRun(ctx context.Context, run *store.Run) error
}

// CreateRequest describes a new run. JSON fields override the test defaults
// key by key.
type CreateRequest struct {
	TestID      uint
	Name        string
	TestInput   datatypes.JSON
	EvalInput   datatypes.JSON
	TestOptions datatypes.JSON
	EvalOptions datatypes.JSON
	CreatedBy   string
	Github      *notify.GithubContext
}

// SubmissionError is returned by Create when the run was persisted but its
// test workflow could not be submitted. The run is failed.
type SubmissionError struct {
	RunID string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting test workflow of run %s: %v", e.RunID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Config holds the Orchestrator collaborators. Reports may be nil. ClaimTTL
// defaults to store.DefaultClaimTTL.
type Config struct {
	Store    store.Store
	Engine   engine.Client
	Fetcher  fetcher.Fetcher
	Resolver *builds.Resolver
	Builder  *builds.Builder
	Notifier Notifier
	Reports  ReportStarter
	Metrics  *metrics.Metrics
	ClaimTTL time.Duration
}

// Orchestrator creates and advances runs.
type Orchestrator struct {
	log      logrus.FieldLogger
	store    store.Store
	engine   engine.Client
	fetcher  fetcher.Fetcher
	resolver *builds.Resolver
	builder  *builds.Builder
	notifier Notifier
	reports  ReportStarter
	metrics  *metrics.Metrics
	claimTTL time.Duration
	now      func() time.Time
}

// New creates an Orchestrator.
func New(log logrus.FieldLogger, cfg Config) *Orchestrator {
	ttl := cfg.ClaimTTL
	if ttl <= 0 {
		ttl = store.DefaultClaimTTL
	}

	return &Orchestrator{
		log:      log.WithField("component", "orchestrator"),
		store:    cfg.Store,
		engine:   cfg.Engine,
		fetcher:  cfg.Fetcher,
		resolver: cfg.Resolver,
		builder:  cfg.Builder,
		notifier: cfg.Notifier,
		reports:  cfg.Reports,
		metrics:  cfg.Metrics,
		claimTTL: ttl,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new run of req.TestID. Runs whose inputs reference
// software builds that have not succeeded are left building; the rest are
// inserted already claimed and submitted right away, so a concurrent poll
// cannot submit them too. Resolution errors leave nothing persisted. A
// failed submission returns the failed run together with a
// *SubmissionError.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*store.Run, error) {
	test, err := o.store.GetTest(ctx, req.TestID)
	if err != nil {
		return nil, err
	}

	testInput, err := mergeJSON(test.TestInputDefaults, req.TestInput, "test input")
	if err != nil {
		return nil, err
	}

	evalInput, err := mergeJSON(test.EvalInputDefaults, req.EvalInput, "eval input")
	if err != nil {
		return nil, err
	}

	testOptions, err := mergeJSON(test.TestOptionDefaults, req.TestOptions, "test options")
	if err != nil {
		return nil, err
	}

	evalOptions, err := mergeJSON(test.EvalOptionDefaults, req.EvalOptions, "eval options")
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s_run_%s", test.Name, o.now().Format("20060102T150405.000000000"))
	}

	run := &store.Run{
		ID:          uuid.NewString(),
		TestID:      test.ID,
		Name:        name,
		TestInput:   testInput,
		EvalInput:   evalInput,
		TestOptions: testOptions,
		EvalOptions: evalOptions,
		CreatedBy:   req.CreatedBy,
	}

	var created []store.SoftwareBuild

	err = o.store.Transaction(ctx, func(tx store.Store) error {
		testRes, err := o.resolver.Resolve(ctx, tx, run.ID, run.TestInput)
		if err != nil {
			return err
		}

		evalRes, err := o.resolver.Resolve(ctx, tx, run.ID, run.EvalInput)
		if err != nil {
			return err
		}

		created = append(testRes.Created, evalRes.Created...)

		run.TestInput = testRes.Input
		run.EvalInput = evalRes.Input
		run.Status = store.RunStatusBuilding

		if testRes.Resolved && evalRes.Resolved {
			run.Status = store.RunStatusCreated
			run.ClaimedAt = o.timestamp()
		}

		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}

		if req.Github == nil {
			return nil
		}

		return tx.CreateRunIsFromGithub(ctx, &store.RunIsFromGithub{
			RunID:       run.ID,
			Owner:       req.Github.Owner,
			Repo:        req.Github.Repo,
			IssueNumber: req.Github.IssueNumber,
			Author:      req.Github.Author,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("creating run of test %q: %w", test.Name, err)
	}

	o.metrics.IncRunTransition(string(run.Status))

	log := o.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"run":    run.Name,
		"test":   test.Name,
	})

	if run.Status == store.RunStatusBuilding {
		log.WithField("new_builds", len(created)).Info("Created run waiting on software builds")
		o.builder.StartAll(ctx, created)

		return run, nil
	}

	jobID, err := o.submit(ctx, run, stageTest, run.TestInput, run.TestOptions)
	if err != nil {
		if _, ferr := o.transition(ctx, run, store.RunStatusCreated, store.RunUpdate{
			Status:     store.RunStatusFailed,
			FinishedAt: o.timestamp(),
		}); ferr != nil {
			log.WithError(ferr).Error("Failed to mark run as failed")
		}

		return run, &SubmissionError{RunID: run.ID, Err: err}
	}

	ok, err := o.transition(ctx, run, store.RunStatusCreated, store.RunUpdate{
		Status:    store.RunStatusTestSubmitted,
		TestJobID: jobID,
	})
	if err != nil {
		// The claim stays in place until it expires, keeping the poller
		// from submitting the run a second time meanwhile.
		log.WithError(err).WithField("job_id", jobID).Error("Failed to record submitted test workflow")

		return nil, err
	}

	if !ok {
		log.WithField("job_id", jobID).Warn("Run was submitted concurrently, submitted job is orphaned")

		return o.store.GetRun(ctx, run.ID)
	}

	log.WithField("job_id", jobID).Info("Created run and submitted test workflow")

	return run, nil
}

// transition applies update if run is still in from and mirrors the change
// onto run. The boolean reports whether this call won.
func (o *Orchestrator) transition(
	ctx context.Context, run *store.Run, from store.RunStatus, update store.RunUpdate,
) (bool, error) {
	ok, err := o.store.TransitionRun(ctx, run.ID, from, update)
	if err != nil || !ok {
		return ok, err
	}

	applyUpdate(run, update)
	o.metrics.IncRunTransition(string(update.Status))

	return true, nil
}

func applyUpdate(run *store.Run, update store.RunUpdate) {
	run.Status = update.Status
	run.ClaimedAt = nil

	if update.TestInput != nil {
		run.TestInput = update.TestInput
	}

	if update.EvalInput != nil {
		run.EvalInput = update.EvalInput
	}

	if update.TestJobID != "" {
		run.TestJobID = update.TestJobID
	}

	if update.EvalJobID != "" {
		run.EvalJobID = update.EvalJobID
	}

	if update.FinishedAt != nil {
		run.FinishedAt = update.FinishedAt
	}
}

func (o *Orchestrator) timestamp() *time.Time {
	now := o.now()

	return &now
}

// permanent reports whether err will not go away on a later tick.
func permanent(err error) bool {
	var (
		eerr  *engine.Error
		ferr  *fetcher.Error
		snf   *builds.SoftwareNotFoundError
		inerr *InputError
	)

	switch {
	case errors.As(err, &eerr):
		return eerr.Kind != engine.KindTransport
	case errors.As(err, &ferr):
		return !ferr.Transient()
	case errors.As(err, &snf), errors.As(err, &inerr):
		return true
	default:
		return false
	}
}

func (o *Orchestrator) notifyComplete(ctx context.Context, run *store.Run) {
	if o.notifier == nil {
		return
	}

	notify.LogError(
		o.log.WithField("run_id", run.ID),
		o.notifier.RunComplete(ctx, run),
		"Failed to send run completion notification",
	)
}
