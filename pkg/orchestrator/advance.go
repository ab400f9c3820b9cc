package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/store"
)

var errBuildsPending = errors.New("software builds pending")

// Advance moves run one step forward based on its persisted status. It is
// safe to call repeatedly and concurrently for the same run: every
// transition is conditional on the status it was read in, and only the
// caller that wins a transition into a terminal status notifies. Errors
// returned are transient; the status is left as it was.
func (o *Orchestrator) Advance(ctx context.Context, run *store.Run) error {
	current, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}

	switch current.Status {
	case store.RunStatusCreated, store.RunStatusBuilding:
		return o.advanceWaiting(ctx, current)
	case store.RunStatusTestSubmitted:
		return o.advanceTest(ctx, current)
	case store.RunStatusEvalSubmitted:
		return o.advanceEval(ctx, current)
	default:
		return nil
	}
}

// advanceWaiting submits the test workflow once every build the run depends
// on has succeeded.
func (o *Orchestrator) advanceWaiting(ctx context.Context, run *store.Run) error {
	state, err := o.resolver.Check(ctx, o.store, run.ID)
	if err != nil {
		return err
	}

	switch state {
	case builds.StateFailed:
		return o.fail(ctx, run, errors.New("a software build the run depends on failed"))
	case builds.StatePending:
		return nil
	}

	input, err := o.resolveInput(ctx, run, run.TestInput)
	if err != nil {
		if errors.Is(err, errBuildsPending) {
			return nil
		}

		return o.failIfPermanent(ctx, run, err)
	}

	return o.submitStage(ctx, run, stageTest, input, run.TestOptions)
}

func (o *Orchestrator) advanceTest(ctx context.Context, run *store.Run) error {
	status, err := o.engine.Status(ctx, run.TestJobID)
	if err != nil {
		return fmt.Errorf("polling test job of run %s: %w", run.ID, err)
	}

	switch status.Status {
	case engine.StatusFailed, engine.StatusAborted:
		return o.fail(ctx, run, fmt.Errorf("test job %s %s", run.TestJobID, status.Status))
	case engine.StatusSucceeded:
	default:
		return nil
	}

	state, err := o.resolver.Check(ctx, o.store, run.ID)
	if err != nil {
		return err
	}

	switch state {
	case builds.StateFailed:
		return o.fail(ctx, run, errors.New("a software build the eval input depends on failed"))
	case builds.StatePending:
		return nil
	}

	input, err := o.resolveInput(ctx, run, run.EvalInput)
	if err != nil {
		if errors.Is(err, errBuildsPending) {
			return nil
		}

		return o.failIfPermanent(ctx, run, err)
	}

	if hasTestOutputRefs(input) {
		outputs, err := o.engine.Outputs(ctx, run.TestJobID)
		if err != nil {
			return o.failIfPermanent(ctx, run, fmt.Errorf("fetching test outputs: %w", err))
		}

		input, err = substituteTestOutputs(input, outputs.Outputs)
		if err != nil {
			return o.failIfPermanent(ctx, run, err)
		}
	}

	return o.submitStage(ctx, run, stageEval, input, run.EvalOptions)
}

func (o *Orchestrator) advanceEval(ctx context.Context, run *store.Run) error {
	status, err := o.engine.Status(ctx, run.EvalJobID)
	if err != nil {
		return fmt.Errorf("polling eval job of run %s: %w", run.ID, err)
	}

	switch status.Status {
	case engine.StatusFailed, engine.StatusAborted:
		return o.fail(ctx, run, fmt.Errorf("eval job %s %s", run.EvalJobID, status.Status))
	case engine.StatusSucceeded:
	default:
		return nil
	}

	outputs, err := o.engine.Outputs(ctx, run.EvalJobID)
	if err != nil {
		return o.failIfPermanent(ctx, run, fmt.Errorf("fetching eval outputs: %w", err))
	}

	results, err := o.collectResults(ctx, run, outputs)
	if err != nil {
		return err
	}

	update := store.RunUpdate{
		Status:     store.RunStatusSucceeded,
		FinishedAt: o.timestamp(),
	}

	var won bool

	err = o.store.Transaction(ctx, func(tx store.Store) error {
		ok, err := tx.TransitionRun(ctx, run.ID, store.RunStatusEvalSubmitted, update)
		if err != nil || !ok {
			return err
		}

		won = true

		if err := tx.SaveRunResults(ctx, results); err != nil {
			return err
		}

		if o.reports == nil {
			return nil
		}

		return o.reports.Enqueue(ctx, tx, run)
	})
	if err != nil || !won {
		return err
	}

	applyUpdate(run, update)
	o.metrics.IncRunTransition(string(update.Status))

	o.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"results": len(results),
	}).Info("Run succeeded")

	o.notifyComplete(ctx, run)

	if o.reports != nil {
		if err := o.reports.StartForRun(ctx, run); err != nil {
			o.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to start reports, retrying on a later tick")
		}
	}

	return nil
}

// collectResults maps eval outputs onto the template's results. Outputs
// without a mapping are ignored; mapped keys missing from the outputs are
// logged.
func (o *Orchestrator) collectResults(
	ctx context.Context, run *store.Run, outputs *engine.WorkflowOutputs,
) ([]store.RunResult, error) {
	test, err := o.store.GetTest(ctx, run.TestID)
	if err != nil {
		return nil, err
	}

	mappings, err := o.store.ListTemplateResults(ctx, test.TemplateID)
	if err != nil {
		return nil, err
	}

	results := make([]store.RunResult, 0, len(mappings))

	for _, m := range mappings {
		raw, ok := outputs.Outputs[m.ResultKey]
		if !ok {
			o.log.WithFields(logrus.Fields{
				"run_id":     run.ID,
				"result_key": m.ResultKey,
			}).Warn("Eval output missing for mapped result")

			continue
		}

		results = append(results, store.RunResult{
			RunID:    run.ID,
			ResultID: m.ResultID,
			Value:    outputValue(raw),
		})
	}

	return results, nil
}

// resolveInput rewrites the placeholders in input with image urls. It
// returns errBuildsPending if a build is not yet usable; any builds the
// resolver created in that case are rolled back.
func (o *Orchestrator) resolveInput(
	ctx context.Context, run *store.Run, input datatypes.JSON,
) (datatypes.JSON, error) {
	var resolved datatypes.JSON

	err := o.store.Transaction(ctx, func(tx store.Store) error {
		res, err := o.resolver.Resolve(ctx, tx, run.ID, input)
		if err != nil {
			return err
		}

		if !res.Resolved {
			return errBuildsPending
		}

		resolved = res.Input

		return nil
	})

	return resolved, err
}

// submitStage claims run, submits the stage workflow and records the job.
// Runs claimed by another caller are left alone. Permanent submission
// failures fail the run; transient ones release the claim for a later tick.
func (o *Orchestrator) submitStage(
	ctx context.Context,
	run *store.Run,
	st stage,
	input, options datatypes.JSON,
) error {
	from := run.Status

	claimed, err := o.store.ClaimRun(ctx, run.ID, from, o.claimTTL)
	if err != nil {
		return err
	}

	if !claimed {
		o.log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"stage":  st,
		}).Debug("Run is being submitted elsewhere")

		return nil
	}

	jobID, err := o.submit(ctx, run, st, input, options)
	if err != nil {
		err = fmt.Errorf("submitting %s workflow: %w", st, err)

		if !permanent(err) {
			if rerr := o.store.ReleaseRun(ctx, run.ID, from); rerr != nil {
				o.log.WithError(rerr).WithField("run_id", run.ID).Warn("Failed to release run claim")
			}
		}

		return o.failIfPermanent(ctx, run, err)
	}

	update := store.RunUpdate{Status: store.RunStatusTestSubmitted, TestInput: input, TestJobID: jobID}
	if st == stageEval {
		update = store.RunUpdate{Status: store.RunStatusEvalSubmitted, EvalInput: input, EvalJobID: jobID}
	}

	log := o.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"stage":  st,
		"job_id": jobID,
	})

	ok, err := o.transition(ctx, run, from, update)
	if err != nil {
		log.WithError(err).Error("Failed to record submitted workflow")

		return err
	}

	if !ok {
		log.Warn("Run advanced after its claim expired, submitted job is orphaned")

		return nil
	}

	log.Info("Submitted workflow")

	return nil
}

func (o *Orchestrator) failIfPermanent(ctx context.Context, run *store.Run, err error) error {
	if !permanent(err) {
		return fmt.Errorf("advancing run %s: %w", run.ID, err)
	}

	return o.fail(ctx, run, err)
}

// fail moves run from its current status to failed and notifies if this
// call performed the transition.
func (o *Orchestrator) fail(ctx context.Context, run *store.Run, reason error) error {
	ok, err := o.transition(ctx, run, run.Status, store.RunUpdate{
		Status:     store.RunStatusFailed,
		FinishedAt: o.timestamp(),
	})
	if err != nil || !ok {
		return err
	}

	o.log.WithError(reason).WithField("run_id", run.ID).Warn("Run failed")
	o.notifyComplete(ctx, run)

	return nil
}
