package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/store"
)

type stage string

const (
	stageTest stage = "test"
	stageEval stage = "eval"
)

// submit sends the stage workflow of run's template with input and options
// and returns the engine job id. Inputs still carrying an image_build
// placeholder are an InputError.
func (o *Orchestrator) submit(
	ctx context.Context,
	run *store.Run,
	st stage,
	input, options datatypes.JSON,
) (string, error) {
	if builds.HasPlaceholders(input) {
		return "", &InputError{Err: fmt.Errorf("%s input has an unresolved software placeholder", st)}
	}

	test, err := o.store.GetTest(ctx, run.TestID)
	if err != nil {
		return "", err
	}

	template, err := o.store.GetTemplate(ctx, test.TemplateID)
	if err != nil {
		return "", err
	}

	source, deps := template.TestWDL, template.TestWDLDependencies
	if st == stageEval {
		source, deps = template.EvalWDL, template.EvalWDLDependencies
	}

	workflow, err := o.fetcher.Fetch(ctx, source)
	if err != nil {
		return "", err
	}

	archive, err := o.dependencies(ctx, deps)
	if err != nil {
		return "", err
	}

	labels, err := json.Marshal(map[string]string{
		"regressoor-run-id": run.ID,
		"regressoor-stage":  string(st),
	})
	if err != nil {
		return "", fmt.Errorf("encoding labels: %w", err)
	}

	status, err := o.engine.Submit(ctx, &engine.SubmitRequest{
		Labels:       labels,
		Dependencies: archive,
		Inputs:       json.RawMessage(input),
		Options:      json.RawMessage(options),
		Source:       string(workflow),
	})
	o.metrics.IncSubmission(string(st), err)

	if err != nil {
		return "", err
	}

	return status.ID, nil
}

// dependencies fetches every location in the JSON list deps and zips them
// by base name. No dependencies yield a nil archive.
func (o *Orchestrator) dependencies(
	ctx context.Context, deps datatypes.JSON,
) ([]byte, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	var locations []string
	if err := json.Unmarshal(deps, &locations); err != nil {
		return nil, &InputError{Err: fmt.Errorf("decoding workflow dependencies: %w", err)}
	}

	if len(locations) == 0 {
		return nil, nil
	}

	files := make(map[string][]byte, len(locations))

	for _, loc := range locations {
		data, err := o.fetcher.Fetch(ctx, loc)
		if err != nil {
			return nil, err
		}

		files[path.Base(loc)] = data
	}

	return engine.ZipDependencies(files)
}
