package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/engine/enginetest"
	"github.com/ethpandaops/regressoor/pkg/fetcher/fetchertest"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/notify/notifytest"
	"github.com/ethpandaops/regressoor/pkg/orchestrator"
	"github.com/ethpandaops/regressoor/pkg/reports"
	"github.com/ethpandaops/regressoor/pkg/storage/storagetest"
	"github.com/ethpandaops/regressoor/pkg/store"
	"github.com/ethpandaops/regressoor/pkg/store/storetest"
)

type harness struct {
	store   store.Store
	engine  *enginetest.Fake
	fetch   *fetchertest.Static
	emails  *notifytest.Emailer
	builder *builds.Builder
	orch    *orchestrator.Orchestrator
	cat     *storetest.Catalog
	test    *store.Test
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()

	log := storetest.Logger()
	s := storetest.New(t)
	cat := storetest.SeedCatalog(t, s, name)

	test := &store.Test{
		TemplateID:        cat.Template.ID,
		Name:              name + "_defaults",
		TestInputDefaults: datatypes.JSON(`{"wf.in":"default","wf.keep":{"a":1}}`),
		EvalInputDefaults: datatypes.JSON(`{"eval.truth":"gs://bucket/truth.vcf"}`),
	}
	require.NoError(t, s.CreateTest(context.Background(), test))

	eng := enginetest.NewFake()
	fetch := fetchertest.NewStatic(map[string]string{
		cat.Template.TestWDL: "workflow test {}",
		cat.Template.EvalWDL: "workflow eval {}",
	})
	emails := &notifytest.Emailer{}

	builder := builds.NewBuilder(log, s, eng, &config.BuildsConfig{
		WorkflowURL:  "https://example.com/docker_build.wdl",
		RegistryHost: "gcr.io/regressoor",
		InputPrefix:  "docker_build",
	}, nil)

	orch := orchestrator.New(log, orchestrator.Config{
		Store:    s,
		Engine:   eng,
		Fetcher:  fetch,
		Resolver: builds.NewResolver(log),
		Builder:  builder,
		Notifier: notify.NewDispatcher(log, s, emails, nil, nil),
	})

	return &harness{
		store:   s,
		engine:  eng,
		fetch:   fetch,
		emails:  emails,
		builder: builder,
		orch:    orch,
		cat:     cat,
		test:    test,
	}
}

func (h *harness) run(t *testing.T, id string) *store.Run {
	t.Helper()

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)

	return run
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))

	return out
}

func TestCreate_SubmitsResolvedRun(t *testing.T) {
	h := newHarness(t, "resolved")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		Name:      "my_run",
		TestInput: datatypes.JSON(`{"wf.in":"override"}`),
		CreatedBy: "dev@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusTestSubmitted, run.Status)
	assert.Equal(t, "job-1", run.TestJobID)
	assert.JSONEq(t, `{"wf.in":"override","wf.keep":{"a":1}}`, string(run.TestInput))
	assert.JSONEq(t, `{"eval.truth":"gs://bucket/truth.vcf"}`, string(run.EvalInput))

	persisted := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusTestSubmitted, persisted.Status)
	assert.Equal(t, "job-1", persisted.TestJobID)

	subs := h.engine.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "workflow test {}", subs[0].Source)
	assert.JSONEq(t, string(run.TestInput), string(subs[0].Inputs))
	assert.Equal(t, map[string]any{
		"regressoor-run-id": run.ID,
		"regressoor-stage":  "test",
	}, decode(t, subs[0].Labels))

	// Create does not announce completion or start.
	assert.Empty(t, h.emails.Sent())
}

func TestCreate_DefaultName(t *testing.T) {
	h := newHarness(t, "naming")

	run, err := h.orch.Create(context.Background(), orchestrator.CreateRequest{TestID: h.test.ID})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.Name, "naming_defaults_run_"), run.Name)
}

func TestCreate_UnknownSoftwarePersistsNothing(t *testing.T) {
	h := newHarness(t, "unknown")
	ctx := context.Background()

	_, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		TestInput: datatypes.JSON(`{"wf.image":"image_build:Missing|abc123"}`),
	})
	require.Error(t, err)

	var snf *builds.SoftwareNotFoundError
	require.True(t, errors.As(err, &snf))
	assert.Equal(t, "Missing", snf.Name)

	runs, err := h.store.ListRunsByStatus(ctx,
		append(store.NonTerminalRunStatuses(), store.RunStatusSucceeded, store.RunStatusFailed)...)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, h.engine.Submissions())
}

func TestCreate_SubmissionErrorFailsRun(t *testing.T) {
	h := newHarness(t, "rejected")
	ctx := context.Background()

	h.engine.SetSubmitErr(&engine.Error{Kind: engine.KindRejection, Op: "submit", StatusCode: 400})

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{TestID: h.test.ID})
	require.Error(t, err)

	var serr *orchestrator.SubmissionError
	require.True(t, errors.As(err, &serr))
	require.NotNil(t, run)
	assert.Equal(t, run.ID, serr.RunID)

	persisted := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusFailed, persisted.Status)
	assert.NotNil(t, persisted.FinishedAt)
	assert.Empty(t, h.emails.Sent())
}

func TestCreate_GithubOrigin(t *testing.T) {
	h := newHarness(t, "github")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID: h.test.ID,
		Github: &notify.GithubContext{Owner: "org", Repo: "tool", IssueNumber: 12, Author: "dev"},
	})
	require.NoError(t, err)

	row, err := h.store.GetRunIsFromGithub(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, row.IssueNumber)
}

func TestAdvance_WaitsForBuilds(t *testing.T) {
	h := newHarness(t, "building")
	ctx := context.Background()

	require.NoError(t, h.store.CreateSoftware(ctx, &store.Software{
		Name: "Soft", RepositoryURL: "https://github.com/org/soft",
	}))

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		TestInput: datatypes.JSON(`{"wf.image":"image_build:Soft|abc123"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusBuilding, run.Status)
	assert.Empty(t, run.TestJobID)

	// The build was started after the run committed.
	subs := h.engine.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "https://example.com/docker_build.wdl", subs[0].URL)

	// Build still running.
	require.NoError(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusBuilding, h.run(t, run.ID).Status)

	building, err := h.store.ListSoftwareBuildsByStatus(ctx, store.BuildStatusBuilding)
	require.NoError(t, err)
	require.Len(t, building, 1)

	h.engine.SetStatus(building[0].BuildJobID, engine.StatusSucceeded)
	require.NoError(t, h.builder.Advance(ctx, &building[0]))

	require.NoError(t, h.orch.Advance(ctx, run))

	advanced := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusTestSubmitted, advanced.Status)
	assert.Equal(t, "gcr.io/regressoor/soft:abc123", decode(t, advanced.TestInput)["wf.image"])

	subs = h.engine.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "gcr.io/regressoor/soft:abc123", decode(t, subs[1].Inputs)["wf.image"])
}

func TestAdvance_FailedBuildFailsRun(t *testing.T) {
	h := newHarness(t, "buildfail")
	ctx := context.Background()

	require.NoError(t, h.store.CreateSoftware(ctx, &store.Software{
		Name: "Soft", RepositoryURL: "https://github.com/org/soft",
	}))

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		TestInput: datatypes.JSON(`{"wf.image":"image_build:Soft|abc123"}`),
		CreatedBy: "dev@example.com",
	})
	require.NoError(t, err)

	building, err := h.store.ListSoftwareBuildsByStatus(ctx, store.BuildStatusBuilding)
	require.NoError(t, err)
	require.Len(t, building, 1)

	h.engine.SetStatus(building[0].BuildJobID, engine.StatusFailed)
	require.NoError(t, h.builder.Advance(ctx, &building[0]))

	require.NoError(t, h.orch.Advance(ctx, run))

	failed := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusFailed, failed.Status)
	assert.NotNil(t, failed.FinishedAt)

	sent := h.emails.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"dev@example.com"}, sent[0].To)
}

func TestAdvance_FullLifecycle(t *testing.T) {
	h := newHarness(t, "lifecycle")
	ctx := context.Background()

	accuracy := &store.Result{Name: "accuracy", ResultType: store.ResultTypeNumeric}
	require.NoError(t, h.store.CreateResult(ctx, accuracy))
	require.NoError(t, h.store.CreateTemplateResult(ctx, &store.TemplateResult{
		TemplateID: h.cat.Template.ID,
		ResultID:   accuracy.ID,
		ResultKey:  "eval.accuracy",
	}))

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		EvalInput: datatypes.JSON(`{"eval.calls":"test_output:wf.calls"}`),
		CreatedBy: "dev@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusTestSubmitted, run.Status)

	// Test job still running.
	require.NoError(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusTestSubmitted, h.run(t, run.ID).Status)

	h.engine.SetStatus("job-1", engine.StatusSucceeded)
	h.engine.SetOutputs("job-1", map[string]any{"wf.calls": "gs://bucket/calls.vcf"})

	require.NoError(t, h.orch.Advance(ctx, run))

	evaluating := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusEvalSubmitted, evaluating.Status)
	assert.Equal(t, "job-2", evaluating.EvalJobID)
	assert.JSONEq(t, `{"eval.calls":"gs://bucket/calls.vcf","eval.truth":"gs://bucket/truth.vcf"}`,
		string(evaluating.EvalInput))

	subs := h.engine.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "workflow eval {}", subs[1].Source)

	h.engine.SetStatus("job-2", engine.StatusSucceeded)
	h.engine.SetOutputs("job-2", map[string]any{"eval.accuracy": 0.93, "eval.unmapped": "x"})

	require.NoError(t, h.orch.Advance(ctx, run))

	done := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusSucceeded, done.Status)
	require.NotNil(t, done.FinishedAt)

	results, err := h.store.ListRunResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "0.93", results[0].Value)

	sent := h.emails.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Run "+run.Name+" completed with status succeeded", sent[0].Subject)

	// Terminal runs are left alone.
	for range 3 {
		require.NoError(t, h.orch.Advance(ctx, done))
	}

	again := h.run(t, run.ID)
	assert.Equal(t, done.Status, again.Status)
	assert.Equal(t, done.FinishedAt.Unix(), again.FinishedAt.Unix())
	assert.Equal(t, done.EvalJobID, again.EvalJobID)
	assert.Len(t, h.emails.Sent(), 1)
	assert.Len(t, h.engine.Submissions(), 2)
}

func TestAdvance_TerminalRunIsNoop(t *testing.T) {
	h := newHarness(t, "terminal")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{TestID: h.test.ID, CreatedBy: "dev@example.com"})
	require.NoError(t, err)

	h.engine.SetStatus(run.TestJobID, engine.StatusFailed)
	require.NoError(t, h.orch.Advance(ctx, run))

	failed := h.run(t, run.ID)
	require.Equal(t, store.RunStatusFailed, failed.Status)

	for range 3 {
		require.NoError(t, h.orch.Advance(ctx, failed))
	}

	again := h.run(t, run.ID)
	assert.Equal(t, failed.Status, again.Status)
	assert.Equal(t, failed.TestJobID, again.TestJobID)
	assert.Equal(t, failed.FinishedAt.Unix(), again.FinishedAt.Unix())
	assert.Len(t, h.emails.Sent(), 1)
}

func TestAdvance_ConcurrentTicksNotifyOnce(t *testing.T) {
	h := newHarness(t, "concurrent")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{TestID: h.test.ID, CreatedBy: "dev@example.com"})
	require.NoError(t, err)

	h.engine.SetStatus("job-1", engine.StatusSucceeded)
	require.NoError(t, h.orch.Advance(ctx, run))

	h.engine.SetStatus("job-2", engine.StatusSucceeded)

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, h.orch.Advance(ctx, run))
		}()
	}

	wg.Wait()

	assert.Equal(t, store.RunStatusSucceeded, h.run(t, run.ID).Status)
	assert.Len(t, h.emails.Sent(), 1)
	assert.Len(t, h.engine.Submissions(), 2)
}

func TestAdvance_TransientErrorKeepsStatus(t *testing.T) {
	h := newHarness(t, "transient")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{TestID: h.test.ID})
	require.NoError(t, err)

	h.engine.SetStatusErr(&engine.Error{Kind: engine.KindTransport, Op: "status", Err: errors.New("connection refused")})

	require.Error(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusTestSubmitted, h.run(t, run.ID).Status)
	assert.Empty(t, h.emails.Sent())
}

func TestAdvance_MissingTestOutputFailsRun(t *testing.T) {
	h := newHarness(t, "missingoutput")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		EvalInput: datatypes.JSON(`{"eval.calls":"test_output:wf.absent"}`),
	})
	require.NoError(t, err)

	h.engine.SetStatus("job-1", engine.StatusSucceeded)
	h.engine.SetOutputs("job-1", map[string]any{"wf.calls": "gs://bucket/calls.vcf"})

	require.NoError(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusFailed, h.run(t, run.ID).Status)
	assert.Len(t, h.engine.Submissions(), 1)
}

func TestAdvance_MissingWorkflowSourceFailsRun(t *testing.T) {
	h := newHarness(t, "nosource")
	ctx := context.Background()

	template := &store.Template{
		PipelineID: h.cat.Pipeline.ID,
		Name:       "nosource_missing_eval",
		TestWDL:    h.cat.Template.TestWDL,
		EvalWDL:    "/nonexistent/eval.wdl",
	}
	require.NoError(t, h.store.CreateTemplate(ctx, template))

	test := &store.Test{TemplateID: template.ID, Name: "nosource_missing_eval"}
	require.NoError(t, h.store.CreateTest(ctx, test))

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{TestID: test.ID})
	require.NoError(t, err)

	h.engine.SetStatus(run.TestJobID, engine.StatusSucceeded)

	require.NoError(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusFailed, h.run(t, run.ID).Status)
	assert.Contains(t, h.fetch.Fetched(), "/nonexistent/eval.wdl")
}

func (h *harness) testSubmissions() int {
	n := 0

	for _, sub := range h.engine.Submissions() {
		if sub.Source == "workflow test {}" {
			n++
		}
	}

	return n
}

func TestAdvance_ConcurrentTicksSubmitTestOnce(t *testing.T) {
	h := newHarness(t, "submitonce")
	ctx := context.Background()

	require.NoError(t, h.store.CreateSoftware(ctx, &store.Software{
		Name: "Soft", RepositoryURL: "https://github.com/org/soft",
	}))

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		TestInput: datatypes.JSON(`{"wf.image":"image_build:Soft|abc123"}`),
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusBuilding, run.Status)

	building, err := h.store.ListSoftwareBuildsByStatus(ctx, store.BuildStatusBuilding)
	require.NoError(t, err)
	require.Len(t, building, 1)

	h.engine.SetStatus(building[0].BuildJobID, engine.StatusSucceeded)
	require.NoError(t, h.builder.Advance(ctx, &building[0]))

	h.engine.SetSubmitDelay(50 * time.Millisecond)

	var wg sync.WaitGroup

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, h.orch.Advance(ctx, run))
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, h.testSubmissions())

	submitted := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusTestSubmitted, submitted.Status)
	assert.NotEmpty(t, submitted.TestJobID)
	assert.Nil(t, submitted.ClaimedAt)
}

func TestAdvance_ClaimedRunIsSkipped(t *testing.T) {
	h := newHarness(t, "claimed")
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		ID:        "run-claimed",
		TestID:    h.test.ID,
		Name:      "claimed",
		Status:    store.RunStatusCreated,
		TestInput: datatypes.JSON(`{"wf.in":"a"}`),
		EvalInput: datatypes.JSON(`{}`),
		ClaimedAt: &now,
	}))

	require.NoError(t, h.orch.Advance(ctx, h.run(t, "run-claimed")))

	assert.Empty(t, h.engine.Submissions())
	assert.Equal(t, store.RunStatusCreated, h.run(t, "run-claimed").Status)
}

func TestAdvance_ExpiredClaimIsTakenOver(t *testing.T) {
	h := newHarness(t, "expired")
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		ID:        "run-stale",
		TestID:    h.test.ID,
		Name:      "stale",
		Status:    store.RunStatusCreated,
		TestInput: datatypes.JSON(`{"wf.in":"a"}`),
		EvalInput: datatypes.JSON(`{}`),
		ClaimedAt: &stale,
	}))

	require.NoError(t, h.orch.Advance(ctx, h.run(t, "run-stale")))

	run := h.run(t, "run-stale")
	assert.Equal(t, store.RunStatusTestSubmitted, run.Status)
	assert.Equal(t, "job-1", run.TestJobID)
	assert.Nil(t, run.ClaimedAt)
}

func TestAdvance_TransientSubmitErrorReleasesClaim(t *testing.T) {
	h := newHarness(t, "release")
	ctx := context.Background()

	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		ID:        "run-release",
		TestID:    h.test.ID,
		Name:      "release",
		Status:    store.RunStatusCreated,
		TestInput: datatypes.JSON(`{"wf.in":"a"}`),
		EvalInput: datatypes.JSON(`{}`),
	}))

	h.engine.SetSubmitErr(&engine.Error{Kind: engine.KindTransport, Op: "submit", Err: errors.New("connection reset")})

	require.Error(t, h.orch.Advance(ctx, h.run(t, "run-release")))

	run := h.run(t, "run-release")
	assert.Equal(t, store.RunStatusCreated, run.Status)
	assert.Nil(t, run.ClaimedAt)

	h.engine.SetSubmitErr(nil)

	require.NoError(t, h.orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusTestSubmitted, h.run(t, "run-release").Status)
}

func TestAdvance_PlaceholderInTestOutputFailsRun(t *testing.T) {
	h := newHarness(t, "leaked")
	ctx := context.Background()

	run, err := h.orch.Create(ctx, orchestrator.CreateRequest{
		TestID:    h.test.ID,
		EvalInput: datatypes.JSON(`{"eval.image":"test_output:wf.image"}`),
	})
	require.NoError(t, err)

	h.engine.SetStatus("job-1", engine.StatusSucceeded)
	h.engine.SetOutputs("job-1", map[string]any{"wf.image": "image_build:Soft|abc123"})

	require.NoError(t, h.orch.Advance(ctx, run))

	failed := h.run(t, run.ID)
	assert.Equal(t, store.RunStatusFailed, failed.Status)
	assert.Nil(t, failed.ClaimedAt)
	assert.Len(t, h.engine.Submissions(), 1)
}

func TestAdvance_ReportSubmitErrorIsRetried(t *testing.T) {
	h := newHarness(t, "reportretry")
	ctx := context.Background()
	log := storetest.Logger()

	report := &store.Report{
		Name:     "summary",
		Notebook: datatypes.JSON(`{"cells":[],"nbformat":4}`),
	}
	require.NoError(t, h.store.CreateReport(ctx, report))
	require.NoError(t, h.store.CreateTemplateReport(ctx, &store.TemplateReport{
		TemplateID: h.cat.Template.ID,
		ReportID:   report.ID,
	}))

	gen := reports.NewGenerator(log, h.store, h.engine, storagetest.NewMemory(), &config.ReportingConfig{
		Enabled:     true,
		WorkflowURL: "https://example.com/generate_report.wdl",
		InputPrefix: "generate_report",
		Bucket:      "reports",
		Scheme:      "gs",
	}, nil, nil)

	orch := orchestrator.New(log, orchestrator.Config{
		Store:    h.store,
		Engine:   h.engine,
		Fetcher:  h.fetch,
		Resolver: builds.NewResolver(log),
		Builder:  h.builder,
		Reports:  gen,
	})

	run, err := orch.Create(ctx, orchestrator.CreateRequest{TestID: h.test.ID})
	require.NoError(t, err)

	h.engine.SetStatus("job-1", engine.StatusSucceeded)
	require.NoError(t, orch.Advance(ctx, run))

	h.engine.SetStatus("job-2", engine.StatusSucceeded)
	h.engine.SetSubmitErr(&engine.Error{Kind: engine.KindTransport, Op: "submit", Err: errors.New("connection reset")})

	// Report start failures do not fail the advance.
	require.NoError(t, orch.Advance(ctx, run))
	assert.Equal(t, store.RunStatusSucceeded, h.run(t, run.ID).Status)

	pending, err := h.store.ListRunReportsByStatus(ctx, store.ReportStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, run.ID, pending[0].RunID)

	h.engine.SetSubmitErr(nil)

	require.NoError(t, gen.Advance(ctx, &pending[0]))

	rr, err := h.store.GetRunReport(ctx, run.ID, report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusRunning, rr.Status)
	assert.Equal(t, "job-3", rr.EngineJobID)
}
