package reports_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/engine/enginetest"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/notify/notifytest"
	"github.com/ethpandaops/regressoor/pkg/reports"
	"github.com/ethpandaops/regressoor/pkg/storage/storagetest"
	"github.com/ethpandaops/regressoor/pkg/store"
	"github.com/ethpandaops/regressoor/pkg/store/storetest"
)

var reportingConfig = &config.ReportingConfig{
	Enabled:     true,
	WorkflowURL: "https://example.com/generate_report.wdl",
	InputPrefix: "generate_report",
	Bucket:      "reports",
	Prefix:      "runs",
	Scheme:      "gs",
}

type fixture struct {
	store   store.Store
	engine  *enginetest.Fake
	objects *storagetest.Memory
	emails  *notifytest.Emailer
	gen     *reports.Generator
	run     *store.Run
	report  *store.Report
}

func newFixture(t *testing.T, cfg *config.ReportingConfig) *fixture {
	t.Helper()

	ctx := context.Background()
	s := storetest.New(t)
	cat := storetest.SeedCatalog(t, s, "reports")

	report := &store.Report{
		Name:     "summary",
		Notebook: datatypes.JSON(`{"cells":[{"cell_type":"markdown","source":["# Summary"]}],"nbformat":4}`),
		Config:   datatypes.JSON(`{"threshold":0.9}`),
	}
	require.NoError(t, s.CreateReport(ctx, report))
	require.NoError(t, s.CreateTemplateReport(ctx, &store.TemplateReport{
		TemplateID: cat.Template.ID,
		ReportID:   report.ID,
	}))

	run := &store.Run{
		ID:        "run-1",
		TestID:    cat.Test.ID,
		Name:      "reports_run",
		Status:    store.RunStatusSucceeded,
		EvalJobID: "eval-job",
		CreatedBy: "dev@example.com",
	}
	require.NoError(t, s.CreateRun(ctx, run))

	eng := enginetest.NewFake()
	objects := storagetest.NewMemory()
	emails := &notifytest.Emailer{}
	log := storetest.Logger()

	gen := reports.NewGenerator(
		log, s, eng, objects, cfg, notify.NewDispatcher(log, s, emails, nil, nil), nil,
	)

	return &fixture{
		store:   s,
		engine:  eng,
		objects: objects,
		emails:  emails,
		gen:     gen,
		run:     run,
		report:  report,
	}
}

func TestGenerator_Disabled(t *testing.T) {
	f := newFixture(t, &config.ReportingConfig{Enabled: false})

	require.NoError(t, f.gen.StartForRun(context.Background(), f.run))
	assert.Empty(t, f.engine.Submissions())

	reps, err := f.store.ListRunReports(context.Background(), f.run.ID)
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestGenerator_NoObjectStore(t *testing.T) {
	s := storetest.New(t)
	gen := reports.NewGenerator(storetest.Logger(), s, enginetest.NewFake(), nil, reportingConfig, nil, nil)

	assert.False(t, gen.Enabled())
	require.NoError(t, gen.StartForRun(context.Background(), &store.Run{ID: "r"}))
	require.NoError(t, gen.Preflight(context.Background()))
}

func TestGenerator_Lifecycle(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	require.NoError(t, f.gen.StartForRun(ctx, f.run))
	// Starting again does not duplicate the report.
	require.NoError(t, f.gen.StartForRun(ctx, f.run))

	subs := f.engine.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, reportingConfig.WorkflowURL, subs[0].URL)

	var inputs map[string]any
	require.NoError(t, json.Unmarshal(subs[0].Inputs, &inputs))

	key := "runs/run-1/" + jsonNumber(f.report.ID) + "/report.ipynb"
	assert.Equal(t, "gs://reports/"+key, inputs["generate_report.notebook"])
	assert.Equal(t, "run-1", inputs["generate_report.run_id"])
	assert.Equal(t, map[string]any{"threshold": 0.9}, inputs["generate_report.config"])

	uploaded, ok := f.objects.Object("reports", key)
	require.True(t, ok)

	var nb struct {
		Cells []struct {
			CellType string   `json:"cell_type"`
			Source   []string `json:"source"`
		} `json:"cells"`
	}
	require.NoError(t, json.Unmarshal(uploaded, &nb))
	require.Len(t, nb.Cells, 2)
	assert.Equal(t, "code", nb.Cells[0].CellType)
	assert.Contains(t, nb.Cells[0].Source, "run_id = \"run-1\"\n")
	assert.Equal(t, "markdown", nb.Cells[1].CellType)

	rr, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusRunning, rr.Status)
	assert.Equal(t, "job-1", rr.EngineJobID)

	// Still running.
	require.NoError(t, f.gen.Advance(ctx, rr))
	assert.Empty(t, f.emails.Sent())

	f.engine.SetStatus("job-1", engine.StatusSucceeded)
	f.engine.SetOutputs("job-1", map[string]any{
		"generate_report.html":  "gs://reports/runs/run-1/1/report.html",
		"generate_report.count": 3,
	})

	require.NoError(t, f.gen.Advance(ctx, rr))
	require.NoError(t, f.gen.Advance(ctx, rr))

	done, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusSucceeded, done.Status)
	assert.JSONEq(t, `{"html":"gs://reports/runs/run-1/1/report.html"}`, string(done.Results))
	assert.NotNil(t, done.FinishedAt)

	sent := f.emails.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Report summary for run reports_run completed with status succeeded", sent[0].Subject)
	assert.Equal(t, []string{"dev@example.com"}, sent[0].To)
}

func TestGenerator_JobFailure(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	require.NoError(t, f.gen.StartForRun(ctx, f.run))

	f.engine.SetStatus("job-1", engine.StatusFailed)

	running, err := f.store.ListRunReportsByStatus(ctx, store.ReportStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, f.gen.Advance(ctx, &running[0]))

	done, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusFailed, done.Status)
	assert.Len(t, f.emails.Sent(), 1)
}

func TestGenerator_RejectedSubmission(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	f.engine.SetSubmitErr(&engine.Error{Kind: engine.KindRejection, Op: "submit", StatusCode: 400})

	require.NoError(t, f.gen.StartForRun(ctx, f.run))

	rr, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusFailed, rr.Status)
	assert.Len(t, f.emails.Sent(), 1)
}

func TestGenerator_TransportErrorRetriedByAdvance(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	f.engine.SetSubmitErr(&engine.Error{Kind: engine.KindTransport, Op: "submit"})

	require.Error(t, f.gen.StartForRun(ctx, f.run))

	pending, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusPending, pending.Status)
	assert.Nil(t, pending.ClaimedAt)
	assert.Empty(t, f.engine.Submissions())

	f.engine.SetSubmitErr(nil)

	require.NoError(t, f.gen.Advance(ctx, pending))

	rr, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusRunning, rr.Status)
	assert.Equal(t, "job-1", rr.EngineJobID)
	assert.Len(t, f.engine.Submissions(), 1)
}

func TestGenerator_ClaimedReportIsSkipped(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	require.NoError(t, f.gen.Enqueue(ctx, f.store, f.run))

	claimed, err := f.store.ClaimRunReport(ctx, f.run.ID, f.report.ID, store.ReportStatusPending, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.gen.StartForRun(ctx, f.run))
	assert.Empty(t, f.engine.Submissions())

	rr, err := f.store.GetRunReport(ctx, f.run.ID, f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportStatusPending, rr.Status)
}

func TestGenerator_EnqueueIsIdempotent(t *testing.T) {
	f := newFixture(t, reportingConfig)
	ctx := context.Background()

	require.NoError(t, f.gen.Enqueue(ctx, f.store, f.run))
	require.NoError(t, f.gen.Enqueue(ctx, f.store, f.run))

	reps, err := f.store.ListRunReports(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, store.ReportStatusPending, reps[0].Status)
}

func TestGenerator_Preflight(t *testing.T) {
	f := newFixture(t, reportingConfig)

	require.NoError(t, f.gen.Preflight(context.Background()))

	_, ok := f.objects.Object("reports", "runs/.regressoor-write-test")
	assert.True(t, ok)
}

func jsonNumber(id uint) string {
	data, _ := json.Marshal(id)

	return string(data)
}
