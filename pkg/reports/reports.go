// Package reports renders report notebooks against succeeded runs through
// the workflow engine.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/notify"
	"github.com/ethpandaops/regressoor/pkg/storage"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// Notifier is told about report jobs reaching a terminal status.
type Notifier interface {
	RunReportComplete(
		ctx context.Context, run *store.Run, report *store.Report, rr *store.RunReport,
	) error
}

// Generator starts and tracks report jobs.
type Generator struct {
	log      logrus.FieldLogger
	store    store.Store
	engine   engine.Client
	objects  storage.ObjectStore
	cfg      *config.ReportingConfig
	notifier Notifier
	metrics  *metrics.Metrics
	claimTTL time.Duration
}

// NewGenerator creates a Generator. Report generation is skipped unless
// cfg.Enabled is set and objects is non-nil.
func NewGenerator(
	log logrus.FieldLogger,
	st store.Store,
	eng engine.Client,
	objects storage.ObjectStore,
	cfg *config.ReportingConfig,
	notifier Notifier,
	m *metrics.Metrics,
) *Generator {
	return &Generator{
		log:      log.WithField("component", "reports"),
		store:    st,
		engine:   eng,
		objects:  objects,
		cfg:      cfg,
		notifier: notifier,
		metrics:  m,
		claimTTL: store.DefaultClaimTTL,
	}
}

// Enabled reports whether reports are generated.
func (g *Generator) Enabled() bool {
	return g.cfg.Enabled && g.objects != nil
}

// Preflight verifies the report bucket is writable.
func (g *Generator) Preflight(ctx context.Context) error {
	if !g.Enabled() {
		return nil
	}

	content := fmt.Sprintf("regressoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	key := path.Join(g.cfg.Prefix, ".regressoor-write-test")
	if err := g.objects.Put(ctx, g.cfg.Bucket, key, []byte(content), "text/plain"); err != nil {
		return fmt.Errorf("writing test object to %s://%s: %w", g.cfg.Scheme, g.cfg.Bucket, err)
	}

	return nil
}

// Enqueue records a pending RunReport for every report attached to the run's
// template that has none yet. st is normally the transaction that marks the
// run succeeded.
func (g *Generator) Enqueue(ctx context.Context, st store.Store, run *store.Run) error {
	if !g.Enabled() {
		return nil
	}

	test, err := st.GetTest(ctx, run.TestID)
	if err != nil {
		return err
	}

	reports, err := st.ListTemplateReports(ctx, test.TemplateID)
	if err != nil {
		return err
	}

	for i := range reports {
		_, err := st.GetRunReport(ctx, run.ID, reports[i].ID)
		if err == nil {
			continue
		}

		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := st.CreateRunReport(ctx, &store.RunReport{
			RunID:     run.ID,
			ReportID:  reports[i].ID,
			Status:    store.ReportStatusPending,
			CreatedBy: run.CreatedBy,
		}); err != nil {
			return err
		}

		g.metrics.IncReportTransition(string(store.ReportStatusPending))
	}

	return nil
}

// StartForRun enqueues the run's reports and submits every pending one.
// Reports that could not be submitted stay pending for Advance.
func (g *Generator) StartForRun(ctx context.Context, run *store.Run) error {
	if !g.Enabled() {
		return nil
	}

	if err := g.Enqueue(ctx, g.store, run); err != nil {
		return err
	}

	rrs, err := g.store.ListRunReports(ctx, run.ID)
	if err != nil {
		return err
	}

	var errs []error

	for i := range rrs {
		if rrs[i].Status != store.ReportStatusPending {
			continue
		}

		if err := g.start(ctx, run, &rrs[i]); err != nil {
			errs = append(errs, fmt.Errorf("starting report %d: %w", rrs[i].ReportID, err))
		}
	}

	return errors.Join(errs...)
}

// start claims a pending run report, uploads its notebook and submits the
// report workflow. A rejected submission fails the report; a transport error
// releases the claim and is returned.
func (g *Generator) start(ctx context.Context, run *store.Run, rr *store.RunReport) error {
	claimed, err := g.store.ClaimRunReport(ctx, rr.RunID, rr.ReportID, store.ReportStatusPending, g.claimTTL)
	if err != nil || !claimed {
		return err
	}

	report, err := g.store.GetReport(ctx, rr.ReportID)
	if err != nil {
		return g.release(ctx, rr, err)
	}

	notebook, err := injectParameters(report.Notebook, run)
	if err != nil {
		return g.release(ctx, rr, err)
	}

	dir := storage.Location{
		Scheme: g.cfg.Scheme,
		Bucket: g.cfg.Bucket,
		Key:    path.Join(g.cfg.Prefix, run.ID, fmt.Sprint(report.ID)),
	}
	nb := dir
	nb.Key = path.Join(dir.Key, "report.ipynb")

	if err := g.objects.Put(ctx, nb.Bucket, nb.Key, notebook, "application/x-ipynb+json"); err != nil {
		return g.release(ctx, rr, fmt.Errorf("uploading notebook: %w", err))
	}

	prefix := g.cfg.InputPrefix

	inputs := map[string]any{
		prefix + ".notebook":      nb.String(),
		prefix + ".output_prefix": dir.String(),
		prefix + ".report_name":   report.Name,
		prefix + ".run_id":        run.ID,
	}

	if len(report.Config) > 0 {
		inputs[prefix+".config"] = json.RawMessage(report.Config)
	}

	encoded, err := json.Marshal(inputs)
	if err != nil {
		return g.release(ctx, rr, fmt.Errorf("encoding report inputs: %w", err))
	}

	labels, err := json.Marshal(map[string]string{
		"regressoor-run-id":    run.ID,
		"regressoor-report-id": fmt.Sprint(report.ID),
	})
	if err != nil {
		return g.release(ctx, rr, fmt.Errorf("encoding report labels: %w", err))
	}

	status, err := g.engine.Submit(ctx, &engine.SubmitRequest{
		URL:    g.cfg.WorkflowURL,
		Inputs: encoded,
		Labels: labels,
	})
	g.metrics.IncSubmission("report", err)

	log := g.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"report": report.Name,
	})

	if err != nil {
		if engine.IsTransport(err) {
			return g.release(ctx, rr, err)
		}

		log.WithError(err).Warn("Report submission rejected")

		now := time.Now().UTC()

		ok, err := g.store.TransitionRunReport(ctx, rr.RunID, rr.ReportID, store.ReportStatusPending, store.ReportUpdate{
			Status:     store.ReportStatusFailed,
			FinishedAt: &now,
		})
		if err != nil || !ok {
			return err
		}

		rr.Status = store.ReportStatusFailed
		rr.FinishedAt = &now

		g.metrics.IncReportTransition(string(rr.Status))
		g.notify(ctx, run, report, rr)

		return nil
	}

	ok, err := g.store.TransitionRunReport(ctx, rr.RunID, rr.ReportID, store.ReportStatusPending, store.ReportUpdate{
		Status:      store.ReportStatusRunning,
		EngineJobID: status.ID,
	})
	if err != nil {
		log.WithError(err).WithField("job_id", status.ID).Error("Failed to record submitted report")

		return err
	}

	if !ok {
		log.WithField("job_id", status.ID).Warn("Report advanced after its claim expired, submitted job is orphaned")

		return nil
	}

	rr.Status = store.ReportStatusRunning
	rr.EngineJobID = status.ID

	g.metrics.IncReportTransition(string(rr.Status))
	log.WithField("job_id", status.ID).Info("Started report")

	return nil
}

// release drops the claim on a pending run report so a later tick retries
// it, and returns cause.
func (g *Generator) release(ctx context.Context, rr *store.RunReport, cause error) error {
	if err := g.store.ReleaseRunReport(ctx, rr.RunID, rr.ReportID, store.ReportStatusPending); err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{
			"run_id":    rr.RunID,
			"report_id": rr.ReportID,
		}).Warn("Failed to release report claim")
	}

	return cause
}

// Advance submits a pending report, or polls a running report job and
// records its outcome.
func (g *Generator) Advance(ctx context.Context, rr *store.RunReport) error {
	current, err := g.store.GetRunReport(ctx, rr.RunID, rr.ReportID)
	if err != nil {
		return err
	}

	switch current.Status {
	case store.ReportStatusPending:
		if !g.Enabled() {
			return nil
		}

		run, err := g.store.GetRun(ctx, current.RunID)
		if err != nil {
			return err
		}

		return g.start(ctx, run, current)
	case store.ReportStatusRunning:
	default:
		return nil
	}

	status, err := g.engine.Status(ctx, current.EngineJobID)
	if err != nil {
		return fmt.Errorf("polling report job %s: %w", current.EngineJobID, err)
	}

	switch status.Status {
	case engine.StatusSucceeded:
		outputs, err := g.engine.Outputs(ctx, current.EngineJobID)
		if err != nil {
			return fmt.Errorf("fetching report outputs: %w", err)
		}

		results, err := json.Marshal(artifacts(outputs.Outputs))
		if err != nil {
			return fmt.Errorf("encoding report results: %w", err)
		}

		return g.finish(ctx, current, store.ReportStatusSucceeded, datatypes.JSON(results))
	case engine.StatusFailed, engine.StatusAborted:
		return g.finish(ctx, current, store.ReportStatusFailed, nil)
	default:
		return nil
	}
}

func (g *Generator) finish(
	ctx context.Context, rr *store.RunReport, to store.ReportStatus, results datatypes.JSON,
) error {
	now := time.Now().UTC()

	ok, err := g.store.TransitionRunReport(ctx, rr.RunID, rr.ReportID, store.ReportStatusRunning, store.ReportUpdate{
		Status:     to,
		Results:    results,
		FinishedAt: &now,
	})
	if err != nil || !ok {
		return err
	}

	rr.Status = to
	rr.Results = results
	rr.FinishedAt = &now

	g.metrics.IncReportTransition(string(to))

	run, err := g.store.GetRun(ctx, rr.RunID)
	if err != nil {
		return err
	}

	report, err := g.store.GetReport(ctx, rr.ReportID)
	if err != nil {
		return err
	}

	g.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"report": report.Name,
		"status": to,
	}).Info("Report finished")

	g.notify(ctx, run, report, rr)

	return nil
}

func (g *Generator) notify(
	ctx context.Context, run *store.Run, report *store.Report, rr *store.RunReport,
) {
	if g.notifier == nil {
		return
	}

	notify.LogError(
		g.log.WithField("run_id", run.ID),
		g.notifier.RunReportComplete(ctx, run, report, rr),
		"Failed to send report notification",
	)
}

// artifacts strips the workflow name from output keys and keeps string
// values, which are the artifact URIs.
func artifacts(outputs map[string]json.RawMessage) map[string]string {
	out := make(map[string]string, len(outputs))

	for key, raw := range outputs {
		var uri string
		if err := json.Unmarshal(raw, &uri); err != nil {
			continue
		}

		if _, name, ok := strings.Cut(key, "."); ok {
			key = name
		}

		out[key] = uri
	}

	return out
}
