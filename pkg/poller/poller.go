// Package poller periodically advances every in-flight software build, run
// and run report.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// Poller is a background service that advances in-flight work on a
// schedule.
type Poller interface {
	Start(ctx context.Context) error
	Stop() error
	// Tick runs one advancement pass synchronously.
	Tick(ctx context.Context)
}

// Lister lists in-flight work.
type Lister interface {
	ListSoftwareBuildsByStatus(ctx context.Context, statuses ...store.BuildStatus) ([]store.SoftwareBuild, error)
	ListRunsByStatus(ctx context.Context, statuses ...store.RunStatus) ([]store.Run, error)
	ListRunReportsByStatus(ctx context.Context, statuses ...store.ReportStatus) ([]store.RunReport, error)
}

// BuildAdvancer advances software builds.
type BuildAdvancer interface {
	Advance(ctx context.Context, build *store.SoftwareBuild) error
}

// RunAdvancer advances runs.
type RunAdvancer interface {
	Advance(ctx context.Context, run *store.Run) error
}

// ReportAdvancer advances run reports.
type ReportAdvancer interface {
	Advance(ctx context.Context, rr *store.RunReport) error
}

// Compile-time interface check.
var _ Poller = (*poller)(nil)

type poller struct {
	log         logrus.FieldLogger
	cfg         *config.PollerConfig
	lister      Lister
	builds      BuildAdvancer
	runs        RunAdvancer
	reports     ReportAdvancer
	metrics     *metrics.Metrics
	cron        *cron.Cron
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	concurrency int
}

// New creates a Poller. reports may be nil.
func New(
	log logrus.FieldLogger,
	cfg *config.PollerConfig,
	lister Lister,
	builds BuildAdvancer,
	runs RunAdvancer,
	reports ReportAdvancer,
	m *metrics.Metrics,
) Poller {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultPollerConcurrency
	}

	return &poller{
		log:         log.WithField("component", "poller"),
		cfg:         cfg,
		lister:      lister,
		builds:      builds,
		runs:        runs,
		reports:     reports,
		metrics:     m,
		concurrency: concurrency,
	}
}

// Start schedules ticks and runs the first one immediately in the
// background. Overlapping ticks are skipped.
func (p *poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	p.cron = cron.New(
		cron.WithLogger(cron.PrintfLogger(p.log)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(p.log))),
	)

	id, err := p.cron.AddFunc(p.cfg.Schedule, func() { p.Tick(ctx) })
	if err != nil {
		p.cancel()

		return fmt.Errorf("parsing poller schedule %q: %w", p.cfg.Schedule, err)
	}

	p.log.WithFields(logrus.Fields{
		"schedule":    p.cfg.Schedule,
		"concurrency": p.concurrency,
	}).Info("Starting poller")

	p.cron.Start()

	first := p.cron.Entry(id).WrappedJob

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		first.Run()
	}()

	return nil
}

// Stop cancels in-flight work and waits for running ticks to return.
func (p *poller) Stop() error {
	if p.cron == nil {
		return nil
	}

	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()

	p.log.Info("Poller stopped")

	return nil
}

type task struct {
	kind string
	id   string
	run  func(ctx context.Context) error
}

func (p *poller) Tick(ctx context.Context) {
	start := time.Now()

	// Builds go first so that runs see their outcome in the same tick.
	p.execute(ctx, p.buildTasks(ctx))
	p.execute(ctx, p.runTasks(ctx))
	p.execute(ctx, p.reportTasks(ctx))

	p.metrics.IncTick()

	p.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Poller tick completed")
}

func (p *poller) buildTasks(ctx context.Context) []task {
	items, err := p.lister.ListSoftwareBuildsByStatus(ctx, store.BuildStatusCreated, store.BuildStatusBuilding)
	if err != nil {
		p.log.WithError(err).Warn("Failed to list software builds")

		return nil
	}

	tasks := make([]task, 0, len(items))

	for i := range items {
		build := &items[i]
		tasks = append(tasks, task{
			kind: "build",
			id:   fmt.Sprint(build.ID),
			run:  func(ctx context.Context) error { return p.builds.Advance(ctx, build) },
		})
	}

	return tasks
}

func (p *poller) runTasks(ctx context.Context) []task {
	items, err := p.lister.ListRunsByStatus(ctx, store.NonTerminalRunStatuses()...)
	if err != nil {
		p.log.WithError(err).Warn("Failed to list runs")

		return nil
	}

	tasks := make([]task, 0, len(items))

	for i := range items {
		run := &items[i]
		tasks = append(tasks, task{
			kind: "run",
			id:   run.ID,
			run:  func(ctx context.Context) error { return p.runs.Advance(ctx, run) },
		})
	}

	return tasks
}

func (p *poller) reportTasks(ctx context.Context) []task {
	if p.reports == nil {
		return nil
	}

	items, err := p.lister.ListRunReportsByStatus(ctx, store.ReportStatusPending, store.ReportStatusRunning)
	if err != nil {
		p.log.WithError(err).Warn("Failed to list run reports")

		return nil
	}

	tasks := make([]task, 0, len(items))

	for i := range items {
		rr := &items[i]
		tasks = append(tasks, task{
			kind: "report",
			id:   fmt.Sprintf("%s/%d", rr.RunID, rr.ReportID),
			run:  func(ctx context.Context) error { return p.reports.Advance(ctx, rr) },
		})
	}

	return tasks
}

// execute runs tasks with bounded parallelism. Failures are logged and left
// for the next tick.
func (p *poller) execute(ctx context.Context, tasks []task) {
	if len(tasks) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var failed atomic.Int64

	for _, t := range tasks {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			if err := t.run(gCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}

				failed.Add(1)
				p.log.WithError(err).
					WithField(t.kind+"_id", t.id).
					Warn("Failed to advance " + t.kind)

				return nil //nolint:nilerr // log and retry next tick
			}

			return nil
		})
	}

	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		p.log.WithFields(logrus.Fields{
			"kind":   tasks[0].kind,
			"total":  len(tasks),
			"failed": n,
		}).Info("Advancement pass had failures")
	}
}
