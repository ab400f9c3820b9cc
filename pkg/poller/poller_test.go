package poller_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/poller"
	"github.com/ethpandaops/regressoor/pkg/store"
	"github.com/ethpandaops/regressoor/pkg/store/storetest"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (r *recorder) record(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, id)

	if r.fail[id] {
		return errors.New("boom")
	}

	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := append([]string(nil), r.calls...)
	sort.Strings(out)

	return out
}

type buildRecorder struct{ recorder }

func (r *buildRecorder) Advance(_ context.Context, b *store.SoftwareBuild) error {
	return r.record(string(b.Status))
}

type runRecorder struct{ recorder }

func (r *runRecorder) Advance(_ context.Context, run *store.Run) error {
	return r.record(run.ID)
}

type reportRecorder struct{ recorder }

func (r *reportRecorder) Advance(_ context.Context, rr *store.RunReport) error {
	return r.record(rr.RunID + "/" + string(rr.Status))
}

func seed(t *testing.T, s store.Store) {
	t.Helper()

	ctx := context.Background()
	cat := storetest.SeedCatalog(t, s, "poller")

	for id, status := range map[string]store.RunStatus{
		"r-created":   store.RunStatusCreated,
		"r-building":  store.RunStatusBuilding,
		"r-test":      store.RunStatusTestSubmitted,
		"r-eval":      store.RunStatusEvalSubmitted,
		"r-succeeded": store.RunStatusSucceeded,
		"r-failed":    store.RunStatusFailed,
	} {
		require.NoError(t, s.CreateRun(ctx, &store.Run{
			ID:        id,
			TestID:    cat.Test.ID,
			Name:      id,
			Status:    status,
			TestInput: datatypes.JSON(`{}`),
			EvalInput: datatypes.JSON(`{}`),
		}))
	}

	for _, status := range []store.BuildStatus{
		store.BuildStatusCreated,
		store.BuildStatusBuilding,
		store.BuildStatusSucceeded,
		store.BuildStatusFailed,
	} {
		require.NoError(t, s.CreateSoftwareBuild(ctx, &store.SoftwareBuild{SoftwareVersionID: 1, Status: status}))
	}

	require.NoError(t, s.CreateRunReport(ctx, &store.RunReport{RunID: "r-succeeded", ReportID: 1, Status: store.ReportStatusRunning}))
	require.NoError(t, s.CreateRunReport(ctx, &store.RunReport{RunID: "r-succeeded", ReportID: 2, Status: store.ReportStatusSucceeded}))
	require.NoError(t, s.CreateRunReport(ctx, &store.RunReport{RunID: "r-succeeded", ReportID: 3, Status: store.ReportStatusPending}))
}

func TestPoller_TickAdvancesInFlightWork(t *testing.T) {
	s := storetest.New(t)
	seed(t, s)

	builds := &buildRecorder{}
	runs := &runRecorder{recorder{fail: map[string]bool{"r-building": true}}}
	reports := &reportRecorder{}

	p := poller.New(storetest.Logger(), &config.PollerConfig{Schedule: "@every 1h", Concurrency: 2},
		s, builds, runs, reports, nil)

	p.Tick(context.Background())

	assert.Equal(t, []string{"building", "created"}, builds.Calls())
	// A failing run does not stop the others.
	assert.Equal(t, []string{"r-building", "r-created", "r-eval", "r-test"}, runs.Calls())
	// Pending reports are retried alongside running ones.
	assert.Equal(t, []string{"r-succeeded/pending", "r-succeeded/running"}, reports.Calls())
}

func TestPoller_NilReports(t *testing.T) {
	s := storetest.New(t)
	seed(t, s)

	runs := &runRecorder{}
	p := poller.New(storetest.Logger(), &config.PollerConfig{Schedule: "@every 1h"},
		s, &buildRecorder{}, runs, nil, nil)

	p.Tick(context.Background())
	assert.Len(t, runs.Calls(), 4)
}

func TestPoller_StartRunsImmediately(t *testing.T) {
	s := storetest.New(t)
	seed(t, s)

	runs := &runRecorder{}
	p := poller.New(storetest.Logger(), &config.PollerConfig{Schedule: "@every 1h", Concurrency: 1},
		s, &buildRecorder{}, runs, nil, nil)

	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(runs.Calls()) == 4
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
}

func TestPoller_InvalidSchedule(t *testing.T) {
	p := poller.New(storetest.Logger(), &config.PollerConfig{Schedule: "whenever"},
		storetest.New(t), &buildRecorder{}, &runRecorder{}, nil, nil)

	require.Error(t, p.Start(context.Background()))
	require.NoError(t, p.Stop())
}
