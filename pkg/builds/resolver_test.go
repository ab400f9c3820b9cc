package builds_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/builds"
	"github.com/ethpandaops/regressoor/pkg/store"
	"github.com/ethpandaops/regressoor/pkg/store/storetest"
)

func seedSoftware(t *testing.T, s store.Store, name string) *store.Software {
	t.Helper()

	sw := &store.Software{Name: name, RepositoryURL: "https://github.com/org/" + name}
	require.NoError(t, s.CreateSoftware(context.Background(), sw))

	return sw
}

func TestResolve_NoPlaceholders(t *testing.T) {
	s := storetest.New(t)
	r := builds.NewResolver(storetest.Logger())

	res, err := r.Resolve(context.Background(), s, "run-1", datatypes.JSON(`{"x":1}`))
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.JSONEq(t, `{"x":1}`, string(res.Input))
	assert.Empty(t, res.Created)
}

func TestResolve_UnknownSoftware(t *testing.T) {
	s := storetest.New(t)
	r := builds.NewResolver(storetest.Logger())

	_, err := r.Resolve(context.Background(), s, "run-1", datatypes.JSON(`{"img":"image_build:Ghost|abc"}`))
	require.Error(t, err)

	var snf *builds.SoftwareNotFoundError
	require.True(t, errors.As(err, &snf))
	assert.Equal(t, "Ghost", snf.Name)
}

func TestResolve_SharedVersionAndBuild(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	seedSoftware(t, s, "Soft")

	input := datatypes.JSON(`{"img":"image_build:Soft|abc123"}`)

	first, err := r.Resolve(ctx, s, "run-1", input)
	require.NoError(t, err)
	assert.False(t, first.Resolved)
	require.Len(t, first.Created, 1)
	assert.JSONEq(t, string(input), string(first.Input))

	second, err := r.Resolve(ctx, s, "run-2", input)
	require.NoError(t, err)
	assert.False(t, second.Resolved)
	assert.Empty(t, second.Created, "a live build must be reused")

	v1, err := s.ListRunSoftwareVersions(ctx, "run-1")
	require.NoError(t, err)

	v2, err := s.ListRunSoftwareVersions(ctx, "run-2")
	require.NoError(t, err)

	require.Len(t, v1, 1)
	require.Len(t, v2, 1)
	assert.Equal(t, v1[0].ID, v2[0].ID)

	live, err := s.ListSoftwareBuildsByStatus(ctx, store.BuildStatusCreated, store.BuildStatusBuilding)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestResolve_RewritesSucceededBuild(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	sw := seedSoftware(t, s, "Soft")

	version, err := s.FindOrCreateSoftwareVersion(ctx, sw.ID, "abc123")
	require.NoError(t, err)
	require.NoError(t, s.CreateSoftwareBuild(ctx, &store.SoftwareBuild{
		SoftwareVersionID: version.ID,
		Status:            store.BuildStatusSucceeded,
		ImageURL:          "gcr.io/x/soft:abc123",
	}))

	res, err := r.Resolve(ctx, s, "run-1", datatypes.JSON(`{"img":"image_build:Soft|abc123","list":["image_build:Soft|abc123"],"n":1.50}`))
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Empty(t, res.Created)
	assert.JSONEq(t, `{"img":"gcr.io/x/soft:abc123","list":["gcr.io/x/soft:abc123"],"n":1.50}`, string(res.Input))

	state, err := r.Check(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, builds.StateSucceeded, state)
}

func TestResolve_FailedBuildIsRetried(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	sw := seedSoftware(t, s, "Soft")

	version, err := s.FindOrCreateSoftwareVersion(ctx, sw.ID, "abc123")
	require.NoError(t, err)

	failed := &store.SoftwareBuild{SoftwareVersionID: version.ID, Status: store.BuildStatusFailed}
	require.NoError(t, s.CreateSoftwareBuild(ctx, failed))

	res, err := r.Resolve(ctx, s, "run-1", datatypes.JSON(`{"img":"image_build:Soft|abc123"}`))
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	require.Len(t, res.Created, 1)
	assert.NotEqual(t, failed.ID, res.Created[0].ID)

	state, err := r.Check(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, builds.StatePending, state)
}

func TestCheck_FailedBuild(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	seedSoftware(t, s, "Soft")
	seedSoftware(t, s, "Other")

	res, err := r.Resolve(ctx, s, "run-1", datatypes.JSON(`{"a":"image_build:Soft|abc","b":"image_build:Other|def"}`))
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	ok, err := s.TransitionSoftwareBuild(ctx, res.Created[0].ID, store.BuildStatusCreated, store.BuildUpdate{
		Status: store.BuildStatusFailed,
	})
	require.NoError(t, err)
	require.True(t, ok)

	state, err := r.Check(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, builds.StateFailed, state)
}

// lockRecorder records the order of the version lock and the latest-build
// lookup.
type lockRecorder struct {
	store.Store

	mu    sync.Mutex
	calls []string
}

func (l *lockRecorder) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, call)
}

func (l *lockRecorder) LockSoftwareVersion(ctx context.Context, id uint) error {
	l.record("lock")

	return l.Store.LockSoftwareVersion(ctx, id)
}

func (l *lockRecorder) GetLatestSoftwareBuild(ctx context.Context, versionID uint) (*store.SoftwareBuild, error) {
	l.record("latest")

	return l.Store.GetLatestSoftwareBuild(ctx, versionID)
}

func TestResolve_LocksVersionBeforeReadingBuild(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	seedSoftware(t, s, "Soft")

	rec := &lockRecorder{Store: s}

	_, err := r.Resolve(ctx, rec, "run-1", datatypes.JSON(`{"img":"image_build:Soft|abc123"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "latest"}, rec.calls)
}

func TestResolve_ConcurrentRunsShareOneBuild(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	r := builds.NewResolver(storetest.Logger())

	seedSoftware(t, s, "Soft")

	input := datatypes.JSON(`{"img":"image_build:Soft|abc123"}`)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)

	for i := range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.Transaction(ctx, func(tx store.Store) error {
				res, err := r.Resolve(ctx, tx, fmt.Sprintf("run-%d", i), input)
				if err != nil {
					return err
				}

				mu.Lock()
				created += len(res.Created)
				mu.Unlock()

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)

	live, err := s.ListSoftwareBuildsByStatus(ctx, store.BuildStatusCreated, store.BuildStatusBuilding)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}
