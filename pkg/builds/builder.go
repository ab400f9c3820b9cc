package builds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/engine"
	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// Builder submits docker-build workflows and tracks them to completion.
type Builder struct {
	log      logrus.FieldLogger
	store    store.Store
	engine   engine.Client
	cfg      *config.BuildsConfig
	metrics  *metrics.Metrics
	claimTTL time.Duration
}

// NewBuilder creates a Builder.
func NewBuilder(
	log logrus.FieldLogger,
	st store.Store,
	eng engine.Client,
	cfg *config.BuildsConfig,
	m *metrics.Metrics,
) *Builder {
	return &Builder{
		log:      log.WithField("component", "builder"),
		store:    st,
		engine:   eng,
		cfg:      cfg,
		metrics:  m,
		claimTTL: store.DefaultClaimTTL,
	}
}

// Start submits the build workflow for a created build and moves it to
// building. Builds that have already left created, or that another caller
// is submitting, are ignored. A rejected submission fails the build; a
// transport error leaves it created so the next Advance retries.
func (b *Builder) Start(ctx context.Context, build *store.SoftwareBuild) error {
	current, err := b.store.GetSoftwareBuild(ctx, build.ID)
	if err != nil {
		return err
	}

	if current.Status != store.BuildStatusCreated {
		return nil
	}

	version, err := b.store.GetSoftwareVersion(ctx, current.SoftwareVersionID)
	if err != nil {
		return err
	}

	claimed, err := b.store.ClaimSoftwareBuild(ctx, current.ID, store.BuildStatusCreated, b.claimTTL)
	if err != nil || !claimed {
		return err
	}

	log := b.log.WithFields(logrus.Fields{
		"build_id": current.ID,
		"software": version.Software.Name,
		"commit":   version.Commit,
	})

	inputs, err := json.Marshal(map[string]string{
		b.cfg.InputPrefix + ".software_name": version.Software.Name,
		b.cfg.InputPrefix + ".repo_url":      version.Software.RepositoryURL,
		b.cfg.InputPrefix + ".commit":        version.Commit,
		b.cfg.InputPrefix + ".registry_host": b.cfg.RegistryHost,
	})
	if err != nil {
		return fmt.Errorf("encoding build inputs: %w", err)
	}

	labels, err := json.Marshal(map[string]string{
		"regressoor-build-id": fmt.Sprint(current.ID),
	})
	if err != nil {
		return fmt.Errorf("encoding build labels: %w", err)
	}

	status, err := b.engine.Submit(ctx, &engine.SubmitRequest{
		URL:    b.cfg.WorkflowURL,
		Inputs: inputs,
		Labels: labels,
	})
	b.metrics.IncSubmission("build", err)

	if err != nil {
		if engine.IsTransport(err) {
			if rerr := b.store.ReleaseSoftwareBuild(ctx, current.ID, store.BuildStatusCreated); rerr != nil {
				log.WithError(rerr).Warn("Failed to release build claim")
			}

			return fmt.Errorf("submitting build %d: %w", current.ID, err)
		}

		log.WithError(err).Warn("Build submission rejected")

		return b.finish(ctx, current, store.BuildStatusCreated, store.BuildStatusFailed, "")
	}

	ok, err := b.store.TransitionSoftwareBuild(ctx, current.ID, store.BuildStatusCreated, store.BuildUpdate{
		Status:     store.BuildStatusBuilding,
		BuildJobID: status.ID,
	})
	if err != nil {
		return err
	}

	if !ok {
		log.WithField("job_id", status.ID).Warn("Build was started concurrently, submitted job is orphaned")

		return nil
	}

	b.metrics.IncBuildTransition(string(store.BuildStatusBuilding))
	log.WithField("job_id", status.ID).Info("Started software build")

	return nil
}

// Advance moves a non-terminal build forward: created builds are started and
// building builds are polled.
func (b *Builder) Advance(ctx context.Context, build *store.SoftwareBuild) error {
	switch build.Status {
	case store.BuildStatusCreated:
		return b.Start(ctx, build)
	case store.BuildStatusBuilding:
		return b.poll(ctx, build)
	default:
		return nil
	}
}

func (b *Builder) poll(ctx context.Context, build *store.SoftwareBuild) error {
	status, err := b.engine.Status(ctx, build.BuildJobID)
	if err != nil {
		return fmt.Errorf("polling build %d: %w", build.ID, err)
	}

	switch status.Status {
	case engine.StatusSucceeded:
		version, err := b.store.GetSoftwareVersion(ctx, build.SoftwareVersionID)
		if err != nil {
			return err
		}

		image := ImageURL(b.cfg.RegistryHost, version.Software.Name, version.Commit)

		return b.finish(ctx, build, store.BuildStatusBuilding, store.BuildStatusSucceeded, image)
	case engine.StatusFailed, engine.StatusAborted:
		return b.finish(ctx, build, store.BuildStatusBuilding, store.BuildStatusFailed, "")
	default:
		return nil
	}
}

func (b *Builder) finish(
	ctx context.Context,
	build *store.SoftwareBuild,
	from, to store.BuildStatus,
	image string,
) error {
	now := time.Now().UTC()

	ok, err := b.store.TransitionSoftwareBuild(ctx, build.ID, from, store.BuildUpdate{
		Status:     to,
		ImageURL:   image,
		FinishedAt: &now,
	})
	if err != nil {
		return err
	}

	if ok {
		b.metrics.IncBuildTransition(string(to))
		b.log.WithFields(logrus.Fields{
			"build_id": build.ID,
			"status":   to,
			"image":    image,
		}).Info("Software build finished")
	}

	return nil
}

// StartAll starts every build in builds, logging failures. Builds left in
// created are retried by Advance.
func (b *Builder) StartAll(ctx context.Context, builds []store.SoftwareBuild) {
	for i := range builds {
		if err := b.Start(ctx, &builds[i]); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			b.log.WithError(err).WithField("build_id", builds[i].ID).
				Warn("Failed to start software build")
		}
	}
}
