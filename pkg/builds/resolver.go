// Package builds resolves image_build placeholders in run inputs to docker
// images and drives the builds that produce them.
package builds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/store"
)

// SoftwareNotFoundError is returned when a placeholder names software that
// has not been registered.
type SoftwareNotFoundError struct {
	Name string
}

func (e *SoftwareNotFoundError) Error() string {
	return fmt.Sprintf("software %q not found", e.Name)
}

// State is the aggregate state of the builds a run depends on.
type State int

const (
	// StatePending means at least one build is still in progress.
	StatePending State = iota
	// StateSucceeded means every build succeeded.
	StateSucceeded
	// StateFailed means at least one build failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Resolution is the outcome of resolving one input document.
type Resolution struct {
	// Input is the rewritten document when Resolved, otherwise the original.
	Input datatypes.JSON
	// Resolved reports whether every referenced build has succeeded.
	Resolved bool
	// Created lists builds inserted by this resolution. They must be started
	// once the enclosing transaction commits.
	Created []store.SoftwareBuild
}

// Resolver maps placeholders onto software versions and builds.
type Resolver struct {
	log logrus.FieldLogger
}

// NewResolver creates a Resolver.
func NewResolver(log logrus.FieldLogger) *Resolver {
	return &Resolver{
		log: log.WithField("component", "build-resolver"),
	}
}

// Resolve walks input for placeholders and links runID to the referenced
// software versions, creating versions and builds as needed. st is expected
// to be a transaction: any error leaves the caller to roll back.
func (r *Resolver) Resolve(
	ctx context.Context, st store.Store, runID string, input datatypes.JSON,
) (*Resolution, error) {
	doc, err := decodeJSON(input)
	if err != nil {
		return nil, err
	}

	refs := collectRefs(doc)
	if len(refs) == 0 {
		return &Resolution{Input: input, Resolved: true}, nil
	}

	var (
		res    = &Resolution{Input: input, Resolved: true}
		images = make(map[Ref]string, len(refs))
	)

	for _, ref := range refs {
		build, created, err := r.resolveRef(ctx, st, runID, ref)
		if err != nil {
			return nil, err
		}

		if created {
			res.Created = append(res.Created, *build)
		}

		if build.Status != store.BuildStatusSucceeded {
			res.Resolved = false

			continue
		}

		images[ref] = build.ImageURL
	}

	if !res.Resolved {
		return res, nil
	}

	rewritten, err := json.Marshal(rewriteRefs(doc, images))
	if err != nil {
		return nil, fmt.Errorf("encoding resolved input: %w", err)
	}

	res.Input = datatypes.JSON(rewritten)

	return res, nil
}

// resolveRef returns the build that ref currently depends on and whether it
// was created by this call.
func (r *Resolver) resolveRef(
	ctx context.Context, st store.Store, runID string, ref Ref,
) (*store.SoftwareBuild, bool, error) {
	software, err := st.GetSoftwareByName(ctx, ref.Software)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, &SoftwareNotFoundError{Name: ref.Software}
		}

		return nil, false, err
	}

	version, err := st.FindOrCreateSoftwareVersion(ctx, software.ID, ref.Commit)
	if err != nil {
		return nil, false, err
	}

	if err := st.AddRunSoftwareVersion(ctx, runID, version.ID); err != nil {
		return nil, false, err
	}

	// Concurrent resolutions of the same version queue here until the first
	// commits, so they reuse its build instead of inserting a second one.
	if err := st.LockSoftwareVersion(ctx, version.ID); err != nil {
		return nil, false, err
	}

	build, err := st.GetLatestSoftwareBuild(ctx, version.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if build != nil && build.Status != store.BuildStatusFailed {
		return build, false, nil
	}

	build = &store.SoftwareBuild{
		SoftwareVersionID: version.ID,
		Status:            store.BuildStatusCreated,
	}
	if err := st.CreateSoftwareBuild(ctx, build); err != nil {
		return nil, false, err
	}

	r.log.WithFields(logrus.Fields{
		"software": ref.Software,
		"commit":   ref.Commit,
		"build_id": build.ID,
	}).Info("Created software build")

	return build, true, nil
}

// Check reports the aggregate state of the latest builds of every software
// version runID depends on.
func (r *Resolver) Check(
	ctx context.Context, st store.Store, runID string,
) (State, error) {
	versions, err := st.ListRunSoftwareVersions(ctx, runID)
	if err != nil {
		return StatePending, err
	}

	state := StateSucceeded

	for _, version := range versions {
		build, err := st.GetLatestSoftwareBuild(ctx, version.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				state = StatePending

				continue
			}

			return StatePending, err
		}

		switch build.Status {
		case store.BuildStatusFailed:
			return StateFailed, nil
		case store.BuildStatusSucceeded:
		default:
			state = StatePending
		}
	}

	return state, nil
}
