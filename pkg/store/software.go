package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

func (s *store) CreateSoftware(
	ctx context.Context, software *Software,
) error {
	if err := s.db.WithContext(ctx).Create(software).Error; err != nil {
		return fmt.Errorf("creating software: %w", err)
	}

	return nil
}

func (s *store) GetSoftwareByName(
	ctx context.Context, name string,
) (*Software, error) {
	var software Software
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&software).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("software %q", name))
	}

	return &software, nil
}

// FindOrCreateSoftwareVersion returns the version row for (softwareID,
// commit), inserting it first if needed. Concurrent callers converge on the
// same row through the unique index.
func (s *store) FindOrCreateSoftwareVersion(
	ctx context.Context, softwareID uint, commit string,
) (*SoftwareVersion, error) {
	version := SoftwareVersion{SoftwareID: softwareID, Commit: commit}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&version).Error; err != nil {
		return nil, fmt.Errorf("inserting software version: %w", err)
	}

	var existing SoftwareVersion
	if err := s.db.WithContext(ctx).
		Where(&SoftwareVersion{SoftwareID: softwareID, Commit: commit}).
		First(&existing).Error; err != nil {
		return nil, lookupErr(err, "software version")
	}

	return &existing, nil
}

// GetSoftwareVersion returns the version with its Software loaded.
func (s *store) GetSoftwareVersion(
	ctx context.Context, id uint,
) (*SoftwareVersion, error) {
	var version SoftwareVersion
	if err := s.db.WithContext(ctx).
		Preload("Software").
		First(&version, id).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("software version %d", id))
	}

	return &version, nil
}

func (s *store) CreateSoftwareBuild(
	ctx context.Context, build *SoftwareBuild,
) error {
	if err := s.db.WithContext(ctx).Create(build).Error; err != nil {
		return fmt.Errorf("creating software build: %w", err)
	}

	return nil
}

func (s *store) GetSoftwareBuild(
	ctx context.Context, id uint,
) (*SoftwareBuild, error) {
	var build SoftwareBuild
	if err := s.db.WithContext(ctx).First(&build, id).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("software build %d", id))
	}

	return &build, nil
}

// GetLatestSoftwareBuild returns the most recent build attempt of a version.
func (s *store) GetLatestSoftwareBuild(
	ctx context.Context, versionID uint,
) (*SoftwareBuild, error) {
	var build SoftwareBuild
	if err := s.db.WithContext(ctx).
		Where("software_version_id = ?", versionID).
		Order("id DESC").
		First(&build).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("latest build of version %d", versionID))
	}

	return &build, nil
}

func (s *store) ListSoftwareBuildsByStatus(
	ctx context.Context, statuses ...BuildStatus,
) ([]SoftwareBuild, error) {
	var builds []SoftwareBuild
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id ASC").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing software builds: %w", err)
	}

	return builds, nil
}

// TransitionSoftwareBuild moves a build out of from only if it is still in
// from. The boolean reports whether this call performed the transition.
func (s *store) TransitionSoftwareBuild(
	ctx context.Context, id uint, from BuildStatus, update BuildUpdate,
) (bool, error) {
	if err := validateBuildTransition(id, from, update.Status); err != nil {
		return false, err
	}

	values := map[string]any{"status": update.Status, "claimed_at": nil}

	if update.BuildJobID != "" {
		values["build_job_id"] = update.BuildJobID
	}

	if update.ImageURL != "" {
		values["image_url"] = update.ImageURL
	}

	if update.FinishedAt != nil {
		values["finished_at"] = update.FinishedAt
	}

	result := s.db.WithContext(ctx).
		Model(&SoftwareBuild{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning software build %d: %w", id, result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) AddRunSoftwareVersion(
	ctx context.Context, runID string, versionID uint,
) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RunSoftwareVersion{RunID: runID, SoftwareVersionID: versionID}).
		Error; err != nil {
		return fmt.Errorf("linking run to software version: %w", err)
	}

	return nil
}

func (s *store) ListRunSoftwareVersions(
	ctx context.Context, runID string,
) ([]SoftwareVersion, error) {
	var versions []SoftwareVersion
	if err := s.db.WithContext(ctx).
		Joins("JOIN run_software_versions ON run_software_versions.software_version_id = software_versions.id").
		Where("run_software_versions.run_id = ?", runID).
		Order("software_versions.id ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("listing run software versions: %w", err)
	}

	return versions, nil
}
