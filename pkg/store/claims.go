package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// Claims serialize job submission. A caller stamps claimed_at on a row that
// is still in the status it read, submits, then transitions the row, which
// clears the claim. Only the caller whose stamp affected the row submits.

func (s *store) ClaimRun(
	ctx context.Context, id string, status RunStatus, ttl time.Duration,
) (bool, error) {
	ok, err := s.claim(ctx, &Run{}, ttl, "id = ? AND status = ?", id, status)
	if err != nil {
		return false, fmt.Errorf("claiming run %s: %w", id, err)
	}

	return ok, nil
}

func (s *store) ReleaseRun(ctx context.Context, id string, status RunStatus) error {
	if err := s.release(ctx, &Run{}, "id = ? AND status = ?", id, status); err != nil {
		return fmt.Errorf("releasing run %s: %w", id, err)
	}

	return nil
}

func (s *store) ClaimSoftwareBuild(
	ctx context.Context, id uint, status BuildStatus, ttl time.Duration,
) (bool, error) {
	ok, err := s.claim(ctx, &SoftwareBuild{}, ttl, "id = ? AND status = ?", id, status)
	if err != nil {
		return false, fmt.Errorf("claiming software build %d: %w", id, err)
	}

	return ok, nil
}

func (s *store) ReleaseSoftwareBuild(ctx context.Context, id uint, status BuildStatus) error {
	if err := s.release(ctx, &SoftwareBuild{}, "id = ? AND status = ?", id, status); err != nil {
		return fmt.Errorf("releasing software build %d: %w", id, err)
	}

	return nil
}

func (s *store) ClaimRunReport(
	ctx context.Context, runID string, reportID uint, status ReportStatus, ttl time.Duration,
) (bool, error) {
	ok, err := s.claim(ctx, &RunReport{}, ttl,
		"run_id = ? AND report_id = ? AND status = ?", runID, reportID, status)
	if err != nil {
		return false, fmt.Errorf("claiming run report %s/%d: %w", runID, reportID, err)
	}

	return ok, nil
}

func (s *store) ReleaseRunReport(
	ctx context.Context, runID string, reportID uint, status ReportStatus,
) error {
	if err := s.release(ctx, &RunReport{},
		"run_id = ? AND report_id = ? AND status = ?", runID, reportID, status); err != nil {
		return fmt.Errorf("releasing run report %s/%d: %w", runID, reportID, err)
	}

	return nil
}

func (s *store) LockSoftwareVersion(ctx context.Context, id uint) error {
	var version SoftwareVersion
	if err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		First(&version, id).Error; err != nil {
		return lookupErr(err, fmt.Sprintf("software version %d", id))
	}

	return nil
}

// claim stamps claimed_at on the row matched by query unless a claim younger
// than ttl is already in place.
func (s *store) claim(
	ctx context.Context, model any, ttl time.Duration, query string, args ...any,
) (bool, error) {
	now := time.Now().UTC()

	result := s.db.WithContext(ctx).
		Model(model).
		Where(query, args...).
		Where("claimed_at IS NULL OR claimed_at < ?", now.Add(-ttl)).
		Update("claimed_at", now)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

func (s *store) release(ctx context.Context, model any, query string, args ...any) error {
	return s.db.WithContext(ctx).
		Model(model).
		Where(query, args...).
		Update("claimed_at", nil).Error
}
