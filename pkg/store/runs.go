package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

func (s *store) CreateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("run %s", id))
	}

	return &run, nil
}

func (s *store) ListRunsByStatus(
	ctx context.Context, statuses ...RunStatus,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// TransitionRun moves a run out of from only if it is still in from, so that
// concurrent advancers cannot both apply the same transition. The boolean
// reports whether this call won.
func (s *store) TransitionRun(
	ctx context.Context, id string, from RunStatus, update RunUpdate,
) (bool, error) {
	if err := validateRunTransition(id, from, update.Status); err != nil {
		return false, err
	}

	values := map[string]any{"status": update.Status, "claimed_at": nil}

	if update.TestInput != nil {
		values["test_input"] = update.TestInput
	}

	if update.EvalInput != nil {
		values["eval_input"] = update.EvalInput
	}

	if update.TestJobID != "" {
		values["test_job_id"] = update.TestJobID
	}

	if update.EvalJobID != "" {
		values["eval_job_id"] = update.EvalJobID
	}

	if update.FinishedAt != nil {
		values["finished_at"] = update.FinishedAt
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, fmt.Errorf("transitioning run %s: %w", id, result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) CreateRunIsFromGithub(
	ctx context.Context, row *RunIsFromGithub,
) error {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating run github record: %w", err)
	}

	return nil
}

func (s *store) GetRunIsFromGithub(
	ctx context.Context, runID string,
) (*RunIsFromGithub, error) {
	var row RunIsFromGithub
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&row).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("github record of run %s", runID))
	}

	return &row, nil
}

// --- Results ---

func (s *store) CreateResult(ctx context.Context, result *Result) error {
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("creating result: %w", err)
	}

	return nil
}

func (s *store) GetResultByName(
	ctx context.Context, name string,
) (*Result, error) {
	var result Result
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&result).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("result %q", name))
	}

	return &result, nil
}

func (s *store) CreateTemplateResult(
	ctx context.Context, tr *TemplateResult,
) error {
	if err := s.db.WithContext(ctx).Create(tr).Error; err != nil {
		return fmt.Errorf("creating template result: %w", err)
	}

	return nil
}

func (s *store) ListTemplateResults(
	ctx context.Context, templateID uint,
) ([]TemplateResult, error) {
	var mappings []TemplateResult
	if err := s.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("result_id ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing template results: %w", err)
	}

	return mappings, nil
}

// SaveRunResults upserts results keyed by (run_id, result_id).
func (s *store) SaveRunResults(
	ctx context.Context, results []RunResult,
) error {
	if len(results) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "result_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&results).Error; err != nil {
		return fmt.Errorf("saving run results: %w", err)
	}

	return nil
}

func (s *store) ListRunResults(
	ctx context.Context, runID string,
) ([]RunResult, error) {
	var results []RunResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("result_id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing run results: %w", err)
	}

	return results, nil
}
