package store

import (
	"context"
	"fmt"
)

func (s *store) CreateReport(ctx context.Context, report *Report) error {
	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	return nil
}

func (s *store) GetReport(ctx context.Context, id uint) (*Report, error) {
	var report Report
	if err := s.db.WithContext(ctx).First(&report, id).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("report %d", id))
	}

	return &report, nil
}

func (s *store) GetReportByName(
	ctx context.Context, name string,
) (*Report, error) {
	var report Report
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&report).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("report %q", name))
	}

	return &report, nil
}

func (s *store) CreateTemplateReport(
	ctx context.Context, tr *TemplateReport,
) error {
	if err := s.db.WithContext(ctx).Create(tr).Error; err != nil {
		return fmt.Errorf("creating template report: %w", err)
	}

	return nil
}

// ListTemplateReports returns the reports attached to a template.
func (s *store) ListTemplateReports(
	ctx context.Context, templateID uint,
) ([]Report, error) {
	var reports []Report
	if err := s.db.WithContext(ctx).
		Joins("JOIN template_reports ON template_reports.report_id = reports.id").
		Where("template_reports.template_id = ?", templateID).
		Order("reports.id ASC").
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing template reports: %w", err)
	}

	return reports, nil
}

func (s *store) CreateRunReport(ctx context.Context, rr *RunReport) error {
	if err := s.db.WithContext(ctx).Create(rr).Error; err != nil {
		return fmt.Errorf("creating run report: %w", err)
	}

	return nil
}

func (s *store) GetRunReport(
	ctx context.Context, runID string, reportID uint,
) (*RunReport, error) {
	var rr RunReport
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND report_id = ?", runID, reportID).
		First(&rr).Error; err != nil {
		return nil, lookupErr(err, fmt.Sprintf("run report %s/%d", runID, reportID))
	}

	return &rr, nil
}

func (s *store) ListRunReports(
	ctx context.Context, runID string,
) ([]RunReport, error) {
	var reports []RunReport
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("report_id ASC").
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing run reports: %w", err)
	}

	return reports, nil
}

func (s *store) ListRunReportsByStatus(
	ctx context.Context, statuses ...ReportStatus,
) ([]RunReport, error) {
	var reports []RunReport
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("listing run reports: %w", err)
	}

	return reports, nil
}

// TransitionRunReport moves a run report out of from only if it is still in
// from.
func (s *store) TransitionRunReport(
	ctx context.Context,
	runID string,
	reportID uint,
	from ReportStatus,
	update ReportUpdate,
) (bool, error) {
	if err := validateReportTransition(runID, reportID, from, update.Status); err != nil {
		return false, err
	}

	values := map[string]any{"status": update.Status, "claimed_at": nil}

	if update.EngineJobID != "" {
		values["engine_job_id"] = update.EngineJobID
	}

	if update.Results != nil {
		values["results"] = update.Results
	}

	if update.FinishedAt != nil {
		values["finished_at"] = update.FinishedAt
	}

	result := s.db.WithContext(ctx).
		Model(&RunReport{}).
		Where("run_id = ? AND report_id = ? AND status = ?", runID, reportID, from).
		Updates(values)
	if result.Error != nil {
		return false, fmt.Errorf(
			"transitioning run report %s/%d: %w", runID, reportID, result.Error,
		)
	}

	return result.RowsAffected == 1, nil
}
