package store

import (
	"time"

	"gorm.io/datatypes"
)

// Pipeline groups templates that exercise the same tool.
type Pipeline struct {
	ID          uint      `gorm:"primaryKey" json:"pipeline_id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Template holds the test and eval workflow definitions shared by tests.
// The WDL and dependency fields are resource locations.
type Template struct {
	ID                  uint           `gorm:"primaryKey" json:"template_id"`
	PipelineID          uint           `gorm:"not null;index" json:"pipeline_id"`
	Name                string         `gorm:"uniqueIndex;not null" json:"name"`
	Description         string         `json:"description,omitempty"`
	TestWDL             string         `gorm:"column:test_wdl;not null" json:"test_wdl"`
	EvalWDL             string         `gorm:"column:eval_wdl;not null" json:"eval_wdl"`
	TestWDLDependencies datatypes.JSON `gorm:"column:test_wdl_dependencies" json:"test_wdl_dependencies,omitempty"`
	EvalWDLDependencies datatypes.JSON `gorm:"column:eval_wdl_dependencies" json:"eval_wdl_dependencies,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Test binds a template to default inputs and options.
type Test struct {
	ID                 uint           `gorm:"primaryKey" json:"test_id"`
	TemplateID         uint           `gorm:"not null;index" json:"template_id"`
	Name               string         `gorm:"uniqueIndex;not null" json:"name"`
	Description        string         `json:"description,omitempty"`
	TestInputDefaults  datatypes.JSON `json:"test_input_defaults,omitempty"`
	EvalInputDefaults  datatypes.JSON `json:"eval_input_defaults,omitempty"`
	TestOptionDefaults datatypes.JSON `json:"test_option_defaults,omitempty"`
	EvalOptionDefaults datatypes.JSON `json:"eval_option_defaults,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Run is one execution of a test's test workflow followed by its eval
// workflow.
type Run struct {
	ID          string         `gorm:"primaryKey;size:36" json:"run_id"`
	TestID      uint           `gorm:"not null;index" json:"test_id"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Status      RunStatus      `gorm:"size:32;not null;index" json:"status"`
	TestInput   datatypes.JSON `json:"test_input"`
	EvalInput   datatypes.JSON `json:"eval_input"`
	TestOptions datatypes.JSON `json:"test_options,omitempty"`
	EvalOptions datatypes.JSON `json:"eval_options,omitempty"`
	TestJobID   string         `json:"test_cromwell_job_id,omitempty"`
	EvalJobID   string         `json:"eval_cromwell_job_id,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	ClaimedAt   *time.Time     `json:"-"`
}

// RunIsFromGithub records the issue a run was requested from.
type RunIsFromGithub struct {
	RunID       string    `gorm:"primaryKey;size:36" json:"run_id"`
	Owner       string    `gorm:"not null" json:"owner"`
	Repo        string    `gorm:"not null" json:"repo"`
	IssueNumber int       `gorm:"not null" json:"issue_number"`
	Author      string    `gorm:"not null" json:"author"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName keeps the table name readable.
func (RunIsFromGithub) TableName() string {
	return "run_is_from_github"
}

// Software is a source repository whose builds can be referenced from run
// inputs.
type Software struct {
	ID            uint      `gorm:"primaryKey" json:"software_id"`
	Name          string    `gorm:"uniqueIndex;not null" json:"name"`
	Description   string    `json:"description,omitempty"`
	RepositoryURL string    `gorm:"not null" json:"repository_url"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName overrides the pluralised default.
func (Software) TableName() string {
	return "software"
}

// SoftwareVersion is one commit of a Software.
type SoftwareVersion struct {
	ID         uint      `gorm:"primaryKey" json:"software_version_id"`
	SoftwareID uint      `gorm:"not null;uniqueIndex:idx_software_version_commit" json:"software_id"`
	Commit     string    `gorm:"not null;uniqueIndex:idx_software_version_commit" json:"commit"`
	Software   Software  `gorm:"foreignKey:SoftwareID" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// SoftwareBuild is one attempt at building a docker image for a version.
type SoftwareBuild struct {
	ID                uint        `gorm:"primaryKey" json:"software_build_id"`
	SoftwareVersionID uint        `gorm:"not null;index" json:"software_version_id"`
	Status            BuildStatus `gorm:"size:32;not null;index" json:"status"`
	BuildJobID        string      `json:"build_job_id,omitempty"`
	ImageURL          string      `json:"image_url,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	ClaimedAt         *time.Time  `json:"-"`
}

// RunSoftwareVersion links a run to the software versions its inputs
// reference.
type RunSoftwareVersion struct {
	RunID             string `gorm:"primaryKey;size:36"`
	SoftwareVersionID uint   `gorm:"primaryKey"`
}

// Subscription registers an email address for notifications about a
// pipeline, template or test.
type Subscription struct {
	ID         uint       `gorm:"primaryKey" json:"subscription_id"`
	EntityType EntityType `gorm:"size:16;not null;uniqueIndex:idx_subscription_entity_email" json:"entity_type"`
	EntityID   uint       `gorm:"not null;uniqueIndex:idx_subscription_entity_email" json:"entity_id"`
	Email      string     `gorm:"not null;uniqueIndex:idx_subscription_entity_email" json:"email"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Result describes a named value produced by eval workflows.
type Result struct {
	ID          uint       `gorm:"primaryKey" json:"result_id"`
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	ResultType  ResultType `gorm:"size:16;not null" json:"result_type"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TemplateResult maps an engine output key of a template's eval workflow to
// a Result.
type TemplateResult struct {
	TemplateID uint      `gorm:"primaryKey" json:"template_id"`
	ResultID   uint      `gorm:"primaryKey" json:"result_id"`
	ResultKey  string    `gorm:"not null" json:"result_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunResult is the value a run produced for a Result.
type RunResult struct {
	RunID     string    `gorm:"primaryKey;size:36" json:"run_id"`
	ResultID  uint      `gorm:"primaryKey" json:"result_id"`
	Value     string    `gorm:"not null" json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is a notebook rendered against completed runs.
type Report struct {
	ID          uint           `gorm:"primaryKey" json:"report_id"`
	Name        string         `gorm:"uniqueIndex;not null" json:"name"`
	Description string         `json:"description,omitempty"`
	Notebook    datatypes.JSON `gorm:"not null" json:"notebook"`
	Config      datatypes.JSON `json:"config,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TemplateReport attaches a report to every run of a template.
type TemplateReport struct {
	TemplateID uint      `gorm:"primaryKey" json:"template_id"`
	ReportID   uint      `gorm:"primaryKey" json:"report_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunReport is one report generation job for a run.
type RunReport struct {
	RunID       string         `gorm:"primaryKey;size:36" json:"run_id"`
	ReportID    uint           `gorm:"primaryKey" json:"report_id"`
	Status      ReportStatus   `gorm:"size:32;not null;index" json:"status"`
	EngineJobID string         `json:"cromwell_job_id,omitempty"`
	Results     datatypes.JSON `json:"results,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	ClaimedAt   *time.Time     `json:"-"`
}
