package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned (wrapped) by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for every regressoor entity.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Transaction runs fn against a Store bound to a single database
	// transaction. Returning an error rolls everything back.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Catalog.
	CreatePipeline(ctx context.Context, pipeline *Pipeline) error
	GetPipelineByName(ctx context.Context, name string) (*Pipeline, error)
	CreateTemplate(ctx context.Context, template *Template) error
	GetTemplate(ctx context.Context, id uint) (*Template, error)
	GetTemplateByName(ctx context.Context, name string) (*Template, error)
	CreateTest(ctx context.Context, test *Test) error
	GetTest(ctx context.Context, id uint) (*Test, error)
	GetTestByName(ctx context.Context, name string) (*Test, error)

	// Software and builds.
	CreateSoftware(ctx context.Context, software *Software) error
	GetSoftwareByName(ctx context.Context, name string) (*Software, error)
	FindOrCreateSoftwareVersion(
		ctx context.Context, softwareID uint, commit string,
	) (*SoftwareVersion, error)
	GetSoftwareVersion(ctx context.Context, id uint) (*SoftwareVersion, error)
	CreateSoftwareBuild(ctx context.Context, build *SoftwareBuild) error
	GetSoftwareBuild(ctx context.Context, id uint) (*SoftwareBuild, error)
	GetLatestSoftwareBuild(ctx context.Context, versionID uint) (*SoftwareBuild, error)
	ListSoftwareBuildsByStatus(
		ctx context.Context, statuses ...BuildStatus,
	) ([]SoftwareBuild, error)
	TransitionSoftwareBuild(
		ctx context.Context, id uint, from BuildStatus, update BuildUpdate,
	) (bool, error)
	ClaimSoftwareBuild(
		ctx context.Context, id uint, status BuildStatus, ttl time.Duration,
	) (bool, error)
	ReleaseSoftwareBuild(ctx context.Context, id uint, status BuildStatus) error
	// LockSoftwareVersion takes a row lock on the version for the rest of
	// the enclosing transaction. It is a no-op on sqlite.
	LockSoftwareVersion(ctx context.Context, id uint) error
	AddRunSoftwareVersion(ctx context.Context, runID string, versionID uint) error
	ListRunSoftwareVersions(ctx context.Context, runID string) ([]SoftwareVersion, error)

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]Run, error)
	TransitionRun(
		ctx context.Context, id string, from RunStatus, update RunUpdate,
	) (bool, error)
	ClaimRun(ctx context.Context, id string, status RunStatus, ttl time.Duration) (bool, error)
	ReleaseRun(ctx context.Context, id string, status RunStatus) error
	CreateRunIsFromGithub(ctx context.Context, row *RunIsFromGithub) error
	GetRunIsFromGithub(ctx context.Context, runID string) (*RunIsFromGithub, error)

	// Results.
	CreateResult(ctx context.Context, result *Result) error
	GetResultByName(ctx context.Context, name string) (*Result, error)
	CreateTemplateResult(ctx context.Context, tr *TemplateResult) error
	ListTemplateResults(ctx context.Context, templateID uint) ([]TemplateResult, error)
	SaveRunResults(ctx context.Context, results []RunResult) error
	ListRunResults(ctx context.Context, runID string) ([]RunResult, error)

	// Subscriptions.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(
		ctx context.Context, entityType EntityType, entityID uint,
	) ([]Subscription, error)

	// Reports.
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id uint) (*Report, error)
	GetReportByName(ctx context.Context, name string) (*Report, error)
	CreateTemplateReport(ctx context.Context, tr *TemplateReport) error
	ListTemplateReports(ctx context.Context, templateID uint) ([]Report, error)
	CreateRunReport(ctx context.Context, rr *RunReport) error
	GetRunReport(ctx context.Context, runID string, reportID uint) (*RunReport, error)
	ListRunReports(ctx context.Context, runID string) ([]RunReport, error)
	ListRunReportsByStatus(ctx context.Context, statuses ...ReportStatus) ([]RunReport, error)
	TransitionRunReport(
		ctx context.Context, runID string, reportID uint, from ReportStatus, update ReportUpdate,
	) (bool, error)
	ClaimRunReport(
		ctx context.Context, runID string, reportID uint, status ReportStatus, ttl time.Duration,
	) (bool, error)
	ReleaseRunReport(ctx context.Context, runID string, reportID uint, status ReportStatus) error
}

// DefaultClaimTTL is how long a submission claim blocks other callers. A
// claim older than this is considered abandoned and can be taken over.
const DefaultClaimTTL = 15 * time.Minute

// RunUpdate carries the fields written alongside a run status transition.
// Zero values are left untouched.
type RunUpdate struct {
	Status     RunStatus
	TestInput  datatypes.JSON
	EvalInput  datatypes.JSON
	TestJobID  string
	EvalJobID  string
	FinishedAt *time.Time
}

// BuildUpdate carries the fields written alongside a build transition.
type BuildUpdate struct {
	Status     BuildStatus
	BuildJobID string
	ImageURL   string
	FinishedAt *time.Time
}

// ReportUpdate carries the fields written alongside a run report transition.
type ReportUpdate struct {
	Status      ReportStatus
	EngineJobID string
	Results     datatypes.JSON
	FinishedAt  *time.Time
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	switch {
	case s.cfg.Driver == "sqlite":
		// SQLite allows a single writer, and an in-memory database only
		// lives as long as its connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	case s.cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Pipeline{},
		&Template{},
		&Test{},
		&Run{},
		&RunIsFromGithub{},
		&Software{},
		&SoftwareVersion{},
		&SoftwareBuild{},
		&RunSoftwareVersion{},
		&Subscription{},
		&Result{},
		&TemplateResult{},
		&RunResult{},
		&Report{},
		&TemplateReport{},
		&RunReport{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) Transaction(
	ctx context.Context, fn func(tx Store) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: gtx})
	})
}

// lookupErr maps gorm's not-found error onto ErrNotFound and adds context.
func lookupErr(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = ErrNotFound
	}

	return fmt.Errorf("getting %s: %w", what, err)
}
