package store

import (
	"fmt"
	"slices"
)

// RunStatus is the persisted state of a Run.
type RunStatus string

const (
	RunStatusCreated       RunStatus = "created"
	RunStatusBuilding      RunStatus = "building"
	RunStatusTestSubmitted RunStatus = "test_submitted"
	RunStatusEvalSubmitted RunStatus = "eval_submitted"
	RunStatusSucceeded     RunStatus = "succeeded"
	RunStatusFailed        RunStatus = "failed"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusCreated:       {RunStatusTestSubmitted, RunStatusFailed},
	RunStatusBuilding:      {RunStatusTestSubmitted, RunStatusFailed},
	RunStatusTestSubmitted: {RunStatusEvalSubmitted, RunStatusFailed},
	RunStatusEvalSubmitted: {RunStatusSucceeded, RunStatusFailed},
	RunStatusSucceeded:     {},
	RunStatusFailed:        {},
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// NonTerminalRunStatuses lists the statuses the poller advances.
func NonTerminalRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusCreated,
		RunStatusBuilding,
		RunStatusTestSubmitted,
		RunStatusEvalSubmitted,
	}
}

// BuildStatus is the persisted state of a SoftwareBuild.
type BuildStatus string

const (
	BuildStatusCreated   BuildStatus = "created"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

var buildTransitions = map[BuildStatus][]BuildStatus{
	BuildStatusCreated:   {BuildStatusBuilding, BuildStatusFailed},
	BuildStatusBuilding:  {BuildStatusSucceeded, BuildStatusFailed},
	BuildStatusSucceeded: {},
	BuildStatusFailed:    {},
}

// Terminal reports whether the build has finished.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusSucceeded || s == BuildStatusFailed
}

// ReportStatus is the persisted state of a RunReport.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusRunning   ReportStatus = "running"
	ReportStatusSucceeded ReportStatus = "succeeded"
	ReportStatusFailed    ReportStatus = "failed"
)

var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusPending:   {ReportStatusRunning, ReportStatusFailed},
	ReportStatusRunning:   {ReportStatusSucceeded, ReportStatusFailed},
	ReportStatusSucceeded: {},
	ReportStatusFailed:    {},
}

// EntityType names the kind of entity a Subscription targets.
type EntityType string

const (
	EntityPipeline EntityType = "pipeline"
	EntityTemplate EntityType = "template"
	EntityTest     EntityType = "test"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPipeline, EntityTemplate, EntityTest:
		return true
	default:
		return false
	}
}

// ResultType describes how a RunResult value should be interpreted.
type ResultType string

const (
	ResultTypeNumeric ResultType = "numeric"
	ResultTypeFile    ResultType = "file"
	ResultTypeText    ResultType = "text"
)

// Valid reports whether t is a known result type.
func (t ResultType) Valid() bool {
	switch t {
	case ResultTypeNumeric, ResultTypeFile, ResultTypeText:
		return true
	default:
		return false
	}
}

// TransitionError signals an illegal state transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func validateRunTransition(id string, from, to RunStatus) error {
	if !slices.Contains(runTransitions[from], to) {
		return TransitionError{Entity: "run", ID: id, From: string(from), To: string(to)}
	}

	return nil
}

func validateBuildTransition(id uint, from, to BuildStatus) error {
	if !slices.Contains(buildTransitions[from], to) {
		return TransitionError{
			Entity: "software build", ID: fmt.Sprint(id), From: string(from), To: string(to),
		}
	}

	return nil
}

func validateReportTransition(runID string, reportID uint, from, to ReportStatus) error {
	if !slices.Contains(reportTransitions[from], to) {
		return TransitionError{
			Entity: "run report",
			ID:     fmt.Sprintf("%s/%d", runID, reportID),
			From:   string(from),
			To:     string(to),
		}
	}

	return nil
}
