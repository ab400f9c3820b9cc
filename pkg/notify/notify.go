// Package notify sends run lifecycle notifications by email to subscribers
// and as comments on the GitHub issue a run was requested from.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/metrics"
	"github.com/ethpandaops/regressoor/pkg/store"
)

var (
	// ErrNoEmailer is returned when an email is due but no email sink is
	// configured.
	ErrNoEmailer = errors.New("no email sink configured")

	// ErrNoCommenter is returned when a comment is due but no comment sink
	// is configured.
	ErrNoCommenter = errors.New("no comment sink configured")
)

// Message is one email sent to all recipients at once.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Emailer delivers email.
type Emailer interface {
	Send(ctx context.Context, msg Message) error
}

// Commenter posts comments on GitHub issues and pull requests.
type Commenter interface {
	PostComment(ctx context.Context, owner, repo string, issue int, body string) error
}

// Lookup is the read access notifications need.
type Lookup interface {
	GetTest(ctx context.Context, id uint) (*store.Test, error)
	GetTemplate(ctx context.Context, id uint) (*store.Template, error)
	ListSubscriptions(
		ctx context.Context, entityType store.EntityType, entityID uint,
	) ([]store.Subscription, error)
	GetRunIsFromGithub(ctx context.Context, runID string) (*store.RunIsFromGithub, error)
	ListRunResults(ctx context.Context, runID string) ([]store.RunResult, error)
}

// GithubContext identifies the issue a request came from.
type GithubContext struct {
	Owner       string
	Repo        string
	IssueNumber int
	Author      string
}

// FailedStart describes a GitHub request that did not produce a running run.
type FailedStart struct {
	// TestID is zero when the test could not be resolved.
	TestID    uint
	TestName  string
	CreatedBy string
	Github    *GithubContext
	Reason    string
}

// Dispatcher fans notifications out to the configured sinks. Either sink may
// be nil. Errors from each sink are joined and returned; they never affect
// the state of the run they describe.
type Dispatcher struct {
	log       logrus.FieldLogger
	lookup    Lookup
	emailer   Emailer
	commenter Commenter
	metrics   *metrics.Metrics
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	log logrus.FieldLogger,
	lookup Lookup,
	emailer Emailer,
	commenter Commenter,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		log:       log.WithField("component", "notify"),
		lookup:    lookup,
		emailer:   emailer,
		commenter: commenter,
		metrics:   m,
	}
}

// RunStarted announces a run created from a GitHub request.
func (d *Dispatcher) RunStarted(ctx context.Context, run *store.Run) error {
	body, err := runStartedEmail(run)
	if err != nil {
		return err
	}

	emailErr := d.email(ctx, run.TestID, run.CreatedBy, subjectRunStarted, body)

	comment, err := runStartedComment(run)
	if err != nil {
		return errors.Join(emailErr, err)
	}

	return errors.Join(emailErr, d.commentOnRun(ctx, run.ID, comment))
}

// RunFailedToStart reports a GitHub request that could not start a run.
func (d *Dispatcher) RunFailedToStart(ctx context.Context, failed FailedStart) error {
	emailErr := d.email(
		ctx, failed.TestID, failed.CreatedBy, subjectRunFailedToStart, failedStartEmail(failed),
	)

	if failed.Github == nil {
		return emailErr
	}

	return errors.Join(emailErr, d.comment(
		ctx, failed.Github.Owner, failed.Github.Repo, failed.Github.IssueNumber,
		failedStartComment(failed),
	))
}

// RunComplete announces a run reaching a terminal status.
func (d *Dispatcher) RunComplete(ctx context.Context, run *store.Run) error {
	results, err := d.lookup.ListRunResults(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("loading run results: %w", err)
	}

	body, err := runCompleteEmail(run, results)
	if err != nil {
		return err
	}

	emailErr := d.email(
		ctx, run.TestID, run.CreatedBy,
		fmt.Sprintf(subjectRunComplete, run.Name, run.Status), body,
	)

	comment, err := runCompleteComment(run, results)
	if err != nil {
		return errors.Join(emailErr, err)
	}

	return errors.Join(emailErr, d.commentOnRun(ctx, run.ID, comment))
}

// RunReportComplete announces a report job reaching a terminal status.
func (d *Dispatcher) RunReportComplete(
	ctx context.Context, run *store.Run, report *store.Report, rr *store.RunReport,
) error {
	body := reportCompleteEmail(run, report, rr)

	emailErr := d.email(
		ctx, run.TestID, rr.CreatedBy,
		fmt.Sprintf(subjectReportComplete, report.Name, run.Name, rr.Status), body,
	)

	return errors.Join(emailErr, d.commentOnRun(ctx, run.ID, reportCompleteComment(run, report, rr)))
}

func (d *Dispatcher) email(
	ctx context.Context, testID uint, createdBy, subject, body string,
) error {
	if d.emailer == nil {
		return ErrNoEmailer
	}

	recipients, err := d.audience(ctx, testID, createdBy)
	if err != nil {
		return err
	}

	if len(recipients) == 0 {
		d.log.WithField("subject", subject).Debug("No recipients, skipping email")

		return nil
	}

	err = d.emailer.Send(ctx, Message{To: recipients, Subject: subject, Body: body})
	d.metrics.IncNotification("email", err)

	if err != nil {
		return fmt.Errorf("sending email %q: %w", subject, err)
	}

	d.log.WithFields(logrus.Fields{
		"subject":    subject,
		"recipients": len(recipients),
	}).Info("Sent email notification")

	return nil
}

// commentOnRun posts body to the issue runID was requested from. Runs that
// did not come from GitHub are skipped.
func (d *Dispatcher) commentOnRun(ctx context.Context, runID, body string) error {
	row, err := d.lookup.GetRunIsFromGithub(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	return d.comment(ctx, row.Owner, row.Repo, row.IssueNumber, body)
}

func (d *Dispatcher) comment(
	ctx context.Context, owner, repo string, issue int, body string,
) error {
	if d.commenter == nil {
		return ErrNoCommenter
	}

	err := d.commenter.PostComment(ctx, owner, repo, issue, body)
	d.metrics.IncNotification("github", err)

	if err != nil {
		return fmt.Errorf("posting comment to %s/%s#%d: %w", owner, repo, issue, err)
	}

	return nil
}

// audience is created_by (when it is an email address) plus the subscribers
// of the test, its template and its pipeline, deduplicated.
func (d *Dispatcher) audience(
	ctx context.Context, testID uint, createdBy string,
) ([]string, error) {
	var (
		recipients []string
		seen       = make(map[string]struct{})
	)

	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if !isEmail(addr) {
			return
		}

		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			return
		}

		seen[key] = struct{}{}
		recipients = append(recipients, addr)
	}

	add(createdBy)

	if testID == 0 {
		return recipients, nil
	}

	test, err := d.lookup.GetTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("resolving audience: %w", err)
	}

	template, err := d.lookup.GetTemplate(ctx, test.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("resolving audience: %w", err)
	}

	for _, entity := range []store.EntityType{store.EntityTest, store.EntityTemplate, store.EntityPipeline} {
		subs, err := d.lookup.ListSubscriptions(ctx, entity, entityID(entity, test, template))
		if err != nil {
			return nil, fmt.Errorf("resolving audience: %w", err)
		}

		for _, sub := range subs {
			add(sub.Email)
		}
	}

	return recipients, nil
}

func entityID(entity store.EntityType, test *store.Test, template *store.Template) uint {
	switch entity {
	case store.EntityTest:
		return test.ID
	case store.EntityTemplate:
		return template.ID
	case store.EntityPipeline:
		return template.PipelineID
	default:
		return 0
	}
}

func isEmail(addr string) bool {
	if addr == "" {
		return false
	}

	_, err := mail.ParseAddress(addr)

	return err == nil
}

// Unconfigured reports whether err consists only of missing-sink errors.
func Unconfigured(err error) bool {
	if err == nil {
		return false
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !Unconfigured(e) {
				return false
			}
		}

		return true
	}

	return errors.Is(err, ErrNoEmailer) || errors.Is(err, ErrNoCommenter)
}

// LogError logs a notification error at a level matching its severity.
func LogError(log logrus.FieldLogger, err error, msg string) {
	if err == nil {
		return
	}

	if Unconfigured(err) {
		log.WithError(err).Debug(msg)

		return
	}

	log.WithError(err).Warn(msg)
}
