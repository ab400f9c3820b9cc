package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/ethpandaops/regressoor/pkg/fetcher"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// Summary counts the rows a Seed call inserted and the ones that already
// existed.
type Summary struct {
	Created  int
	Existing int
}

// Seeder writes catalogs into a store. Entities are matched by name, so
// seeding the same catalog twice is a no-op.
type Seeder struct {
	log     logrus.FieldLogger
	store   store.Store
	fetcher fetcher.Fetcher
}

// NewSeeder creates a Seeder. Report notebooks are read through f.
func NewSeeder(log logrus.FieldLogger, st store.Store, f fetcher.Fetcher) *Seeder {
	return &Seeder{
		log:     log.WithField("component", "catalog"),
		store:   st,
		fetcher: f,
	}
}

// Seed inserts every entity of cat that does not exist yet in a single
// transaction.
func (s *Seeder) Seed(ctx context.Context, cat *Catalog) (Summary, error) {
	notebooks := make(map[string]json.RawMessage, len(cat.Reports))

	for _, r := range cat.Reports {
		nb, err := s.fetcher.FetchJSON(ctx, r.Notebook)
		if err != nil {
			return Summary{}, fmt.Errorf("loading notebook of report %q: %w", r.Name, err)
		}

		notebooks[r.Name] = nb
	}

	var sum Summary

	err := s.store.Transaction(ctx, func(tx store.Store) error {
		sum = Summary{}
		w := &writer{log: s.log, tx: tx, sum: &sum}

		return w.write(ctx, cat, notebooks)
	})
	if err != nil {
		return Summary{}, err
	}

	s.log.WithFields(logrus.Fields{
		"created":  sum.Created,
		"existing": sum.Existing,
	}).Info("Seeded catalog")

	return sum, nil
}

type writer struct {
	log logrus.FieldLogger
	tx  store.Store
	sum *Summary
}

func (w *writer) write(
	ctx context.Context, cat *Catalog, notebooks map[string]json.RawMessage,
) error {
	for _, sw := range cat.Software {
		if err := w.software(ctx, sw); err != nil {
			return err
		}
	}

	for _, r := range cat.Results {
		if err := w.result(ctx, r); err != nil {
			return err
		}
	}

	for _, r := range cat.Reports {
		if err := w.report(ctx, r, notebooks[r.Name]); err != nil {
			return err
		}
	}

	for _, p := range cat.Pipelines {
		if err := w.pipeline(ctx, p); err != nil {
			return err
		}
	}

	for _, sub := range cat.Subscriptions {
		if err := w.subscription(ctx, sub); err != nil {
			return err
		}
	}

	return nil
}

// exists reports whether a by-name lookup found a row. Errors other than
// not found are returned.
func (w *writer) exists(err error) (bool, error) {
	switch {
	case err == nil:
		w.sum.Existing++

		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (w *writer) created(kind, name string) {
	w.sum.Created++
	w.log.WithField(kind, name).Debug("Created catalog entry")
}

func (w *writer) software(ctx context.Context, sw Software) error {
	_, err := w.tx.GetSoftwareByName(ctx, sw.Name)
	if found, err := w.exists(err); found || err != nil {
		return err
	}

	if err := w.tx.CreateSoftware(ctx, &store.Software{
		Name:          sw.Name,
		Description:   sw.Description,
		RepositoryURL: sw.RepositoryURL,
	}); err != nil {
		return err
	}

	w.created("software", sw.Name)

	return nil
}

func (w *writer) result(ctx context.Context, r Result) error {
	_, err := w.tx.GetResultByName(ctx, r.Name)
	if found, err := w.exists(err); found || err != nil {
		return err
	}

	if err := w.tx.CreateResult(ctx, &store.Result{
		Name:        r.Name,
		ResultType:  r.Type,
		Description: r.Description,
	}); err != nil {
		return err
	}

	w.created("result", r.Name)

	return nil
}

func (w *writer) report(ctx context.Context, r Report, notebook json.RawMessage) error {
	_, err := w.tx.GetReportByName(ctx, r.Name)
	if found, err := w.exists(err); found || err != nil {
		return err
	}

	config, err := toJSON(r.Config)
	if err != nil {
		return fmt.Errorf("encoding config of report %q: %w", r.Name, err)
	}

	if err := w.tx.CreateReport(ctx, &store.Report{
		Name:        r.Name,
		Description: r.Description,
		Notebook:    datatypes.JSON(notebook),
		Config:      config,
	}); err != nil {
		return err
	}

	w.created("report", r.Name)

	return nil
}

func (w *writer) pipeline(ctx context.Context, p Pipeline) error {
	pipeline, err := w.tx.GetPipelineByName(ctx, p.Name)

	found, err := w.exists(err)
	if err != nil {
		return err
	}

	if !found {
		pipeline = &store.Pipeline{Name: p.Name, Description: p.Description}
		if err := w.tx.CreatePipeline(ctx, pipeline); err != nil {
			return err
		}

		w.created("pipeline", p.Name)
	}

	for _, t := range p.Templates {
		if err := w.template(ctx, pipeline.ID, t); err != nil {
			return err
		}
	}

	return nil
}

// template creates the template with its result and report mappings. The
// mappings of an existing template are left alone.
func (w *writer) template(ctx context.Context, pipelineID uint, t Template) error {
	template, err := w.tx.GetTemplateByName(ctx, t.Name)

	found, err := w.exists(err)
	if err != nil {
		return err
	}

	if !found {
		if template, err = w.createTemplate(ctx, pipelineID, t); err != nil {
			return err
		}
	}

	for _, test := range t.Tests {
		if err := w.test(ctx, template.ID, test); err != nil {
			return err
		}
	}

	return nil
}

func (w *writer) createTemplate(
	ctx context.Context, pipelineID uint, t Template,
) (*store.Template, error) {
	testDeps, err := toJSON(t.TestWDLDependencies)
	if err != nil {
		return nil, err
	}

	evalDeps, err := toJSON(t.EvalWDLDependencies)
	if err != nil {
		return nil, err
	}

	template := &store.Template{
		PipelineID:          pipelineID,
		Name:                t.Name,
		Description:         t.Description,
		TestWDL:             t.TestWDL,
		EvalWDL:             t.EvalWDL,
		TestWDLDependencies: testDeps,
		EvalWDLDependencies: evalDeps,
	}
	if err := w.tx.CreateTemplate(ctx, template); err != nil {
		return nil, err
	}

	w.created("template", t.Name)

	names := make([]string, 0, len(t.Results))
	for name := range t.Results {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		result, err := w.tx.GetResultByName(ctx, name)
		if err != nil {
			return nil, err
		}

		if err := w.tx.CreateTemplateResult(ctx, &store.TemplateResult{
			TemplateID: template.ID,
			ResultID:   result.ID,
			ResultKey:  t.Results[name],
		}); err != nil {
			return nil, err
		}
	}

	for _, name := range t.Reports {
		report, err := w.tx.GetReportByName(ctx, name)
		if err != nil {
			return nil, err
		}

		if err := w.tx.CreateTemplateReport(ctx, &store.TemplateReport{
			TemplateID: template.ID,
			ReportID:   report.ID,
		}); err != nil {
			return nil, err
		}
	}

	return template, nil
}

func (w *writer) test(ctx context.Context, templateID uint, t Test) error {
	_, err := w.tx.GetTestByName(ctx, t.Name)
	if found, err := w.exists(err); found || err != nil {
		return err
	}

	test := &store.Test{
		TemplateID:  templateID,
		Name:        t.Name,
		Description: t.Description,
	}

	fields := []struct {
		dst *datatypes.JSON
		src map[string]any
	}{
		{&test.TestInputDefaults, t.TestInputDefaults},
		{&test.EvalInputDefaults, t.EvalInputDefaults},
		{&test.TestOptionDefaults, t.TestOptionDefaults},
		{&test.EvalOptionDefaults, t.EvalOptionDefaults},
	}

	for _, f := range fields {
		encoded, err := toJSON(f.src)
		if err != nil {
			return fmt.Errorf("encoding defaults of test %q: %w", t.Name, err)
		}

		*f.dst = encoded
	}

	if err := w.tx.CreateTest(ctx, test); err != nil {
		return err
	}

	w.created("test", t.Name)

	return nil
}

func (w *writer) subscription(ctx context.Context, sub Subscription) error {
	var id uint

	switch sub.EntityType {
	case store.EntityPipeline:
		p, err := w.tx.GetPipelineByName(ctx, sub.Entity)
		if err != nil {
			return err
		}

		id = p.ID
	case store.EntityTemplate:
		t, err := w.tx.GetTemplateByName(ctx, sub.Entity)
		if err != nil {
			return err
		}

		id = t.ID
	case store.EntityTest:
		t, err := w.tx.GetTestByName(ctx, sub.Entity)
		if err != nil {
			return err
		}

		id = t.ID
	default:
		return fmt.Errorf("unknown entity type %q", sub.EntityType)
	}

	// CreateSubscription returns the existing row for duplicates.
	return w.tx.CreateSubscription(ctx, &store.Subscription{
		EntityType: sub.EntityType,
		EntityID:   id,
		Email:      sub.Email,
	})
}

// toJSON encodes v, leaving empty values unset.
func toJSON(v any) (datatypes.JSON, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return datatypes.JSON(data), nil
}
