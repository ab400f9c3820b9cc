// Package catalog loads pipeline, template, test and software definitions
// from a YAML file and seeds them into the store.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/regressoor/pkg/store"
)

// Catalog is the root of a catalog file.
type Catalog struct {
	Software      []Software     `yaml:"software"`
	Results       []Result       `yaml:"results"`
	Reports       []Report       `yaml:"reports"`
	Pipelines     []Pipeline     `yaml:"pipelines"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// Software is a buildable source repository.
type Software struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	RepositoryURL string `yaml:"repository_url"`
}

// Result is a named value that eval workflows produce.
type Result struct {
	Name        string           `yaml:"name"`
	Type        store.ResultType `yaml:"type"`
	Description string           `yaml:"description"`
}

// Report is a notebook rendered after successful runs. Notebook is a
// location; relative paths are resolved against the catalog file.
type Report struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Notebook    string         `yaml:"notebook"`
	Config      map[string]any `yaml:"config"`
}

// Pipeline groups templates.
type Pipeline struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Templates   []Template `yaml:"templates"`
}

// Template defines the test and eval workflows of its tests. Results maps
// result names to eval output keys; Reports names reports by name.
type Template struct {
	Name                string            `yaml:"name"`
	Description         string            `yaml:"description"`
	TestWDL             string            `yaml:"test_wdl"`
	EvalWDL             string            `yaml:"eval_wdl"`
	TestWDLDependencies []string          `yaml:"test_wdl_dependencies"`
	EvalWDLDependencies []string          `yaml:"eval_wdl_dependencies"`
	Results             map[string]string `yaml:"results"`
	Reports             []string          `yaml:"reports"`
	Tests               []Test            `yaml:"tests"`
}

// Test binds default inputs and options to a template.
type Test struct {
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	TestInputDefaults  map[string]any `yaml:"test_input_defaults"`
	EvalInputDefaults  map[string]any `yaml:"eval_input_defaults"`
	TestOptionDefaults map[string]any `yaml:"test_option_defaults"`
	EvalOptionDefaults map[string]any `yaml:"eval_option_defaults"`
}

// Subscription subscribes Email to the pipeline, template or test called
// Entity.
type Subscription struct {
	EntityType store.EntityType `yaml:"entity_type"`
	Entity     string           `yaml:"entity"`
	Email      string           `yaml:"email"`
}

// Load reads, validates and resolves the catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	cat, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cat.resolveLocations(filepath.Dir(path))

	return cat, nil
}

// Parse decodes and validates a catalog document. Unknown keys are
// rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}

	return &cat, nil
}

// Validate checks required fields and cross references.
func (c *Catalog) Validate() error {
	var errs []error

	software := make(map[string]bool, len(c.Software))
	for i, sw := range c.Software {
		if sw.Name == "" || sw.RepositoryURL == "" {
			errs = append(errs, fmt.Errorf("software[%d]: name and repository_url are required", i))
		}

		software[sw.Name] = true
	}

	results := make(map[string]bool, len(c.Results))
	for i, r := range c.Results {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("results[%d]: name is required", i))
		}

		if !r.Type.Valid() {
			errs = append(errs, fmt.Errorf("result %q: unknown type %q", r.Name, r.Type))
		}

		results[r.Name] = true
	}

	reports := make(map[string]bool, len(c.Reports))
	for i, r := range c.Reports {
		if r.Name == "" || r.Notebook == "" {
			errs = append(errs, fmt.Errorf("reports[%d]: name and notebook are required", i))
		}

		reports[r.Name] = true
	}

	entities := map[store.EntityType]map[string]bool{
		store.EntityPipeline: {},
		store.EntityTemplate: {},
		store.EntityTest:     {},
	}

	for i, p := range c.Pipelines {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d]: name is required", i))
		}

		entities[store.EntityPipeline][p.Name] = true

		for _, t := range p.Templates {
			errs = append(errs, t.validate(results, reports)...)
			entities[store.EntityTemplate][t.Name] = true

			for j, test := range t.Tests {
				if test.Name == "" {
					errs = append(errs, fmt.Errorf("template %q: tests[%d]: name is required", t.Name, j))
				}

				entities[store.EntityTest][test.Name] = true
			}
		}
	}

	for i, sub := range c.Subscriptions {
		names, ok := entities[sub.EntityType]
		if !ok {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: unknown entity_type %q", i, sub.EntityType))

			continue
		}

		if !names[sub.Entity] {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: %s %q is not in the catalog", i, sub.EntityType, sub.Entity))
		}

		if sub.Email == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: email is required", i))
		}
	}

	return errors.Join(errs...)
}

func (t *Template) validate(results, reports map[string]bool) []error {
	var errs []error

	if t.Name == "" || t.TestWDL == "" || t.EvalWDL == "" {
		errs = append(errs, fmt.Errorf("template %q: name, test_wdl and eval_wdl are required", t.Name))
	}

	for name, key := range t.Results {
		if !results[name] {
			errs = append(errs, fmt.Errorf("template %q: unknown result %q", t.Name, name))
		}

		if key == "" {
			errs = append(errs, fmt.Errorf("template %q: result %q has no output key", t.Name, name))
		}
	}

	for _, name := range t.Reports {
		if !reports[name] {
			errs = append(errs, fmt.Errorf("template %q: unknown report %q", t.Name, name))
		}
	}

	return errs
}

// resolveLocations makes relative local paths absolute against dir.
func (c *Catalog) resolveLocations(dir string) {
	for i := range c.Reports {
		c.Reports[i].Notebook = resolve(dir, c.Reports[i].Notebook)
	}

	for i := range c.Pipelines {
		for j := range c.Pipelines[i].Templates {
			t := &c.Pipelines[i].Templates[j]
			t.TestWDL = resolve(dir, t.TestWDL)
			t.EvalWDL = resolve(dir, t.EvalWDL)

			for k := range t.TestWDLDependencies {
				t.TestWDLDependencies[k] = resolve(dir, t.TestWDLDependencies[k])
			}

			for k := range t.EvalWDLDependencies {
				t.EvalWDLDependencies[k] = resolve(dir, t.EvalWDLDependencies[k])
			}
		}
	}
}

func resolve(dir, location string) string {
	if strings.Contains(location, "://") || filepath.IsAbs(location) {
		return location
	}

	return filepath.Join(dir, location)
}
