// Package storetest provides an in-memory store for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/store"
)

// New returns a started store backed by an in-memory SQLite database that is
// closed when the test finishes.
func New(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	s := store.NewStore(Logger(), cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// Logger returns a logger that only reports errors.
func Logger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// Catalog is a minimal pipeline/template/test chain.
type Catalog struct {
	Pipeline *store.Pipeline
	Template *store.Template
	Test     *store.Test
}

// SeedCatalog creates a pipeline, template and test named after name.
func SeedCatalog(t *testing.T, s store.Store, name string) *Catalog {
	t.Helper()

	ctx := context.Background()

	pipeline := &store.Pipeline{Name: name + "_pipeline"}
	require.NoError(t, s.CreatePipeline(ctx, pipeline))

	template := &store.Template{
		PipelineID: pipeline.ID,
		Name:       name + "_template",
		TestWDL:    "https://example.com/" + name + "/test.wdl",
		EvalWDL:    "https://example.com/" + name + "/eval.wdl",
	}
	require.NoError(t, s.CreateTemplate(ctx, template))

	test := &store.Test{
		TemplateID: template.ID,
		Name:       name,
	}
	require.NoError(t, s.CreateTest(ctx, test))

	return &Catalog{Pipeline: pipeline, Template: template, Test: test}
}
