// Package jobgraph expands a job document into prioritized work items, one
// per (pipeline, table) pair.
package jobgraph

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
	"github.com/withObsrvr/mkpipe/pkg/priority"
)

// ErrNoWorkItems is returned when nothing survived filtering and resolution.
var ErrNoWorkItems = errors.New("no tasks were scheduled to run")

// WorkItem is one extract-then-load unit for a single table.
type WorkItem struct {
	Pipeline         string                 `json:"pipeline"`
	Priority         int                    `json:"priority"`
	ExtractorVariant string                 `json:"extractor_variant"`
	Extractor        config.ExtractorConfig `json:"extractor"`
	LoaderVariant    string                 `json:"loader_variant"`
	Loader           config.LoaderConfig    `json:"loader"`
	Settings         config.Settings        `json:"settings"`
	Manifest         manifest.Config        `json:"manifest"`
	Data             *plugin.Batch          `json:"-"`
}

// Table is the name of the item's single table.
func (w *WorkItem) Table() string {
	if w.Extractor.Table == nil {
		return ""
	}
	return w.Extractor.Table.Name
}

// String identifies the item in logs.
func (w *WorkItem) String() string {
	return fmt.Sprintf("%s/%s", w.Pipeline, w.Table())
}

// Builder turns a document into work items.
type Builder struct {
	Log *logrus.Entry
}

// NewBuilder returns a Builder logging through log, or the standard logger
// when log is nil.
func NewBuilder(log *logrus.Entry) *Builder {
	if log == nil {
		log = logrus.WithField("component", "jobgraph")
	}
	return &Builder{Log: log}
}

type resolveError struct {
	key   string
	value string
	msg   string
}

func (e *resolveError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.key, e.value, e.msg)
}

// Build expands doc. Pipelines whose loader, extractor or connections cannot
// be resolved are logged and skipped. Priorities follow configuration order.
func (b *Builder) Build(doc *config.Document, pipelines, tables NameSet) ([]*WorkItem, error) {
	if err := pipelines.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline selector: %w", err)
	}
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("table selector: %w", err)
	}
	log := b.Log
	if log == nil {
		log = logrus.WithField("component", "jobgraph")
	}

	manifestCfg, err := doc.ManifestConfig()
	if err != nil {
		return nil, fmt.Errorf("resolving manifest: %w", err)
	}

	assigner := priority.NewAssigner()
	var items []*WorkItem

	for _, job := range doc.Jobs {
		if !pipelines.Has(job.Name) {
			continue
		}
		jlog := log.WithField("pipeline", job.Name)
		jlog.Info("Running pipeline")

		loaderVariant, loaderCfg, err := resolveLoader(doc, job.LoadTask)
		if err != nil {
			jlog.WithField("load_task", job.LoadTask).WithError(err).Warn("Loader configuration issue, skipping pipeline")
			continue
		}
		extractorVariant, extractorCfg, err := resolveExtractor(doc, job.ExtractTask)
		if err != nil {
			jlog.WithField("extract_task", job.ExtractTask).WithError(err).Warn("Extractor configuration issue, skipping pipeline")
			continue
		}

		for _, table := range extractorCfg.Tables {
			if !tables.Has(table.Name) {
				continue
			}
			current := extractorCfg.Clone()
			t := table
			current.Table = &t
			current.Tables = nil

			items = append(items, &WorkItem{
				Pipeline:         job.Name,
				Priority:         assigner.Next(job.Priority),
				ExtractorVariant: extractorVariant,
				Extractor:        current,
				LoaderVariant:    loaderVariant,
				Loader:           loaderCfg.Clone(),
				Settings:         doc.Settings,
				Manifest:         manifestCfg,
			})
		}
	}

	if len(items) == 0 {
		return nil, ErrNoWorkItems
	}
	return items, nil
}

func resolveLoader(doc *config.Document, name string) (string, config.LoaderConfig, error) {
	def, ok := doc.Loaders[name]
	if !ok {
		return "", config.LoaderConfig{}, &resolveError{key: "loader", value: name, msg: "not found in loaders"}
	}
	if def.Variant == "" {
		return "", config.LoaderConfig{}, &resolveError{key: "variant", value: name, msg: "loader has no variant"}
	}
	conn, err := resolveConnection(doc, def.Config.ConnectionRef)
	if err != nil {
		return "", config.LoaderConfig{}, err
	}
	cfg := def.Config.Clone()
	cfg.Connection = conn
	return def.Variant, cfg, nil
}

func resolveExtractor(doc *config.Document, name string) (string, config.ExtractorConfig, error) {
	def, ok := doc.Extractors[name]
	if !ok {
		return "", config.ExtractorConfig{}, &resolveError{key: "extractor", value: name, msg: "not found in extractors"}
	}
	if def.Variant == "" {
		return "", config.ExtractorConfig{}, &resolveError{key: "variant", value: name, msg: "extractor has no variant"}
	}
	conn, err := resolveConnection(doc, def.Config.ConnectionRef)
	if err != nil {
		return "", config.ExtractorConfig{}, err
	}
	cfg := def.Config.Clone()
	cfg.Connection = conn
	return def.Variant, cfg, nil
}

func resolveConnection(doc *config.Document, ref string) (config.ConnectionParams, error) {
	if ref == "" {
		return config.ConnectionParams{}, &resolveError{key: "connection_ref", value: ref, msg: "missing"}
	}
	conn, ok := doc.Connections[ref]
	if !ok {
		return config.ConnectionParams{}, &resolveError{key: "connection_ref", value: ref, msg: "not found in connections"}
	}
	return conn.Clone(), nil
}
