package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Single runs items sequentially in the calling goroutine.
type Single struct {
	Registry *plugin.Registry
	Stores   *manifest.Pool
	Now      func() time.Time
	Log      *logrus.Entry
}

// NewSingle returns a Single using reg, or plugin.Default when reg is nil.
func NewSingle(reg *plugin.Registry, stores *manifest.Pool, log *logrus.Entry) *Single {
	if reg == nil {
		reg = plugin.Default
	}
	if stores == nil {
		stores = manifest.NewPool()
	}
	if log == nil {
		log = logrus.WithField("component", "coordinator")
	}
	return &Single{Registry: reg, Stores: stores, Now: time.Now, Log: log}
}

// Execute extracts item's table and loads the result when there is any.
// Failures are returned as-is; extractors and loaders record them in the
// manifest themselves.
func (s *Single) Execute(ctx context.Context, item *jobgraph.WorkItem) (Outcome, error) {
	log := s.Log.WithFields(logrus.Fields{
		"pipeline": item.Pipeline,
		"table":    item.Table(),
		"priority": item.Priority,
	})

	store, err := s.Stores.Get(ctx, item.Manifest)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: opening manifest: %w", item, err)
	}
	deps := plugin.Deps{Manifest: store, Settings: item.Settings, Log: log}

	// Everything that can fail without touching the manifest is resolved
	// first; once Extract runs, only connectors write phase transitions.
	extractor, err := s.Registry.NewExtractor(item.ExtractorVariant, item.Extractor, deps)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: building extractor: %w", item, err)
	}
	loader, err := s.Registry.NewLoader(item.LoaderVariant, item.Loader, deps)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: building loader: %w", item, err)
	}
	loc, err := item.Settings.Location()
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: %w", item, err)
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	startTime := now().In(loc)

	data, err := extractor.Extract(ctx)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: extract: %w", item, err)
	}
	item.Data = data
	log.WithField("rows", data.Len()).Info("Extracted data successfully")

	if data.Empty() {
		return OutcomeEmpty, nil
	}

	if err := loader.Load(ctx, data, startTime); err != nil {
		return OutcomeFailed, fmt.Errorf("%s: load: %w", item, err)
	}
	log.Info("Loaded data successfully")
	return OutcomeLoaded, nil
}

// Run executes items in order. A failed item does not stop the run; all
// failures are joined into the returned error.
func (s *Single) Run(ctx context.Context, items []*jobgraph.WorkItem) (*Report, error) {
	report := &Report{Total: len(items)}
	var errs []error

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		outcome, err := s.Execute(ctx, item)
		report.record(outcome)
		if err != nil {
			s.Log.WithError(err).WithField("item", item.String()).Error("Work item failed")
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}
