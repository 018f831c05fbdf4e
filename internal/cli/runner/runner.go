// Package runner carries out the mkpipe commands: it loads a job file, builds
// the work items and hands them to the configured coordinator.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	cliconfig "github.com/withObsrvr/mkpipe/internal/cli/config"
	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/coordinator"
	"github.com/withObsrvr/mkpipe/pkg/dispatch"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// ErrItemsFailed is returned by Run when at least one item failed.
var ErrItemsFailed = errors.New("work items failed")

// Options configure a Runner.
type Options struct {
	ConfigFile string
	// Pipelines and Tables are comma separated selectors; empty selects all.
	Pipelines string
	Tables    string
	// Wait blocks a distributed run until every dispatched item finished.
	Wait     bool
	Settings cliconfig.Settings
}

// Runner executes mkpipe commands against one job file.
type Runner struct {
	opts     Options
	registry *plugin.Registry
	stores   *manifest.Pool
	log      *logrus.Entry

	// connect opens the dispatch client; swapped in tests.
	connect func(ctx context.Context, ep config.RedisEndpoint) (dispatch.Client, error)

	doc *config.Document
}

// New returns a Runner using reg for connector lookups.
func New(opts Options, reg *plugin.Registry) *Runner {
	if reg == nil {
		reg = plugin.Default
	}
	if opts.Settings.PluginDir != "" {
		reg.SetPluginDir(opts.Settings.PluginDir)
	}
	return &Runner{
		opts:     opts,
		registry: reg,
		stores:   manifest.NewPool(),
		log:      logrus.WithField("component", "runner"),
		connect: func(ctx context.Context, ep config.RedisEndpoint) (dispatch.Client, error) {
			return dispatch.Connect(ctx, ep)
		},
	}
}

// Close releases the manifest stores opened by the runner.
func (r *Runner) Close() error {
	return r.stores.Close()
}

// Validate loads and validates the job file.
func (r *Runner) Validate() (*config.LoadResult, error) {
	return config.Load(r.opts.ConfigFile, r.opts.Settings.LoadOptions())
}

// Check parses the job file and returns every validation problem instead of
// stopping at the first failure.
func (r *Runner) Check() (*config.ValidationResult, error) {
	data, err := os.ReadFile(r.opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	doc, err := config.Parse(data, r.opts.Settings.LoadOptions())
	if err != nil {
		return nil, err
	}
	return config.Validate(doc), nil
}

func (r *Runner) load() (*config.Document, error) {
	if r.doc != nil {
		return r.doc, nil
	}
	res, err := r.Validate()
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		r.log.Warn(w)
	}
	r.doc = res.Document
	return r.doc, nil
}

// Plan returns the work items Run would execute.
func (r *Runner) Plan() ([]*jobgraph.WorkItem, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	pipelines, err := jobgraph.ParseNameSet(r.opts.Pipelines)
	if err != nil {
		return nil, fmt.Errorf("--pipelines: %w", err)
	}
	tables, err := jobgraph.ParseNameSet(r.opts.Tables)
	if err != nil {
		return nil, fmt.Errorf("--tables: %w", err)
	}
	return jobgraph.NewBuilder(r.log.WithField("component", "jobgraph")).Build(doc, pipelines, tables)
}

// Run builds the work items for the selected pipelines and tables and runs
// them. An empty graph is logged and is not an error.
func (r *Runner) Run(ctx context.Context) (*coordinator.Report, error) {
	items, err := r.Plan()
	if errors.Is(err, jobgraph.ErrNoWorkItems) {
		r.log.Warn(err.Error())
		return &coordinator.Report{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := r.doc

	deps := coordinator.Deps{
		Registry: r.registry,
		Stores:   r.stores,
		Log:      r.log.WithField("component", "coordinator"),
	}
	if distributed(doc.Settings.RunCoordinator) {
		queue, closeFn, err := r.queue(ctx, doc)
		if err != nil {
			return nil, err
		}
		defer closeFn()
		deps.Dispatcher = queue
	}

	coord, err := coordinator.New(doc.Settings, deps)
	if err != nil {
		return nil, err
	}
	report, err := coord.Run(ctx, items)
	if err != nil {
		return report, err
	}

	if report.Group != nil && r.opts.Wait {
		r.log.WithField("group_id", report.Group.ID()).Info("Waiting for dispatched items")
		p, err := report.Group.Wait(ctx)
		if err != nil {
			return report, err
		}
		report.Succeeded, report.Failed = p.Done, p.Failed
		if p.Failed > 0 {
			return report, fmt.Errorf("%w: %d of %d", ErrItemsFailed, p.Failed, p.Total)
		}
	}
	return report, nil
}

// Work runs a distributed worker until ctx is cancelled.
func (r *Runner) Work(ctx context.Context, concurrency int) error {
	doc, err := r.load()
	if err != nil {
		return err
	}
	ep, err := doc.DispatchEndpoint(r.opts.Settings.RedisAddress)
	if err != nil {
		return err
	}
	client, err := r.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer client.Close()

	exec := coordinator.NewSingle(r.registry, r.stores, r.log.WithField("component", "coordinator"))
	return dispatch.NewWorker(client, exec, concurrency, r.log.WithField("component", "worker")).Run(ctx)
}

// Manifest opens the manifest store the job file points at.
func (r *Runner) Manifest(ctx context.Context) (manifest.Store, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	cfg, err := doc.ManifestConfig()
	if err != nil {
		return nil, err
	}
	return r.stores.Get(ctx, cfg)
}

func (r *Runner) queue(ctx context.Context, doc *config.Document) (*dispatch.Queue, func() error, error) {
	ep, err := doc.DispatchEndpoint(r.opts.Settings.RedisAddress)
	if err != nil {
		return nil, nil, err
	}
	client, err := r.connect(ctx, ep)
	if err != nil {
		return nil, nil, err
	}
	q := dispatch.NewQueue(client,
		dispatch.WithGroupTTL(doc.Settings.Dispatch.GroupTTL),
		dispatch.WithPollInterval(doc.Settings.Dispatch.PollInterval),
		dispatch.WithLogger(r.log.WithField("component", "dispatch")),
	)
	return q, client.Close, nil
}

func distributed(mode string) bool {
	switch strings.ToLower(mode) {
	case coordinator.ModeDistributed, coordinator.ModeCelery:
		return true
	}
	return false
}
