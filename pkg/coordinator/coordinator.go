// Package coordinator runs work items, either one after another in this
// process or by handing them to a dispatcher for remote workers.
package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Routing metadata attached to every dispatched item.
const (
	Queue      = "mkpipe_queue"
	Exchange   = "mkpipe_exchange"
	RoutingKey = "mkpipe"
)

// Coordinator modes accepted in settings.run_coordinator.
const (
	ModeSingle      = "single"
	ModeDistributed = "distributed"
	ModeCelery      = "celery"
)

// Route says where a dispatched item goes.
type Route struct {
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// DefaultRoute returns the fixed mkpipe route.
func DefaultRoute() Route {
	return Route{Queue: Queue, Exchange: Exchange, RoutingKey: RoutingKey}
}

// Outcome is how one item finished.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	// OutcomeEmpty means extraction produced no data; nothing was loaded.
	OutcomeEmpty
	OutcomeLoaded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeLoaded:
		return "loaded"
	}
	return "failed"
}

// Report summarises a Run.
type Report struct {
	Total      int
	Succeeded  int
	Empty      int
	Failed     int
	Dispatched int
	// Group tracks dispatched items; nil in single mode.
	Group GroupHandle
}

func (r *Report) record(o Outcome) {
	switch o {
	case OutcomeLoaded:
		r.Succeeded++
	case OutcomeEmpty:
		r.Empty++
	default:
		r.Failed++
	}
}

// Runner executes or dispatches a list of work items.
type Runner interface {
	Run(ctx context.Context, items []*jobgraph.WorkItem) (*Report, error)
}

// Deps collects what New may need for either mode.
type Deps struct {
	Registry   *plugin.Registry
	Stores     *manifest.Pool
	Dispatcher Dispatcher
	Log        *logrus.Entry
}

// New returns the Runner selected by settings.RunCoordinator.
func New(settings config.Settings, deps Deps) (Runner, error) {
	log := deps.Log
	if log == nil {
		log = logrus.WithField("component", "coordinator")
	}

	switch mode := strings.ToLower(settings.RunCoordinator); mode {
	case "", ModeSingle:
		return NewSingle(deps.Registry, deps.Stores, log), nil
	case ModeDistributed, ModeCelery:
		if deps.Dispatcher == nil {
			return nil, fmt.Errorf("run coordinator %q needs a dispatcher", mode)
		}
		return &Distributed{Dispatcher: deps.Dispatcher, Log: log}, nil
	default:
		return nil, fmt.Errorf("unsupported run coordinator: %s", settings.RunCoordinator)
	}
}
