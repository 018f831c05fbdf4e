package coordinator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
)

// Task is one dispatched unit of work.
type Task struct {
	Item     *jobgraph.WorkItem `json:"item"`
	Priority int                `json:"priority"`
	Route    Route              `json:"route"`
}

// Progress counts the items of a group.
type Progress struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
}

// Finished reports whether every item has completed one way or the other.
func (p Progress) Finished() bool {
	return p.Done+p.Failed >= p.Total
}

// GroupHandle tracks the items dispatched by one run.
type GroupHandle interface {
	ID() string
	// Progress returns the current counts.
	Progress(ctx context.Context) (Progress, error)
	// Wait blocks until every item has finished or ctx is done.
	Wait(ctx context.Context) (Progress, error)
}

// Dispatcher hands tasks to remote workers.
type Dispatcher interface {
	NewGroup(ctx context.Context, size int) (GroupHandle, error)
	Dispatch(ctx context.Context, group GroupHandle, task Task) (string, error)
}

// Distributed dispatches every item and returns without waiting.
type Distributed struct {
	Dispatcher Dispatcher
	Log        *logrus.Entry
}

// Run implements Runner. The returned report's Group lets the caller wait.
func (d *Distributed) Run(ctx context.Context, items []*jobgraph.WorkItem) (*Report, error) {
	report := &Report{Total: len(items)}
	if len(items) == 0 {
		return report, nil
	}
	log := d.Log
	if log == nil {
		log = logrus.WithField("component", "coordinator")
	}

	group, err := d.Dispatcher.NewGroup(ctx, len(items))
	if err != nil {
		return report, fmt.Errorf("creating task group: %w", err)
	}
	report.Group = group

	route := DefaultRoute()
	for _, item := range items {
		id, err := d.Dispatcher.Dispatch(ctx, group, Task{Item: item, Priority: item.Priority, Route: route})
		if err != nil {
			return report, fmt.Errorf("dispatching %s: %w", item, err)
		}
		report.Dispatched++
		log.WithFields(logrus.Fields{
			"task_id":  id,
			"group_id": group.ID(),
			"pipeline": item.Pipeline,
			"table":    item.Table(),
			"priority": item.Priority,
			"queue":    route.Queue,
		}).Debug("Dispatched work item")
	}

	log.WithFields(logrus.Fields{
		"group_id": group.ID(),
		"tasks":    report.Dispatched,
	}).Info("Dispatched work items")
	return report, nil
}
