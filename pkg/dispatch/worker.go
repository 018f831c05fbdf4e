package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/mkpipe/pkg/coordinator"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
)

// Executor runs one work item. coordinator.Single satisfies it.
type Executor interface {
	Execute(ctx context.Context, item *jobgraph.WorkItem) (coordinator.Outcome, error)
}

// Worker pops queued items and executes them.
type Worker struct {
	Client      Client
	Executor    Executor
	Queue       string
	Concurrency int
	// Block is how long one BZPOPMAX waits before checking for shutdown.
	Block time.Duration
	Log   *logrus.Entry
}

// NewWorker returns a Worker on the default queue.
func NewWorker(client Client, exec Executor, concurrency int, log *logrus.Entry) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = logrus.WithField("component", "worker")
	}
	return &Worker{
		Client:      client,
		Executor:    exec,
		Queue:       coordinator.Queue,
		Concurrency: concurrency,
		Block:       5 * time.Second,
		Log:         log,
	}
}

// Run processes items until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Log.WithFields(logrus.Fields{"queue": w.Queue, "concurrency": w.Concurrency}).Info("Worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Concurrency; i++ {
		log := w.Log.WithField("slot", i)
		g.Go(func() error { return w.loop(ctx, log) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.Log.Info("Worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, log *logrus.Entry) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := w.Client.BZPopMax(ctx, w.Block, w.Queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("Failed to pop from queue, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.Block):
			}
			continue
		}

		member, _ := res.Member.(string)
		w.Handle(ctx, member, log)
	}
}

type rawEnvelope struct {
	ID       string          `json:"id"`
	GroupID  string          `json:"group_id"`
	Priority int             `json:"priority"`
	Item     json.RawMessage `json:"item"`
}

// Handle decodes and executes one queue member and records the outcome on its
// group.
func (w *Worker) Handle(ctx context.Context, member string, log *logrus.Entry) {
	var env rawEnvelope
	if err := json.Unmarshal([]byte(member), &env); err != nil || env.GroupID == "" {
		log.WithError(err).WithField("member", truncate(member, 200)).Error("Dropping undecodable task")
		return
	}
	group := &Group{client: w.Client, id: env.GroupID, key: groupKey(env.GroupID)}
	log = log.WithFields(logrus.Fields{"task_id": env.ID, "group_id": env.GroupID})

	var item jobgraph.WorkItem
	if err := json.Unmarshal(env.Item, &item); err != nil || env.Item == nil {
		log.WithError(err).Error("Task has an undecodable work item")
		w.record(ctx, group, true, log)
		return
	}

	outcome, err := w.Executor.Execute(ctx, &item)
	if err != nil {
		log.WithError(err).WithField("item", item.String()).Error("Work item failed")
	} else {
		log.WithFields(logrus.Fields{"item": item.String(), "outcome": outcome}).Info("Work item finished")
	}
	w.record(ctx, group, err != nil, log)
}

func (w *Worker) record(ctx context.Context, g *Group, failed bool, log *logrus.Entry) {
	// recorded even after cancellation
	if err := g.record(context.WithoutCancel(ctx), failed); err != nil {
		log.WithError(err).Error("Failed to update group progress")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
