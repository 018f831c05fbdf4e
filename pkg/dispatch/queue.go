package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/coordinator"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
)

// priorityBase separates priority bands in a sorted-set score. Millisecond
// timestamps stay below it for the next few centuries.
const priorityBase = 1e13

// Envelope is the JSON member stored in the queue.
type Envelope struct {
	ID         string             `json:"id"`
	GroupID    string             `json:"group_id"`
	Route      coordinator.Route  `json:"route"`
	Priority   int                `json:"priority"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	Item       *jobgraph.WorkItem `json:"item"`
}

// Score orders members so ZPOPMAX yields the highest priority first and the
// oldest member within a priority.
func Score(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*priorityBase + (priorityBase - float64(enqueuedAt.UnixMilli()))
}

// Queue is a coordinator.Dispatcher backed by Redis sorted sets.
type Queue struct {
	client Client
	ttl    time.Duration
	poll   time.Duration
	now    func() time.Time
	log    *logrus.Entry
}

// Option customises a Queue.
type Option func(*Queue)

// WithGroupTTL sets how long group counters live.
func WithGroupTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// WithPollInterval sets how often Wait polls group counters.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *logrus.Entry) Option {
	return func(q *Queue) { q.log = l }
}

// NewQueue returns a Queue on client.
func NewQueue(client Client, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		ttl:    config.DefaultGroupTTL,
		poll:   config.DefaultPollInterval,
		now:    time.Now,
		log:    logrus.WithField("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewGroup implements coordinator.Dispatcher.
func (q *Queue) NewGroup(ctx context.Context, size int) (coordinator.GroupHandle, error) {
	g := q.Group(uuid.NewString())
	if err := q.client.HSet(ctx, g.key, "total", size, "done", 0, "failed", 0).Err(); err != nil {
		return nil, fmt.Errorf("creating group %s: %w", g.id, err)
	}
	if err := q.client.Expire(ctx, g.key, q.ttl).Err(); err != nil {
		return nil, fmt.Errorf("setting ttl on group %s: %w", g.id, err)
	}
	return g, nil
}

// Group returns a handle on an existing group id.
func (q *Queue) Group(id string) *Group {
	return &Group{client: q.client, id: id, key: groupKey(id), poll: q.poll}
}

// Dispatch implements coordinator.Dispatcher.
func (q *Queue) Dispatch(ctx context.Context, group coordinator.GroupHandle, task coordinator.Task) (string, error) {
	env := Envelope{
		ID:         uuid.NewString(),
		GroupID:    group.ID(),
		Route:      task.Route,
		Priority:   task.Priority,
		EnqueuedAt: q.now().UTC(),
		Item:       task.Item,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	queue := task.Route.Queue
	if queue == "" {
		queue = coordinator.Queue
	}
	err = q.client.ZAdd(ctx, queue, redis.Z{Score: Score(env.Priority, env.EnqueuedAt), Member: string(payload)}).Err()
	if err != nil {
		return "", fmt.Errorf("enqueueing task on %s: %w", queue, err)
	}
	return env.ID, nil
}

// Pending returns the number of queued members on queue.
func (q *Queue) Pending(ctx context.Context, queue string) (int64, error) {
	return q.client.ZCard(ctx, queue).Result()
}

func groupKey(id string) string {
	return "mkpipe:group:" + id
}
