package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/coordinator"
	"github.com/withObsrvr/mkpipe/pkg/jobgraph"
)

func item(pipeline, table string, priority int) *jobgraph.WorkItem {
	spec := config.TableSpec{Name: table}
	return &jobgraph.WorkItem{
		Pipeline:         pipeline,
		Priority:         priority,
		ExtractorVariant: "sqlite",
		Extractor:        config.ExtractorConfig{Table: &spec},
		LoaderVariant:    "sqlite",
	}
}

func TestScore_PriorityThenFIFO(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Millisecond)

	assert.Greater(t, Score(199, t1), Score(198, t0), "higher priority wins regardless of age")
	assert.Greater(t, Score(199, t0), Score(199, t1), "older wins within a priority")
	assert.Greater(t, Score(1, t0), Score(0, t0))
}

func TestQueue_NewGroupAndDispatch(t *testing.T) {
	ctx := context.Background()
	rdb := newMockRedis()
	q := NewQueue(rdb, WithGroupTTL(time.Hour))
	fixed := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	g, err := q.NewGroup(ctx, 2)
	require.NoError(t, err)
	key := "mkpipe:group:" + g.ID()
	assert.Equal(t, map[string]string{"total": "2", "done": "0", "failed": "0"}, rdb.hash(key))
	assert.Equal(t, time.Hour, rdb.ttls[key])

	id, err := q.Dispatch(ctx, g, coordinator.Task{Item: item("p", "orders", 150), Priority: 150, Route: coordinator.DefaultRoute()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := q.Pending(ctx, coordinator.Queue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	for member, score := range rdb.zsets[coordinator.Queue] {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(member), &env))
		assert.Equal(t, id, env.ID)
		assert.Equal(t, g.ID(), env.GroupID)
		assert.Equal(t, 150, env.Priority)
		assert.Equal(t, coordinator.DefaultRoute(), env.Route)
		assert.True(t, env.EnqueuedAt.Equal(fixed))
		assert.Equal(t, "p/orders", env.Item.String())
		assert.Equal(t, Score(150, fixed), score)
	}
}

func TestQueue_NewGroupError(t *testing.T) {
	rdb := newMockRedis()
	rdb.hsetErr = errors.New("READONLY")
	_, err := NewQueue(rdb).NewGroup(context.Background(), 1)
	assert.ErrorContains(t, err, "READONLY")
}

func TestGroup_ProgressAndWait(t *testing.T) {
	ctx := context.Background()
	rdb := newMockRedis()
	q := NewQueue(rdb, WithPollInterval(time.Millisecond))

	h, err := q.NewGroup(ctx, 2)
	require.NoError(t, err)
	g := h.(*Group)

	p, err := g.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, coordinator.Progress{Total: 2}, p)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = g.record(ctx, false)
		_ = g.record(ctx, true)
	}()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p, err = g.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, coordinator.Progress{Total: 2, Done: 1, Failed: 1}, p)
}

func TestGroup_WaitHonoursContext(t *testing.T) {
	rdb := newMockRedis()
	q := NewQueue(rdb, WithPollInterval(time.Millisecond))
	h, err := q.NewGroup(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGroup_Expired(t *testing.T) {
	_, err := NewQueue(newMockRedis()).Group("gone").Progress(context.Background())
	assert.ErrorIs(t, err, ErrGroupExpired)
}

type recordingExecutor struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (e *recordingExecutor) Execute(_ context.Context, it *jobgraph.WorkItem) (coordinator.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, it.String())
	if e.fail[it.Table()] {
		return coordinator.OutcomeFailed, errors.New("boom")
	}
	return coordinator.OutcomeLoaded, nil
}

func TestWorker_ExecutesByPriorityAndCountsOutcomes(t *testing.T) {
	ctx := context.Background()
	rdb := newMockRedis()
	q := NewQueue(rdb, WithPollInterval(time.Millisecond))

	items := []*jobgraph.WorkItem{item("p", "low", 5), item("p", "high", 199), item("p", "bad", 100)}
	runner := &coordinator.Distributed{Dispatcher: q}
	report, err := runner.Run(ctx, items)
	require.NoError(t, err)
	require.Equal(t, 3, report.Dispatched)

	exec := &recordingExecutor{fail: map[string]bool{"bad": true}}
	logger, _ := logtest.NewNullLogger()
	w := NewWorker(rdb, exec, 1, logrus.NewEntry(logger))
	w.Block = time.Millisecond

	wctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p, err := report.Group.Wait(waitCtx)
	require.NoError(t, err)
	stop()
	require.NoError(t, <-done)

	assert.Equal(t, coordinator.Progress{Total: 3, Done: 2, Failed: 1}, p)
	assert.Equal(t, []string{"p/high", "p/bad", "p/low"}, exec.seen)
}

func TestWorker_ConcurrentSlotsDrainQueue(t *testing.T) {
	ctx := context.Background()
	rdb := newMockRedis()
	q := NewQueue(rdb, WithPollInterval(time.Millisecond))

	var items []*jobgraph.WorkItem
	for i := 0; i < 20; i++ {
		items = append(items, item("p", "t", 100))
	}
	report, err := (&coordinator.Distributed{Dispatcher: q}).Run(ctx, items)
	require.NoError(t, err)

	exec := &recordingExecutor{}
	w := NewWorker(rdb, exec, 4, nil)
	w.Block = time.Millisecond
	wctx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p, err := report.Group.Wait(waitCtx)
	require.NoError(t, err)
	stop()
	require.NoError(t, <-done)

	assert.Equal(t, 20, p.Done)
	assert.Len(t, exec.seen, 20)
}

func TestWorker_HandleBadMembers(t *testing.T) {
	rdb := newMockRedis()
	exec := &recordingExecutor{}
	logger, hook := logtest.NewNullLogger()
	w := NewWorker(rdb, exec, 1, logrus.NewEntry(logger))
	log := logrus.NewEntry(logger)

	w.Handle(context.Background(), "not json", log)
	assert.Empty(t, rdb.hashes)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Dropping undecodable task", hook.LastEntry().Message)

	w.Handle(context.Background(), `{"id":"t1","group_id":"g1","item":{"priority":"high"}}`, log)
	assert.Equal(t, map[string]string{"failed": "1"}, rdb.hash("mkpipe:group:g1"))
	assert.Empty(t, exec.seen)
}
