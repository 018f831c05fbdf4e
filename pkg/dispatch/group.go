package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/withObsrvr/mkpipe/pkg/coordinator"
)

// ErrGroupExpired is returned when a group's counters are gone.
var ErrGroupExpired = errors.New("task group not found or expired")

// Group tracks the counters of one dispatched group.
type Group struct {
	client Client
	id     string
	key    string
	poll   time.Duration
}

// ID implements coordinator.GroupHandle.
func (g *Group) ID() string { return g.id }

// Progress implements coordinator.GroupHandle.
func (g *Group) Progress(ctx context.Context) (coordinator.Progress, error) {
	fields, err := g.client.HGetAll(ctx, g.key).Result()
	if err != nil {
		return coordinator.Progress{}, fmt.Errorf("reading group %s: %w", g.id, err)
	}
	if len(fields) == 0 {
		return coordinator.Progress{}, fmt.Errorf("%w: %s", ErrGroupExpired, g.id)
	}

	var p coordinator.Progress
	for name, dst := range map[string]*int{"total": &p.Total, "done": &p.Done, "failed": &p.Failed} {
		v, err := strconv.Atoi(fields[name])
		if err != nil {
			return coordinator.Progress{}, fmt.Errorf("group %s: bad %s counter %q", g.id, name, fields[name])
		}
		*dst = v
	}
	return p, nil
}

// Wait implements coordinator.GroupHandle.
func (g *Group) Wait(ctx context.Context) (coordinator.Progress, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		p, err := g.Progress(ctx)
		if err != nil {
			return p, err
		}
		if p.Finished() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Group) record(ctx context.Context, failed bool) error {
	field := "done"
	if failed {
		field = "failed"
	}
	return g.client.HIncrBy(ctx, g.key, field, 1).Err()
}
