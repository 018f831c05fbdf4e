package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// mockRedis keeps sorted sets and hashes in memory.
type mockRedis struct {
	mu      sync.Mutex
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	ttls    map[string]time.Duration
	hsetErr error
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		zsets:  make(map[string]map[string]float64),
		hashes: make(map[string]map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (m *mockRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	for _, z := range members {
		set[z.Member.(string)] = z.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (m *mockRedis) ZCard(_ context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	return redis.NewIntResult(int64(len(m.zsets[key])), nil)
}

func (m *mockRedis) BZPopMax(ctx context.Context, _ time.Duration, keys ...string) *redis.ZWithKeyCmd {
	m.mu.Lock()
	for _, key := range keys {
		var (
			best  string
			score float64
			found bool
		)
		for member, s := range m.zsets[key] {
			if !found || s > score {
				best, score, found = member, s, true
			}
		}
		if found {
			delete(m.zsets[key], best)
			m.mu.Unlock()
			return redis.NewZWithKeyCmdResult(&redis.ZWithKey{Z: redis.Z{Score: score, Member: best}, Key: key}, nil)
		}
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return redis.NewZWithKeyCmdResult(nil, ctx.Err())
	case <-time.After(2 * time.Millisecond):
		return redis.NewZWithKeyCmdResult(nil, redis.Nil)
	}
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hsetErr != nil {
		return redis.NewIntResult(0, m.hsetErr)
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = toString(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (m *mockRedis) HIncrBy(_ context.Context, key, field string, incr int64) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += incr
	h[field] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (m *mockRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (m *mockRedis) Expire(_ context.Context, key string, d time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = d
	return redis.NewBoolResult(true, nil)
}

func (m *mockRedis) Close() error { return nil }

func (m *mockRedis) hash(key string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}
