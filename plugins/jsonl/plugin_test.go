package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// the registry asserts this exact type on the looked-up symbol
var _ func(config.LoaderConfig, plugin.Deps) (plugin.Loader, error) = NewLoader

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestLoader_AppendsIncrementalAndRewritesFull(t *testing.T) {
	dir := t.TempDir()
	store, err := manifest.NewFileStore(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))

	ld, err := NewLoader(config.LoaderConfig{Connection: config.ConnectionParams{Path: filepath.Join(dir, "out")}},
		plugin.Deps{Manifest: store})
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	batch := func(method manifest.ReplicationMethod, ids ...int64) *plugin.Batch {
		b := &plugin.Batch{Table: "orders", ReplicationMethod: method, Columns: []plugin.Column{{Name: "id", Type: plugin.TypeInt}}}
		for _, id := range ids {
			b.Rows = append(b.Rows, []any{id})
		}
		return b
	}

	ctx := context.Background()
	require.NoError(t, ld.Load(ctx, batch(manifest.ReplicationIncremental, 1, 2), start))
	require.NoError(t, ld.Load(ctx, batch(manifest.ReplicationIncremental, 3), start))

	path := filepath.Join(dir, "out", "orders.jsonl")
	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, float64(3), lines[2]["id"])
	assert.Equal(t, "2024-05-01T08:00:00Z", lines[0]["etl_time"])

	require.NoError(t, ld.Load(ctx, batch(manifest.ReplicationFull, 7), start))
	assert.Len(t, readLines(t, path), 1)

	e, err := store.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, e.Status)
}

func TestNewLoader_RequiresPath(t *testing.T) {
	_, err := NewLoader(config.LoaderConfig{}, plugin.Deps{})
	assert.EqualError(t, err, "missing 'path' in jsonl connection")
}
