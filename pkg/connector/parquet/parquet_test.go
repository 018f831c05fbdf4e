package parquet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

func newStore(t *testing.T) manifest.Store {
	t.Helper()
	s, err := manifest.Open(context.Background(), manifest.Config{
		Backend: manifest.BackendFile,
		DSN:     filepath.Join(t.TempDir(), "manifest.json"),
	})
	require.NoError(t, err)
	return s
}

func ordersBatch() *plugin.Batch {
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	return &plugin.Batch{
		Table:             "public.orders",
		Target:            "orders",
		ReplicationMethod: manifest.ReplicationIncremental,
		Columns: []plugin.Column{
			{Name: "id", Type: plugin.TypeInt},
			{Name: "total", Type: plugin.TypeFloat},
			{Name: "paid", Type: plugin.TypeBool},
			{Name: "note", Type: plugin.TypeString},
			{Name: "created_at", Type: plugin.TypeDatetime},
		},
		Rows: [][]any{
			{int64(1), 9.5, true, "first", at},
			{int64(2), nil, false, nil, at.Add(time.Hour)},
			{int64(3), int64(4), true, "third", "2024-05-01T10:30:00Z"},
		},
		Watermark: &manifest.Point{Value: "3", Type: "int"},
	}
}

func TestLoader_WritesParquetToFS(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newStore(t)
	settings := config.DefaultSettings()
	settings.CompressionCodec = "snappy"

	loader, err := NewLoader(config.LoaderConfig{
		Connection: config.ConnectionParams{Variant: "parquet", Storage: "fs", Path: dir},
		Extra:      map[string]any{"prefix": "exports"},
	}, plugin.Deps{Manifest: store, Settings: settings})
	require.NoError(t, err)

	start := time.Date(2024, 5, 2, 1, 2, 3, 0, time.UTC)
	require.NoError(t, loader.Load(ctx, ordersBatch(), start))

	path := filepath.Join(dir, "exports", "orders", "20240502T010203.parquet")
	rdr, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer rdr.Close()

	cc, err := rdr.MetaData().RowGroup(0).ColumnChunk(0)
	require.NoError(t, err)
	assert.Equal(t, compress.Codecs.Snappy, cc.Compression())

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(ctx)
	require.NoError(t, err)
	defer tbl.Release()

	assert.EqualValues(t, 3, tbl.NumRows())
	var names []string
	for _, f := range tbl.Schema().Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "total", "paid", "note", "created_at", "etl_time"}, names)

	e, err := store.Get(ctx, "public.orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, e.Status)
	assert.Equal(t, "3", e.LastPoint.String)
}

func TestLoader_StorageFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ld, err := newLoader(config.LoaderConfig{}, plugin.Deps{Manifest: store, Settings: config.DefaultSettings()},
		func(context.Context) (StorageClient, error) { return nil, errors.New("bucket missing") })
	require.NoError(t, err)

	err = ld.Load(ctx, ordersBatch(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket missing")

	e, err := store.Get(ctx, "public.orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, e.Status)
	assert.False(t, e.LastPoint.Valid)
}

func TestLoader_RejectsUnknownCodec(t *testing.T) {
	settings := config.DefaultSettings()
	settings.CompressionCodec = "rar"
	_, err := NewLoader(config.LoaderConfig{}, plugin.Deps{Manifest: newStore(t), Settings: settings})
	assert.EqualError(t, err, "unsupported compression codec: rar")
}

func TestBuildRecord_RejectsBadValues(t *testing.T) {
	b := &plugin.Batch{
		Columns: []plugin.Column{{Name: "id", Type: plugin.TypeInt}},
		Rows:    [][]any{{"not-a-number"}},
	}
	_, err := buildRecord(memory.NewGoAllocator(), b, time.Now())
	assert.ErrorContains(t, err, "row 0 column id")
}

func TestLocalFSClient_RejectsEscapingKeys(t *testing.T) {
	c, err := NewLocalFSClient(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, c.Write(context.Background(), "../outside.parquet", []byte("x")))
	assert.Error(t, c.Write(context.Background(), "/etc/passwd", []byte("x")))

	require.NoError(t, c.Write(context.Background(), "a/b.parquet", []byte("x")))
	p, err := c.Path("a/b.parquet")
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

type flakyClient struct{ fails int }

func (f *flakyClient) Write(context.Context, string, []byte) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("503")
	}
	return nil
}

func (f *flakyClient) Close() error { return nil }

func TestRetryingClient(t *testing.T) {
	c := &retryingClient{StorageClient: &flakyClient{fails: 2}, policy: retry.Policy{MaxAttempts: 3}}
	assert.NoError(t, c.Write(context.Background(), "k", nil))

	c = &retryingClient{StorageClient: &flakyClient{fails: 3}, policy: retry.Policy{MaxAttempts: 3}}
	assert.EqualError(t, c.Write(context.Background(), "k", nil), "503")
}

func TestNewStorageClient_UnknownType(t *testing.T) {
	_, err := NewStorageClient(context.Background(), config.ConnectionParams{Storage: "ftp"}, retry.Policy{})
	assert.EqualError(t, err, "unsupported storage type: ftp")
}
