package mongodb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

type mockCollection struct {
	deletes   int
	inserts   [][]interface{}
	insertErr error
}

func (m *mockCollection) DeleteMany(context.Context, interface{}, ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	m.deletes++
	return &mongo.DeleteResult{DeletedCount: 5}, nil
}

func (m *mockCollection) InsertMany(_ context.Context, docs []interface{}, _ ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.inserts = append(m.inserts, docs)
	return &mongo.InsertManyResult{}, nil
}

func setup(t *testing.T, coll *mockCollection) (*Loader, manifest.Store, *string) {
	t.Helper()
	store, err := manifest.Open(context.Background(), manifest.Config{
		Backend: manifest.BackendFile,
		DSN:     filepath.Join(t.TempDir(), "manifest.json"),
	})
	require.NoError(t, err)
	var opened string
	l, err := newLoader(plugin.Deps{Manifest: store}, func(_ context.Context, name string) (collection, func(context.Context) error, error) {
		opened = name
		return coll, func(context.Context) error { return nil }, nil
	})
	require.NoError(t, err)
	return l, store, &opened
}

func rows(n int, method manifest.ReplicationMethod) *plugin.Batch {
	b := &plugin.Batch{
		Table: "orders", Target: "orders_docs", ReplicationMethod: method,
		Columns: []plugin.Column{{Name: "id", Type: plugin.TypeInt}, {Name: "sku", Type: plugin.TypeString}},
	}
	for i := 0; i < n; i++ {
		b.Rows = append(b.Rows, []any{int64(i), "sku"})
	}
	return b
}

func TestLoad_FullClearsThenInsertsInChunks(t *testing.T) {
	coll := &mockCollection{}
	l, store, opened := setup(t, coll)
	l.chunk = 2
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Load(context.Background(), rows(5, manifest.ReplicationFull), start))

	assert.Equal(t, "orders_docs", *opened)
	assert.Equal(t, 1, coll.deletes)
	require.Len(t, coll.inserts, 3)
	assert.Len(t, coll.inserts[2], 1)
	assert.Equal(t, bson.D{{Key: "id", Value: int64(0)}, {Key: "sku", Value: "sku"}, {Key: "etl_time", Value: start}}, coll.inserts[0][0])

	status, _, err := store.GetStatus(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, status)
}

func TestLoad_IncrementalKeepsExistingDocuments(t *testing.T) {
	coll := &mockCollection{}
	l, _, _ := setup(t, coll)

	require.NoError(t, l.Load(context.Background(), rows(3, manifest.ReplicationIncremental), time.Now()))
	assert.Zero(t, coll.deletes)
	require.Len(t, coll.inserts, 1)
}

func TestLoad_InsertFailureMarksFailed(t *testing.T) {
	coll := &mockCollection{insertErr: errors.New("E11000 duplicate key")}
	l, store, _ := setup(t, coll)

	err := l.Load(context.Background(), rows(1, manifest.ReplicationIncremental), time.Now())
	require.ErrorContains(t, err, "E11000")

	e, err := store.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, e.Status)
	assert.Contains(t, e.ErrorMessage.String, "inserting documents 0-1 into orders_docs")
}

func TestNewLoader_RequiresURIAndDatabase(t *testing.T) {
	deps := plugin.Deps{Manifest: &manifest.FileStore{}}
	_, err := NewLoader(config.LoaderConfig{}, deps)
	assert.EqualError(t, err, "missing 'uri' in MongoDB connection")

	_, err = NewLoader(config.LoaderConfig{Connection: config.ConnectionParams{URI: "mongodb://localhost"}}, deps)
	assert.EqualError(t, err, "missing 'database' in MongoDB connection")
}
