package sqldb

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

func newManifest(t *testing.T) manifest.Store {
	t.Helper()
	s, err := manifest.Open(context.Background(), manifest.Config{
		Backend: manifest.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "manifest.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSource(t *testing.T, path string, stmts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
}

func testDeps(store manifest.Store) plugin.Deps {
	s := config.DefaultSettings()
	return plugin.Deps{Manifest: store, Settings: s}
}

func extractorConfig(path string, table config.TableSpec) config.ExtractorConfig {
	return config.ExtractorConfig{
		Connection: config.ConnectionParams{Variant: "sqlite", Path: path},
		Table:      &table,
	}
}

func TestExtractLoad_IncrementalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	seedSource(t, src,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT, amount REAL)`,
		`INSERT INTO orders VALUES (1, 'ada', 10.5), (2, 'bob', 20), (3, 'cy', 30.25)`,
	)
	store := newManifest(t)
	deps := testDeps(store)
	table := config.TableSpec{
		Name: "orders", TargetName: "orders_copy",
		ReplicationMethod: manifest.ReplicationIncremental,
		IterateColumn:     "id", IterateColumnType: "int", BatchSize: 2,
	}

	ex, err := NewExtractorFactory("sqlite")(extractorConfig(src, table), deps)
	require.NoError(t, err)
	batch, err := ex.Extract(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, batch.Len())
	assert.Equal(t, "orders_copy", batch.Target)
	require.NotNil(t, batch.Watermark)
	assert.Equal(t, manifest.Point{Value: "3", Type: "int"}, *batch.Watermark)
	assert.Equal(t, plugin.TypeInt, batch.Columns[0].Type)

	status, _, err := store.GetStatus(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusExtracted, status)

	ld, err := NewLoaderFactory("sqlite")(config.LoaderConfig{
		Connection: config.ConnectionParams{Variant: "sqlite", Path: dst},
	}, deps)
	require.NoError(t, err)
	require.NoError(t, ld.Load(ctx, batch, time.Now()))

	e, err := store.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, e.Status)
	assert.Equal(t, "3", e.LastPoint.String)
	assert.False(t, e.ErrorMessage.Valid)

	db, err := sql.Open("sqlite3", dst)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "orders_copy"`).Scan(&n))
	assert.Equal(t, 3, n)

	// only rows past the watermark come back on the next run
	seedSource(t, src, `INSERT INTO orders VALUES (4, 'dee', 1)`)
	batch, err = ex.Extract(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, batch.Len())
	assert.Equal(t, int64(4), batch.Rows[0][0])
	require.NoError(t, ld.Load(ctx, batch, time.Now()))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "orders_copy"`).Scan(&n))
	assert.Equal(t, 4, n)

	// nothing new: the table is completed without a load
	batch, err = ex.Extract(ctx)
	require.NoError(t, err)
	assert.True(t, batch.Empty())
	e, err = store.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCompleted, e.Status)
	assert.Equal(t, "4", e.LastPoint.String)
}

func TestLoad_FullReplacesRows(t *testing.T) {
	ctx := context.Background()
	dst := filepath.Join(t.TempDir(), "dst.db")
	store := newManifest(t)
	ld, err := NewLoaderFactory("sqlite")(config.LoaderConfig{
		Connection: config.ConnectionParams{Path: dst},
	}, testDeps(store))
	require.NoError(t, err)

	batch := &plugin.Batch{
		Table: "users", Target: "users", ReplicationMethod: manifest.ReplicationFull,
		Columns: []plugin.Column{{Name: "id", Type: plugin.TypeInt}, {Name: "name", Type: plugin.TypeString}},
		Rows:    [][]any{{int64(1), "a"}, {int64(2), "b"}},
	}
	require.NoError(t, ld.Load(ctx, batch, time.Now()))
	batch.Rows = [][]any{{int64(3), "c"}}
	require.NoError(t, ld.Load(ctx, batch, time.Now()))

	db, err := sql.Open("sqlite3", dst)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestExtract_FailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "src.db")
	seedSource(t, src, `CREATE TABLE other (id INTEGER)`)
	store := newManifest(t)

	ex, err := NewExtractorFactory("sqlite")(extractorConfig(src, config.TableSpec{Name: "missing"}), testDeps(store))
	require.NoError(t, err)
	_, err = ex.Extract(ctx)
	require.Error(t, err)

	e, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusFailed, e.Status)
	assert.Contains(t, e.ErrorMessage.String, "no such table")
}

func TestExtract_InFlightTableIsNotTouched(t *testing.T) {
	ctx := context.Background()
	store := newManifest(t)
	_, _, err := tracker.New(store, "orders", manifest.ReplicationFull, nil).Begin(ctx)
	require.NoError(t, err)

	ex, err := NewExtractorFactory("sqlite")(extractorConfig("/nonexistent/src.db", config.TableSpec{Name: "orders"}), testDeps(store))
	require.NoError(t, err)
	_, err = ex.Extract(ctx)
	assert.ErrorIs(t, err, tracker.ErrInFlight)

	status, _, err := store.GetStatus(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusExtracting, status)
}

func TestExtractor_PostgresQueryUsesNumberedPlaceholder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newManifest(t)
	ctx := context.Background()
	_, err = store.Upsert(ctx, manifest.Update{
		TableName: "public.events", Status: manifest.StatusCompleted,
		ReplicationMethod: manifest.ReplicationIncremental,
	})
	require.NoError(t, err)
	tr := tracker.New(store, "public.events", manifest.ReplicationIncremental, nil)
	require.NoError(t, tr.Completed(ctx, &manifest.Point{Value: "41", Type: "int"}))

	d, err := lookupDialect("postgres")
	require.NoError(t, err)
	table := config.TableSpec{
		Name: "public.events", ReplicationMethod: manifest.ReplicationIncremental,
		IterateColumn: "seq", IterateColumnType: "int", BatchSize: 10,
	}
	ex, err := newExtractor(config.ExtractorConfig{Table: &table}, testDeps(store), d, func() (*sql.DB, error) { return db, nil })
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."events" WHERE "seq" > $1 ORDER BY "seq" LIMIT 10 OFFSET 0`)).
		WithArgs(int64(41)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "payload"}).AddRow(int64(42), "x").AddRow(int64(43), "y"))

	batch, err := ex.Extract(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, "43", batch.Watermark.Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoader_Statements(t *testing.T) {
	cols := []plugin.Column{{Name: "id", Type: plugin.TypeInt}, {Name: "at", Type: plugin.TypeDatetime}}

	pg := &Loader{d: dialects["postgres"]}
	assert.Equal(t, `INSERT INTO "t" ("id", "at", "etl_time") VALUES ($1, $2, $3)`, pg.insert(`"t"`, cols))
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "t" ("id" BIGINT, "at" TIMESTAMPTZ, "etl_time" TIMESTAMPTZ)`, pg.createTable(`"t"`, cols))

	ch := &Loader{d: dialects["clickhouse"]}
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "t" ("id" Nullable(Int64), "at" Nullable(DateTime64(6)), "etl_time" Nullable(DateTime64(6))) ENGINE = MergeTree() ORDER BY tuple()`,
		ch.createTable(`"t"`, cols))

	assert.Equal(t, `"public"."orders"`, Quote("public.orders"))
}
