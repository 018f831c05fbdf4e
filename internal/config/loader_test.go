package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/retry"
)

const envDoc = `
default_environment: dev
prod:
  settings:
    run_coordinator: distributed
  connections:
    src: {variant: sqlite, path: /data/prod.db}
  extractors: {}
  loaders: {}
  jobs: []
dev:
  settings:
    timezone: Europe/Istanbul
    manifest:
      stale_after: 2h
      retry:
        max_attempts: 3
        delay: 250ms
  connections:
    src:
      variant: postgresql
      host: db.internal
      port: 5432
      database: shop
      user: etl
      password: ${MKPIPE_TEST_PASSWORD}
      application_name: mkpipe
    dst:
      variant: sqlite
      path: ${MKPIPE_TEST_MISSING:-/tmp/out.db}
  extractors:
    shop_pg:
      variant: postgres
      config:
        connection_ref: src
        fetchsize: 1000
        tables:
          - name: public.orders
            target_name: orders
            replication_method: incremental
            iterate_column: updated_at
            iterate_column_type: datetime
          - name: public.customers
  loaders:
    local:
      variant: sqlite
      config:
        connection_ref: dst
  jobs:
    - name: daily_sync
      extract_task: shop_pg
      load_task: local
      priority: 7
`

func TestParse_SelectsDefaultEnvironment(t *testing.T) {
	t.Setenv("MKPIPE_TEST_PASSWORD", "s3cret")

	doc, err := Parse([]byte(envDoc), DefaultLoadOptions())
	require.NoError(t, err)

	assert.Equal(t, "dev", doc.Environment)
	assert.Equal(t, "single", doc.Settings.RunCoordinator)
	assert.Equal(t, "Europe/Istanbul", doc.Settings.Timezone)
	assert.Equal(t, 2*time.Hour, doc.Settings.Manifest.StaleAfter)
	assert.Equal(t, retry.Policy{MaxAttempts: 3, Delay: 250 * time.Millisecond}, doc.Settings.Manifest.Retry)

	src := doc.Connections["src"]
	assert.Equal(t, "s3cret", src.Password)
	assert.Equal(t, 5432, src.Port)
	assert.Equal(t, "mkpipe", src.String("application_name", ""))
	assert.Equal(t, "/tmp/out.db", doc.Connections["dst"].Path)

	ex := doc.Extractors["shop_pg"]
	assert.Equal(t, "postgres", ex.Variant)
	require.Len(t, ex.Config.Tables, 2)
	assert.Equal(t, "orders", ex.Config.Tables[0].Target())
	assert.Equal(t, manifest.ReplicationIncremental, ex.Config.Tables[0].Method())
	assert.Equal(t, "public.customers", ex.Config.Tables[1].Target())
	assert.Equal(t, manifest.ReplicationFull, ex.Config.Tables[1].Method())
	assert.Equal(t, "1000", ex.Config.String("fetchsize", ""))

	require.Len(t, doc.Jobs, 1)
	require.NotNil(t, doc.Jobs[0].Priority)
	assert.Equal(t, 7, *doc.Jobs[0].Priority)
}

func TestParse_FallsBackToProd(t *testing.T) {
	doc, err := Parse([]byte(`
prod:
  settings: {run_coordinator: celery}
  jobs: []
`), DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, "prod", doc.Environment)
	assert.Equal(t, "celery", doc.Settings.RunCoordinator)
}

func TestParse_FlatDocument(t *testing.T) {
	doc, err := Parse([]byte(`
jobs:
  - {name: a, extract_task: e, load_task: l}
`), DefaultLoadOptions())
	require.NoError(t, err)
	assert.Empty(t, doc.Environment)
	assert.Len(t, doc.Jobs, 1)
}

func TestParse_MissingEnvironment(t *testing.T) {
	_, err := Parse([]byte("default_environment: staging\nprod: {}\n"), DefaultLoadOptions())
	assert.ErrorContains(t, err, `environment "staging" not found`)
}

func TestParse_AppliesDefaults(t *testing.T) {
	doc, err := Parse([]byte("prod:\n  jobs: []\n"), LoadOptions{Timezone: "Asia/Tokyo"})
	require.NoError(t, err)

	s := doc.Settings
	assert.Equal(t, "Asia/Tokyo", s.Timezone)
	assert.Equal(t, "zstd", s.CompressionCodec)
	assert.Equal(t, "4g", s.SparkDriverMemory)
	assert.Equal(t, "3g", s.SparkExecutorMemory)
	assert.Equal(t, 2, s.PartitionsCount)
	assert.Equal(t, 1000, s.DefaultIterateMaxLoop)
	assert.Equal(t, 500000, s.DefaultIterateBatchSize)
	assert.Equal(t, "single", s.RunCoordinator)
	assert.Equal(t, manifest.BackendSQLite, s.Manifest.Backend)
	assert.Equal(t, manifest.DefaultStaleAfter, s.Manifest.StaleAfter)
	assert.Equal(t, retry.DefaultPolicy(), s.Manifest.Retry)
	assert.Equal(t, DefaultProjectPath, doc.ProjectPath)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("MKPIPE_A", "alpha")
	got := string(ExpandEnv([]byte("a=${MKPIPE_A} b=${MKPIPE_UNSET_B:-beta} c=${MKPIPE_UNSET_C} d=$MKPIPE_A")))
	assert.Equal(t, "a=alpha b=beta c= d=$MKPIPE_A", got)
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("MKPIPE_TEST_PASSWORD", "x")
	path := filepath.Join(t.TempDir(), "mkpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(envDoc), 0o600))

	res, err := Load(path, DefaultLoadOptions())
	require.NoError(t, err)
	assert.Equal(t, path, res.Document.SourceFile)
	assert.Empty(t, res.Warnings)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), DefaultLoadOptions())
	assert.ErrorContains(t, err, "reading config file")
}

func TestDocument_ManifestConfig(t *testing.T) {
	doc := &Document{
		ProjectPath: "/var/mkpipe",
		Connections: map[string]ConnectionParams{
			"meta": {Variant: "postgresql", Host: "pg", Port: 5433, Database: "etl", User: "u", Password: "p", SSLMode: "disable"},
		},
	}
	ApplyDefaults(&doc.Settings, "")

	cfg, err := doc.ManifestConfig()
	require.NoError(t, err)
	assert.Equal(t, manifest.BackendSQLite, cfg.Backend)
	assert.Equal(t, "/var/mkpipe/mkpipe_manifest.db", cfg.DSN)
	assert.Equal(t, manifest.DefaultTable, cfg.Table)
	assert.Equal(t, retry.DefaultPolicy(), cfg.Retry)

	doc.Settings.Manifest.Backend = manifest.BackendPostgres
	_, err = doc.ManifestConfig()
	assert.ErrorContains(t, err, "requires settings.manifest.connection_ref")

	doc.Settings.Manifest.ConnectionRef = "meta"
	cfg, err = doc.ManifestConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@pg:5433/etl?sslmode=disable", cfg.DSN)

	doc.Settings.Manifest.ConnectionRef = "other"
	_, err = doc.ManifestConfig()
	assert.ErrorContains(t, err, `"other" not found`)
}

func TestConnectionParams_PostgresDSN(t *testing.T) {
	assert.Equal(t, "postgres://x", ConnectionParams{DSN: "postgres://x", Host: "ignored"}.PostgresDSN())
	assert.Equal(t, "postgres://localhost/db?search_path=raw", ConnectionParams{Database: "db", Schema: "raw"}.PostgresDSN())
	assert.Equal(t, "postgres://etl@h:1/d", ConnectionParams{Host: "h", Port: 1, Database: "d", User: "etl"}.PostgresDSN())
}

func TestDocument_DispatchEndpoint(t *testing.T) {
	doc := &Document{Connections: map[string]ConnectionParams{
		"broker": {Variant: "redis", Host: "redis", Database: "2", Password: "pw"},
		"url":    {Variant: "redis", URI: "redis://r:6380/1"},
	}}

	ep, err := doc.DispatchEndpoint("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, RedisEndpoint{Addr: "localhost:6379"}, ep)

	doc.Settings.Dispatch.ConnectionRef = "broker"
	ep, err = doc.DispatchEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, RedisEndpoint{Addr: "redis:6379", Password: "pw", DB: 2}, ep)

	doc.Settings.Dispatch.ConnectionRef = "url"
	ep, err = doc.DispatchEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, "redis://r:6380/1", ep.URL)

	doc.Settings.Dispatch.ConnectionRef = ""
	_, err = doc.DispatchEndpoint("")
	assert.Error(t, err)
}

func TestExtractorConfig_CloneIsIndependent(t *testing.T) {
	orig := ExtractorConfig{
		ConnectionRef: "src",
		Tables:        []TableSpec{{Name: "a"}, {Name: "b"}},
		Extra:         map[string]any{"k": "v"},
		Connection:    ConnectionParams{Extra: map[string]any{"x": 1}},
	}
	cp := orig.Clone()
	cp.Tables[0].Name = "changed"
	cp.Extra["k"] = "changed"
	cp.Connection.Extra["x"] = 2

	assert.Equal(t, "a", orig.Tables[0].Name)
	assert.Equal(t, "v", orig.Extra["k"])
	assert.Equal(t, 1, orig.Connection.Extra["x"])
}
