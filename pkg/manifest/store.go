package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/pkg/retry"
)

// Store is the manifest contract. Every mutating call is atomic with respect
// to other callers of the same backing store.
type Store interface {
	// EnsureSchema creates the manifest if it does not exist yet.
	EnsureSchema(ctx context.Context) error
	// GetStatus returns the status of table, or false when there is no entry.
	// An entry older than the stale threshold is rewritten to failed first.
	GetStatus(ctx context.Context, table string) (Status, bool, error)
	// GetLastPoint returns the stored watermark of table, or false when none.
	GetLastPoint(ctx context.Context, table string) (Point, bool, error)
	// Upsert inserts or partially updates the entry for u.TableName.
	Upsert(ctx context.Context, u Update) (Outcome, error)
	// Get returns the entry for table or ErrNotFound.
	Get(ctx context.Context, table string) (*Entry, error)
	// List returns every entry ordered by table name.
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Backends understood by Open.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendFile     = "file"
)

// Config selects and tunes a manifest backend.
type Config struct {
	Backend    string        `json:"backend"`
	DSN        string        `json:"dsn"`
	Table      string        `json:"table,omitempty"`
	StaleAfter time.Duration `json:"stale_after,omitempty"`
	Retry      retry.Policy  `json:"retry"`
}

func (c Config) key() string {
	return c.Backend + "|" + c.DSN + "|" + c.Table
}

type options struct {
	table      string
	staleAfter time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

// Option customises a store.
type Option func(*options)

// WithTable overrides the manifest table (or file document) name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithStaleAfter overrides the stale threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleAfter = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for stale transitions.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{
		table:      DefaultTable,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		log:        logrus.WithField("component", "manifest"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

// Open connects to the backend named in cfg, makes sure the schema exists and
// returns the store wrapped with cfg.Retry.
func Open(ctx context.Context, cfg Config, opts ...Option) (Store, error) {
	opts = append([]Option{WithTable(cfg.Table), WithStaleAfter(cfg.StaleAfter)}, opts...)

	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendPostgres:
		store, err = openSQL("postgres", cfg.DSN, dialectPostgres, opts)
	case BackendSQLite, "":
		store, err = openSQL("sqlite3", sqliteDSN(cfg.DSN), dialectSQLite, opts)
	case BackendFile:
		store, err = NewFileStore(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported manifest backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	store = WithRetry(store, cfg.Retry)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("preparing manifest: %w", err)
	}
	return store, nil
}

func openSQL(driver, dsn string, d dialect, opts []Option) (Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("manifest %s backend requires a dsn", d.name)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest database: %w", err)
	}
	if d.name == dialectSQLite.name {
		db.SetMaxOpenConns(1)
	}
	return newSQLStore(db, d, opts...)
}

// sqliteDSN turns a plain path into a DSN that serialises writers and waits on
// a busy database instead of failing straight away.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "_txlock=") {
		dsn += sep + "_txlock=immediate"
		sep = "&"
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		dsn += sep + "_busy_timeout=5000"
	}
	return dsn
}

// Pool shares open stores between work items that point at the same manifest.
type Pool struct {
	mu     sync.Mutex
	stores map[string]Store
	opts   []Option
}

// NewPool returns an empty pool. opts apply to every store it opens.
func NewPool(opts ...Option) *Pool {
	return &Pool{stores: make(map[string]Store), opts: opts}
}

// Get returns the store for cfg, opening it on first use.
func (p *Pool) Get(ctx context.Context, cfg Config) (Store, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[cfg.key()]; ok {
		return s, nil
	}
	s, err := Open(ctx, cfg, p.opts...)
	if err != nil {
		return nil, err
	}
	p.stores[cfg.key()] = s
	return s, nil
}

// Close closes every store the pool opened.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for k, s := range p.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.stores, k)
	}
	return firstErr
}
