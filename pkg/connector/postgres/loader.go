package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// txBeginner is the part of *pgxpool.Pool the loader uses.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var columnTypes = map[plugin.ColumnType]string{
	plugin.TypeInt:      "BIGINT",
	plugin.TypeFloat:    "DOUBLE PRECISION",
	plugin.TypeBool:     "BOOLEAN",
	plugin.TypeString:   "TEXT",
	plugin.TypeDatetime: "TIMESTAMPTZ",
	plugin.TypeBytes:    "BYTEA",
}

// Loader copies batches into PostgreSQL.
type Loader struct {
	schema string
	deps   plugin.Deps
	log    *logrus.Entry
	open   func(ctx context.Context) (txBeginner, error)
}

// NewLoader is the plugin.LoaderFactory for the postgres variant.
func NewLoader(cfg config.LoaderConfig, deps plugin.Deps) (plugin.Loader, error) {
	conn := cfg.Connection
	return newLoader(cfg, deps, func(ctx context.Context) (txBeginner, error) {
		dsn := conn.DSN
		if dsn == "" {
			dsn = conn.PostgresDSN()
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to PostgreSQL")
		}
		return pool, nil
	})
}

func newLoader(cfg config.LoaderConfig, deps plugin.Deps, open func(ctx context.Context) (txBeginner, error)) (*Loader, error) {
	if deps.Manifest == nil {
		return nil, errors.New("postgres loader needs a manifest store")
	}
	return &Loader{
		schema: cfg.String("schema", cfg.Connection.Schema),
		deps:   deps,
		log:    deps.Logger("postgres-loader"),
		open:   open,
	}, nil
}

// Load implements plugin.Loader.
func (l *Loader) Load(ctx context.Context, data *plugin.Batch, startTime time.Time) error {
	tr := tracker.New(l.deps.Manifest, data.Table, data.ReplicationMethod, l.log)
	if err := tr.Loading(ctx); err != nil {
		return err
	}
	if err := l.write(ctx, data, startTime); err != nil {
		return tr.Fail(ctx, err)
	}
	return tr.Completed(ctx, data.Watermark)
}

func (l *Loader) write(ctx context.Context, data *plugin.Batch, startTime time.Time) error {
	pool, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	ident := l.identifier(data)
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "starting load transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createTable(ident, data.Columns)); err != nil {
		return errors.Wrapf(err, "creating %s", ident.Sanitize())
	}
	if data.ReplicationMethod != manifest.ReplicationIncremental {
		if _, err := tx.Exec(ctx, "DELETE FROM "+ident.Sanitize()); err != nil {
			return errors.Wrapf(err, "clearing %s", ident.Sanitize())
		}
	}

	n, err := tx.CopyFrom(ctx, ident, copyColumns(data.Columns), pgx.CopyFromSlice(len(data.Rows), func(i int) ([]any, error) {
		row := make([]any, 0, len(data.Rows[i])+1)
		row = append(row, data.Rows[i]...)
		return append(row, startTime), nil
	}))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("copy into %s failed (%s): %w", ident.Sanitize(), pgErr.Code, err)
		}
		return errors.Wrapf(err, "copy into %s", ident.Sanitize())
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing load")
	}

	l.log.WithFields(logrus.Fields{
		"target": ident.Sanitize(),
		"rows":   n,
		"mode":   data.ReplicationMethod,
	}).Info("Loaded rows")
	return nil
}

func (l *Loader) identifier(data *plugin.Batch) pgx.Identifier {
	name := data.Target
	if name == "" {
		name = data.Table
	}
	if strings.Contains(name, ".") {
		return pgx.Identifier(strings.SplitN(name, ".", 2))
	}
	if l.schema != "" {
		return pgx.Identifier{l.schema, name}
	}
	return pgx.Identifier{name}
}

func copyColumns(cols []plugin.Column) []string {
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, c.Name)
	}
	return append(names, sqldb.EtlTimeColumn)
}

func createTable(ident pgx.Identifier, cols []plugin.Column) string {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		t, ok := columnTypes[c.Type]
		if !ok {
			t = "TEXT"
		}
		defs = append(defs, sqldb.Quote(c.Name)+" "+t)
	}
	defs = append(defs, sqldb.Quote(sqldb.EtlTimeColumn)+" TIMESTAMPTZ")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident.Sanitize(), strings.Join(defs, ", "))
}

// Register adds the pgx extractor and loader to reg.
func Register(reg *plugin.Registry) {
	reg.RegisterExtractor(NewExtractor, "postgres", "postgresql")
	reg.RegisterLoader(NewLoader, "postgres", "postgresql")
}
