package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// EtlTimeColumn is appended to every loaded row with the load start time.
const EtlTimeColumn = "etl_time"

// Loader writes batches into a database/sql target.
type Loader struct {
	cfg    config.LoaderConfig
	d      dialect
	deps   plugin.Deps
	log    *logrus.Entry
	openDB func() (*sql.DB, error)
}

// NewLoaderFactory returns a factory for the named dialect.
func NewLoaderFactory(dialectName string) plugin.LoaderFactory {
	return func(cfg config.LoaderConfig, deps plugin.Deps) (plugin.Loader, error) {
		d, err := lookupDialect(dialectName)
		if err != nil {
			return nil, err
		}
		return newLoader(cfg, deps, d, func() (*sql.DB, error) { return d.open(cfg.Connection) })
	}
}

func newLoader(cfg config.LoaderConfig, deps plugin.Deps, d dialect, open func() (*sql.DB, error)) (*Loader, error) {
	if deps.Manifest == nil {
		return nil, errors.New("sql loader needs a manifest store")
	}
	return &Loader{cfg: cfg, d: d, deps: deps, log: deps.Logger("sqldb-loader"), openDB: open}, nil
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
	db, err := l.openDB()
	if err != nil {
		return errors.Wrap(err, "opening target database")
	}
	defer db.Close()

	target := Quote(l.targetName(data))
	if _, err := db.ExecContext(ctx, l.createTable(target, data.Columns)); err != nil {
		return errors.Wrapf(err, "creating %s", target)
	}

	full := data.ReplicationMethod != manifest.ReplicationIncremental
	if full && l.d.truncateOutsideTx {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(l.d.truncate, target)); err != nil {
			return errors.Wrapf(err, "clearing %s", target)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting load transaction")
	}
	defer tx.Rollback()

	if full && !l.d.truncateOutsideTx {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(l.d.truncate, target)); err != nil {
			return errors.Wrapf(err, "clearing %s", target)
		}
	}

	stmt, err := tx.PrepareContext(ctx, l.insert(target, data.Columns))
	if err != nil {
		return errors.Wrap(err, "preparing insert")
	}
	defer stmt.Close()

	for i, row := range data.Rows {
		args := make([]any, 0, len(row)+1)
		args = append(args, row...)
		args = append(args, startTime)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrapf(err, "inserting row %d into %s", i, target)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing load")
	}

	l.log.WithFields(logrus.Fields{
		"target": l.targetName(data),
		"rows":   data.Len(),
		"mode":   data.ReplicationMethod,
	}).Info("Loaded rows")
	return nil
}

func (l *Loader) targetName(data *plugin.Batch) string {
	name := data.Target
	if name == "" {
		name = data.Table
	}
	if schema := l.cfg.String("schema", l.cfg.Connection.Schema); schema != "" && !strings.Contains(name, ".") && l.d.name == "postgres" {
		name = schema + "." + name
	}
	return name
}

func (l *Loader) createTable(target string, cols []plugin.Column) string {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		defs = append(defs, Quote(c.Name)+" "+l.d.columnType(c.Type))
	}
	defs = append(defs, Quote(EtlTimeColumn)+" "+l.d.columnType(plugin.TypeDatetime))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)%s", target, strings.Join(defs, ", "), l.d.createSuffix)
}

func (l *Loader) insert(target string, cols []plugin.Column) string {
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		names = append(names, Quote(c.Name))
	}
	names = append(names, Quote(EtlTimeColumn))
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", target, strings.Join(names, ", "), l.d.placeholders(1, len(names)))
}
