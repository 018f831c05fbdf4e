// Package postgres reads from and writes to PostgreSQL through pgx. Loads use
// the COPY protocol.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/sqldb"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// querier is the part of *pgxpool.Pool the extractor uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type opener func(ctx context.Context) (querier, error)

func poolOpener(c config.ConnectionParams) opener {
	return func(ctx context.Context) (querier, error) {
		dsn := c.DSN
		if dsn == "" {
			dsn = c.PostgresDSN()
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to PostgreSQL")
		}
		return pool, nil
	}
}

// Extractor reads one table with pgx.
type Extractor struct {
	table   config.TableSpec
	deps    plugin.Deps
	log     *logrus.Entry
	open    opener
	batch   int
	maxLoop int
}

// NewExtractor is the plugin.ExtractorFactory for the postgres variant.
func NewExtractor(cfg config.ExtractorConfig, deps plugin.Deps) (plugin.Extractor, error) {
	return newExtractor(cfg, deps, poolOpener(cfg.Connection))
}

func newExtractor(cfg config.ExtractorConfig, deps plugin.Deps, open opener) (*Extractor, error) {
	if cfg.Table == nil || cfg.Table.Name == "" {
		return nil, errors.New("postgres extractor needs a table")
	}
	if deps.Manifest == nil {
		return nil, errors.New("postgres extractor needs a manifest store")
	}
	e := &Extractor{
		table:   *cfg.Table,
		deps:    deps,
		log:     deps.Logger("postgres-extractor").WithField("table", cfg.Table.Name),
		open:    open,
		batch:   cfg.Table.BatchSize,
		maxLoop: deps.Settings.DefaultIterateMaxLoop,
	}
	if e.batch <= 0 {
		e.batch = deps.Settings.DefaultIterateBatchSize
	}
	if e.batch <= 0 {
		e.batch = config.DefaultIterateBatchSize
	}
	if e.maxLoop <= 0 {
		e.maxLoop = config.DefaultIterateMaxLoop
	}
	return e, nil
}

// Extract implements plugin.Extractor.
func (e *Extractor) Extract(ctx context.Context) (*plugin.Batch, error) {
	tr := tracker.New(e.deps.Manifest, e.table.Name, e.table.Method(), e.log)
	last, hasLast, err := tr.Begin(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := e.read(ctx, last, hasLast)
	if err != nil {
		return nil, tr.Fail(ctx, err)
	}
	if batch.Empty() {
		e.log.Info("No new rows")
		return batch, tr.Completed(ctx, nil)
	}
	return batch, tr.Extracted(ctx)
}

func (e *Extractor) read(ctx context.Context, last manifest.Point, hasLast bool) (*plugin.Batch, error) {
	q, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	query, args, err := sqldb.SelectQuery(e.table, "$1", last, hasLast)
	if err != nil {
		return nil, err
	}
	batch := &plugin.Batch{
		Table:             e.table.Name,
		Target:            e.table.Target(),
		ReplicationMethod: e.table.Method(),
	}
	paged := e.table.IterateColumn != ""

	var columns []string
	for page := 0; page < e.maxLoop; page++ {
		sql := query
		if paged {
			sql = fmt.Sprintf("%s LIMIT %d OFFSET %d", query, e.batch, page*e.batch)
		}
		cols, rows, err := collect(ctx, q, sql, args)
		if err != nil {
			return nil, errors.Wrapf(err, "querying %s", e.table.Name)
		}
		if columns == nil {
			columns = cols
		}
		batch.Rows = append(batch.Rows, rows...)
		if !paged || len(rows) < e.batch {
			break
		}
		if page == e.maxLoop-1 {
			e.log.WithField("max_loop", e.maxLoop).Warn("Reached iterate max loop, remaining rows wait for the next run")
		}
	}
	batch.InferColumns(columns)
	if err := batch.SetWatermark(e.table.IterateColumn, e.table.IterateColumnType, ""); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"rows": batch.Len(), "resumed": hasLast}).Info("Extracted rows")
	return batch, nil
}

func collect(ctx context.Context, q querier, sql string, args []any) ([]string, [][]any, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}
