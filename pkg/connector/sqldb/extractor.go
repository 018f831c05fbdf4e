package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/connector/tracker"
	"github.com/withObsrvr/mkpipe/pkg/manifest"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

// Extractor reads one table through database/sql.
type Extractor struct {
	cfg     config.ExtractorConfig
	table   config.TableSpec
	d       dialect
	deps    plugin.Deps
	log     *logrus.Entry
	openDB  func() (*sql.DB, error)
	batch   int
	maxLoop int
}

// NewExtractorFactory returns a factory for the named dialect.
func NewExtractorFactory(dialectName string) plugin.ExtractorFactory {
	return func(cfg config.ExtractorConfig, deps plugin.Deps) (plugin.Extractor, error) {
		d, err := lookupDialect(dialectName)
		if err != nil {
			return nil, err
		}
		return newExtractor(cfg, deps, d, func() (*sql.DB, error) { return d.open(cfg.Connection) })
	}
}

func newExtractor(cfg config.ExtractorConfig, deps plugin.Deps, d dialect, open func() (*sql.DB, error)) (*Extractor, error) {
	if cfg.Table == nil || cfg.Table.Name == "" {
		return nil, errors.New("sql extractor needs a table")
	}
	if deps.Manifest == nil {
		return nil, errors.New("sql extractor needs a manifest store")
	}
	e := &Extractor{
		cfg:     cfg,
		table:   *cfg.Table,
		d:       d,
		deps:    deps,
		log:     deps.Logger("sqldb-extractor").WithField("table", cfg.Table.Name),
		openDB:  open,
		batch:   cfg.Table.BatchSize,
		maxLoop: deps.Settings.DefaultIterateMaxLoop,
	}
	if e.batch <= 0 {
		e.batch = deps.Settings.DefaultIterateBatchSize
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
		if err := tr.Completed(ctx, nil); err != nil {
			return nil, err
		}
		return batch, nil
	}
	if err := tr.Extracted(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

func (e *Extractor) read(ctx context.Context, last manifest.Point, hasLast bool) (*plugin.Batch, error) {
	db, err := e.openDB()
	if err != nil {
		return nil, errors.Wrap(err, "opening source database")
	}
	defer db.Close()

	batch := &plugin.Batch{
		Table:             e.table.Name,
		Target:            e.table.Target(),
		ReplicationMethod: e.table.Method(),
	}

	query, args, err := e.query(last, hasLast)
	if err != nil {
		return nil, err
	}
	paged := e.table.IterateColumn != ""

	var columns []string
	for page := 0; page < e.maxLoop; page++ {
		q := query
		if paged {
			q = fmt.Sprintf("%s LIMIT %d OFFSET %d", query, e.batch, page*e.batch)
		}
		cols, rows, err := e.fetch(ctx, db, q, args)
		if err != nil {
			return nil, err
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
	if err := batch.SetWatermark(e.table.IterateColumn, e.table.IterateColumnType, e.d.timeLayout); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"rows": batch.Len(), "resumed": hasLast}).Info("Extracted rows")
	return batch, nil
}

func (e *Extractor) query(last manifest.Point, hasLast bool) (string, []any, error) {
	return SelectQuery(e.table, e.d.placeholder(1), last, hasLast)
}

// SelectQuery builds the extraction query for table. The source is the table
// itself or its custom query. When an iterate column is set the result is
// ordered by it, and incremental tables with a stored watermark only select
// rows past it using placeholder.
func SelectQuery(table config.TableSpec, placeholder string, last manifest.Point, hasLast bool) (string, []any, error) {
	source := Quote(table.Name)
	if table.Query != "" {
		source = "(" + strings.TrimSuffix(strings.TrimSpace(table.Query), ";") + ") AS src"
	}
	q := "SELECT * FROM " + source

	var args []any
	if table.IterateColumn != "" {
		col := Quote(table.IterateColumn)
		if table.Method() == manifest.ReplicationIncremental && hasLast {
			arg, err := PointArg(last)
			if err != nil {
				return "", nil, err
			}
			q += fmt.Sprintf(" WHERE %s > %s", col, placeholder)
			args = append(args, arg)
		}
		q += " ORDER BY " + col
	}
	return q, args, nil
}

// PointArg turns a stored watermark back into a query argument.
func PointArg(p manifest.Point) (any, error) {
	switch p.Type {
	case string(plugin.TypeInt):
		v, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "stored int point %q", p.Value)
		}
		return v, nil
	case string(plugin.TypeFloat):
		v, err := strconv.ParseFloat(p.Value, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "stored float point %q", p.Value)
		}
		return v, nil
	}
	return p.Value, nil
}

func (e *Extractor) fetch(ctx context.Context, db *sql.DB, q string, args []any) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "querying %s", e.table.Name)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errors.Wrap(err, "scanning row")
		}
		for i, v := range vals {
			vals[i] = normalize(v, types[i].DatabaseTypeName())
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

// normalize turns driver text returned as bytes into strings.
func normalize(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch strings.ToUpper(dbType) {
	case "BLOB", "BYTEA":
		return b
	}
	return string(b)
}
