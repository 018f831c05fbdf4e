package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type dialect struct {
	name string
	// lockRow is appended to the row lookup inside write transactions.
	lockRow     string
	numbered    bool
	timestampTy string
}

var (
	dialectPostgres = dialect{name: "postgres", lockRow: " FOR UPDATE", numbered: true, timestampTy: "TIMESTAMP"}
	dialectSQLite   = dialect{name: "sqlite", timestampTy: "TIMESTAMP"}
)

// rebind rewrites ? placeholders into $n for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const entryColumns = "table_name, last_point, value_type, replication_method, status, error_message, updated_time"

// SQLStore keeps the manifest in a relational table.
type SQLStore struct {
	db *sql.DB
	d  dialect
	options
}

// NewPostgresStore wraps an open lib/pq handle.
func NewPostgresStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, dialectPostgres, opts...)
}

// NewSQLiteStore wraps an open go-sqlite3 handle.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, dialectSQLite, opts...)
}

func newSQLStore(db *sql.DB, d dialect, opts ...Option) (*SQLStore, error) {
	o := buildOptions(opts)
	if !identifier.MatchString(o.table) {
		return nil, fmt.Errorf("invalid manifest table name %q", o.table)
	}
	return &SQLStore{db: db, d: d, options: o}, nil
}

func (s *SQLStore) q(format string) string {
	return s.d.rebind(fmt.Sprintf(format, s.table))
}

// EnsureSchema implements Store.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    table_name         VARCHAR(255) NOT NULL,
    last_point         VARCHAR(255),
    value_type         VARCHAR(50),
    replication_method VARCHAR(20) CHECK (replication_method IN ('incremental', 'full')),
    status             VARCHAR(20) CHECK (status IN ('extracting', 'extracted', 'loading', 'loaded', 'completed', 'failed')),
    error_message      TEXT,
    updated_time       %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (table_name)
)`, s.table, s.d.timestampTy)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("error creating manifest table %s: %w", s.table, err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) load(ctx context.Context, q rowQuerier, table string, lock bool) (*Entry, error) {
	query := s.q("SELECT " + entryColumns + " FROM %s WHERE table_name = ?")
	if lock {
		query += s.d.lockRow
	}

	var (
		e              Entry
		method, status string
	)
	err := q.QueryRowContext(ctx, query, table).Scan(
		&e.TableName, &e.LastPoint, &e.ValueType, &method, &status, &e.ErrorMessage, &e.UpdatedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading manifest entry %s: %w", table, err)
	}
	e.ReplicationMethod = ReplicationMethod(method)
	e.Status = Status(status)
	e.UpdatedTime = e.UpdatedTime.UTC()
	return &e, nil
}

func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx,
		s.q("INSERT INTO %s ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)"),
		e.TableName, e.LastPoint, e.ValueType, string(e.ReplicationMethod), string(e.Status), e.ErrorMessage, e.UpdatedTime)
	if err != nil {
		return fmt.Errorf("error inserting manifest entry %s: %w", e.TableName, err)
	}
	return nil
}

func (s *SQLStore) update(ctx context.Context, tx *sql.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx,
		s.q(`UPDATE %s SET last_point = ?, value_type = ?, replication_method = ?, status = ?, error_message = ?, updated_time = ? WHERE table_name = ?`),
		e.LastPoint, e.ValueType, string(e.ReplicationMethod), string(e.Status), e.ErrorMessage, e.UpdatedTime, e.TableName)
	if err != nil {
		return fmt.Errorf("error updating manifest entry %s: %w", e.TableName, err)
	}
	return nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting manifest transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing manifest transaction: %w", err)
	}
	return nil
}

// GetStatus implements Store.
func (s *SQLStore) GetStatus(ctx context.Context, table string) (Status, bool, error) {
	var (
		status Status
		found  bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.load(ctx, tx, table, true)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		now := s.clock()
		if !e.stale(now, s.staleAfter) {
			status = e.Status
			return nil
		}

		s.log.WithFields(logrus.Fields{
			"table":        table,
			"status":       e.Status,
			"updated_time": e.UpdatedTime,
		}).Warn("manifest entry is stale, marking failed")

		e.apply(e.staleUpdate(s.staleAfter), now)
		if err := s.update(ctx, tx, *e); err != nil {
			return err
		}
		status = StatusFailed
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return status, found, nil
}

// GetLastPoint implements Store.
func (s *SQLStore) GetLastPoint(ctx context.Context, table string) (Point, bool, error) {
	e, err := s.load(ctx, s.db, table, false)
	if errors.Is(err, ErrNotFound) {
		return Point{}, false, nil
	}
	if err != nil {
		return Point{}, false, err
	}
	if !e.LastPoint.Valid {
		return Point{}, false, nil
	}
	return Point{Value: e.LastPoint.String, Type: e.ValueType.String}, true, nil
}

// Upsert implements Store.
func (s *SQLStore) Upsert(ctx context.Context, u Update) (Outcome, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}

	var outcome Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock()
		e, err := s.load(ctx, tx, u.TableName, true)
		if errors.Is(err, ErrNotFound) {
			outcome = Inserted
			return s.insert(ctx, tx, newEntry(u, now))
		}
		if err != nil {
			return err
		}
		outcome = Updated
		e.apply(u, now)
		return s.update(ctx, tx, *e)
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, table string) (*Entry, error) {
	return s.load(ctx, s.db, table, false)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT "+entryColumns+" FROM %s ORDER BY table_name"))
	if err != nil {
		return nil, fmt.Errorf("error listing manifest: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			method, status string
		)
		if err := rows.Scan(&e.TableName, &e.LastPoint, &e.ValueType, &method, &status, &e.ErrorMessage, &e.UpdatedTime); err != nil {
			return nil, fmt.Errorf("error scanning manifest row: %w", err)
		}
		e.ReplicationMethod = ReplicationMethod(method)
		e.Status = Status(status)
		e.UpdatedTime = e.UpdatedTime.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
