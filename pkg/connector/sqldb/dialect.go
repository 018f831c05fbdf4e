// Package sqldb extracts from and loads into database/sql databases:
// SQLite, PostgreSQL (lib/pq), DuckDB and ClickHouse.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/withObsrvr/mkpipe/internal/config"
	"github.com/withObsrvr/mkpipe/pkg/plugin"
)

type dialect struct {
	name string
	// numbered placeholders ($1) instead of ?.
	numbered bool
	types    map[plugin.ColumnType]string
	// createSuffix follows the column list in CREATE TABLE.
	createSuffix string
	truncate     string
	// truncateOutsideTx runs the full-load delete before the insert transaction.
	truncateOutsideTx bool
	timeLayout        string
	open              func(c config.ConnectionParams) (*sql.DB, error)
}

var dialects = map[string]dialect{
	"sqlite": {
		name: "sqlite",
		types: map[plugin.ColumnType]string{
			plugin.TypeInt: "INTEGER", plugin.TypeFloat: "REAL", plugin.TypeBool: "BOOLEAN",
			plugin.TypeString: "TEXT", plugin.TypeDatetime: "TIMESTAMP", plugin.TypeBytes: "BLOB",
		},
		truncate:   "DELETE FROM %s",
		timeLayout: sqlite3.SQLiteTimestampFormats[0],
		open:       openSQLite,
	},
	"postgres": {
		name:     "postgres",
		numbered: true,
		types: map[plugin.ColumnType]string{
			plugin.TypeInt: "BIGINT", plugin.TypeFloat: "DOUBLE PRECISION", plugin.TypeBool: "BOOLEAN",
			plugin.TypeString: "TEXT", plugin.TypeDatetime: "TIMESTAMPTZ", plugin.TypeBytes: "BYTEA",
		},
		truncate:   "DELETE FROM %s",
		timeLayout: time.RFC3339Nano,
		open:       openPostgres,
	},
	"duckdb": {
		name: "duckdb",
		types: map[plugin.ColumnType]string{
			plugin.TypeInt: "BIGINT", plugin.TypeFloat: "DOUBLE", plugin.TypeBool: "BOOLEAN",
			plugin.TypeString: "VARCHAR", plugin.TypeDatetime: "TIMESTAMP", plugin.TypeBytes: "BLOB",
		},
		truncate:   "DELETE FROM %s",
		timeLayout: time.RFC3339Nano,
		open:       openDuckDB,
	},
	"clickhouse": {
		name: "clickhouse",
		types: map[plugin.ColumnType]string{
			plugin.TypeInt: "Nullable(Int64)", plugin.TypeFloat: "Nullable(Float64)", plugin.TypeBool: "Nullable(Bool)",
			plugin.TypeString: "Nullable(String)", plugin.TypeDatetime: "Nullable(DateTime64(6))", plugin.TypeBytes: "Nullable(String)",
		},
		createSuffix:      " ENGINE = MergeTree() ORDER BY tuple()",
		truncate:          "TRUNCATE TABLE IF EXISTS %s",
		truncateOutsideTx: true,
		timeLayout:        "2006-01-02 15:04:05.999999",
		open:              openClickHouse,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported sql dialect: %s", name)
	}
	return d, nil
}

func (d dialect) placeholder(i int) string {
	if d.numbered {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

func (d dialect) placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.placeholder(from + i)
	}
	return strings.Join(ph, ", ")
}

// Quote quotes a possibly schema-qualified identifier.
func Quote(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func (d dialect) columnType(t plugin.ColumnType) string {
	if s, ok := d.types[t]; ok {
		return s
	}
	return d.types[plugin.TypeString]
}

func openSQLite(c config.ConnectionParams) (*sql.DB, error) {
	dsn := c.DSN
	if dsn == "" {
		dsn = c.Path
	}
	if dsn == "" {
		return nil, fmt.Errorf("sqlite connection needs a path")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(c config.ConnectionParams) (*sql.DB, error) {
	return sql.Open("postgres", c.PostgresDSN())
}

func openDuckDB(c config.ConnectionParams) (*sql.DB, error) {
	dsn := c.DSN
	if dsn == "" && c.Path != "" {
		dsn = c.Path + "?access_mode=READ_WRITE"
	}
	return sql.Open("duckdb", dsn)
}

func openClickHouse(c config.ConnectionParams) (*sql.DB, error) {
	if c.DSN != "" {
		return sql.Open("clickhouse", c.DSN)
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9000
	}
	return clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.User,
			Password: c.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	}), nil
}
