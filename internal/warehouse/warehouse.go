// Package warehouse runs generated SQL against the analytics database and
// validates connection settings.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql" // mysql
	_ "github.com/lib/pq"              // postgres
	_ "modernc.org/sqlite"             // sqlite
)

// ResultSet is the bounded outcome of one query.
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// Executor runs a read query and returns at most maxRows rows.
type Executor interface {
	Query(ctx context.Context, query string, maxRows int) (*ResultSet, error)
}

// Options configures a DB connection pool.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// ErrLocalDriver is returned for drivers that read files on the server host.
var ErrLocalDriver = errors.New("driver reads local files on the server")

// DB is an Executor backed by database/sql.
type DB struct {
	db     *sql.DB
	driver string
}

// DriverName maps a configured driver to its database/sql name.
func DriverName(driver string) (string, error) {
	switch driver {
	case "postgres", "postgresql":
		return "postgres", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported driver: %s (supported: postgres, mysql, sqlite)", driver)
	}
}

// Local reports whether driver opens a file on this host rather than a
// network connection.
func Local(driver string) bool {
	name, err := DriverName(driver)
	return err == nil && name == "sqlite"
}

// Open opens a pool and verifies it with a ping.
func Open(ctx context.Context, opts Options) (*DB, error) {
	name, err := DriverName(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}

	db, err := sql.Open(name, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s: %w", name, err)
	}

	slog.Info("warehouse connected", "driver", name)
	return &DB{db: db, driver: name}, nil
}

// Driver returns the database/sql driver name.
func (d *DB) Driver() string {
	return d.driver
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// Query implements Executor. Extra rows beyond maxRows are not read.
func (d *DB) Query(ctx context.Context, query string, maxRows int) (*ResultSet, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	rs := &ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if maxRows > 0 && rs.RowCount >= maxRows {
			rs.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
		rs.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	slog.Debug("warehouse query finished",
		"driver", d.driver,
		"rows", rs.RowCount,
		"truncated", rs.Truncated,
		"duration", time.Since(start))
	return rs, nil
}

// Ping opens a short-lived connection with the given settings and performs
// one round-trip. It backs the connection test of the settings screen.
// SQLite files are opened read-only and must already exist.
func Ping(ctx context.Context, driver, dsn string) error {
	if Local(driver) {
		ro, err := readOnlySQLite(dsn)
		if err != nil {
			return err
		}
		dsn = ro
	}

	db, err := Open(ctx, Options{Driver: driver, DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var one int
	if err := db.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("test query: %w", err)
	}
	return nil
}

// readOnlySQLite rewrites a sqlite DSN to a read-only URI for an existing
// database file.
func readOnlySQLite(dsn string) (string, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return "", errors.New("sqlite dsn must name a database file")
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("sqlite database: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("sqlite database %s is not a regular file", path)
	}
	return "file:" + path + "?mode=ro", nil
}
