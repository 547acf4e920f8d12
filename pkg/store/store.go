// Package store is the system of record. Every entity row carries a
// tenant_id and every read filters by it, so a cross-tenant lookup is
// indistinguishable from a missing row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist within the caller's
// tenant scope.
var ErrNotFound = errors.New("store: not found")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps a SQL database with the repositories the engine needs.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database named by dsn. postgres:// and
// postgresql:// DSNs use lib/pq; everything else is treated as a sqlite
// path or URI.
func Open(dsn string) (*Store, error) {
	driver := DriverSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc/sqlite serialises writers; a single connection avoids
		// SQLITE_BUSY when several workers share the handle.
		db.SetMaxOpenConns(1)
		// Run-owned rows cascade on delete; sqlite needs the pragma per
		// connection, and with one pooled connection this sticks.
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: enable foreign keys: %w", err)
		}
	}
	return &Store{db: db, driver: driver}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Driver reports which SQL dialect the store speaks.
func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository helpers can
// run inside or outside an explicit transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $1..$n for postgres. Queries in this
// package are written with ? throughout; sqlite takes them as-is.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// insertID runs an INSERT and returns the generated row id across both
// dialects. The query must not already carry a RETURNING clause.
func (s *Store) insertID(ctx context.Context, q dbtx, query string, args ...any) (int64, error) {
	if s.driver == DriverPostgres {
		var id int64
		if err := q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// utcNow returns wall time truncated to whole seconds, the durable
// precision for created_at columns. Event ordering ties are broken by row
// id.
func utcNow() time.Time { return time.Now().UTC().Truncate(time.Second) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// placeholders returns "?, ?, ..." with n entries for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// mapNotFound converts sql.ErrNoRows into ErrNotFound and wraps everything
// else with the operation name.
func mapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
