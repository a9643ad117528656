package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrSourceExists = errors.New("source with that name already exists")
	ErrUserExists   = errors.New("user already exists")
	ErrNoContentURL = errors.New("entry has no content url")
)

// DB handles all database operations with a shared connection pool
type DB struct {
	db     *sql.DB
	driver string
	flavor sqlbuilder.Flavor
	now    func() time.Time
}

// Open connects to the database. maxConns only applies to PostgreSQL, SQLite
// always uses a single connection.
func Open(driver, dsn string, maxConns int) (*DB, error) {
	var (
		conn   *sql.DB
		flavor sqlbuilder.Flavor
		err    error
	)

	switch driver {
	case DriverSQLite:
		conn, err = sqliteConnection(dsn)
		flavor = sqlbuilder.SQLite
	case DriverPostgres:
		conn, err = postgresConnection(dsn, maxConns)
		flavor = sqlbuilder.PostgreSQL
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	return &DB{db: conn, driver: driver, flavor: flavor, now: time.Now}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// SetClock replaces the time source used for bookkeeping timestamps
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Now returns the current time at the precision timestamps are stored with
func (db *DB) Now() time.Time {
	return db.now().Truncate(time.Microsecond)
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// Timestamps are stored as unix microseconds in both dialects

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v)
}

func nullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

// optional maps an empty string to NULL
func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
