package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour spoken by the underlying driver
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	dialect Dialect
}

// New creates a new database connection. A postgres:// or postgresql:// DSN
// selects lib/pq; anything else is treated as a SQLite file path.
func New(dsn string) (*DB, error) {
	dialect := DialectForDSN(dsn)

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// A single writer keeps upserts and pruning transactions from
		// tripping over SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	return &DB{DB: db, dialect: dialect}, nil
}

// Open creates a connection and verifies it with a ping
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := New(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// DialectForDSN picks the driver for a DSN
func DialectForDSN(dsn string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Dialect returns the SQL dialect of the connection
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	schema := sqliteSchema
	if db.dialect == DialectPostgres {
		schema = postgresSchema
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders into $n for postgres
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
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

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.QueryRowContext(ctx, db.rebind(query), args...)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS issues (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT,
	state TEXT NOT NULL,
	labels TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	github_created_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, repo, number)
);

CREATE TABLE IF NOT EXISTS labels (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, repo, name)
);

CREATE TABLE IF NOT EXISTS sync_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	status TEXT NOT NULL,
	issues_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	sync_type TEXT NOT NULL,
	last_sync_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_records_tenant ON sync_records (owner, repo, id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	last_sync_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner, repo)
);

CREATE TABLE IF NOT EXISTS sync_leases (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	holder TEXT NOT NULL,
	acquired_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL,
	PRIMARY KEY (owner, repo)
)
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS issues (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT,
	state TEXT NOT NULL,
	labels TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	github_created_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner, repo, number)
);

CREATE TABLE IF NOT EXISTS labels (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	name TEXT NOT NULL,
	color TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner, repo, name)
);

CREATE TABLE IF NOT EXISTS sync_records (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	status TEXT NOT NULL,
	issues_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	sync_type TEXT NOT NULL,
	last_sync_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_records_tenant ON sync_records (owner, repo, id);

CREATE TABLE IF NOT EXISTS sync_cursors (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	last_sync_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner, repo)
);

CREATE TABLE IF NOT EXISTS sync_leases (
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	holder TEXT NOT NULL,
	acquired_at_ms BIGINT NOT NULL,
	expires_at_ms BIGINT NOT NULL,
	PRIMARY KEY (owner, repo)
)
`
