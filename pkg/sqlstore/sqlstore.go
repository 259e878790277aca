package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hashfs-io/hashfs/pkg/hferr"
	"github.com/hashfs-io/hashfs/pkg/log"
)

// IsUniqueViolation reports whether err came from a UNIQUE constraint
// failure, letting callers translate it into a domain-specific EEXIST
// without depending on the sqlite driver's error type directly.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// BusyTimeout is passed to SQLite's busy_timeout pragma so that concurrent
// engine processes sharing a directory (spec.md §5) block briefly instead of
// failing immediately on a locked database.
const BusyTimeout = 5 * time.Second

// DB wraps one *sql.DB with a per-connection prepared-statement cache keyed
// by SQL text (spec.md §9).
type DB struct {
	path string
	conn *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

// Open opens (creating if absent) the SQLite database at path, enables WAL
// and a busy timeout, and returns a handle good for the engine's lifetime.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInit, err, "open "+path)
	}
	conn.SetMaxOpenConns(1) // single-writer per file; SQLite serializes anyway
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, hferr.Wrap(hferr.FailEInit, err, "pragma on "+path)
		}
	}
	return &DB{path: path, conn: conn, stmts: make(map[string]*sql.Stmt)}, nil
}

// Path returns the database file path this handle was opened on.
func (d *DB) Path() string { return d.path }

// Close releases every cached statement and the underlying connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.stmts {
		_ = st.Close()
	}
	d.stmts = nil
	return d.conn.Close()
}

// Exec runs a statement with no result rows, via the statement cache.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	stmt, err := d.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// Query runs a statement returning rows, via the statement cache.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	stmt, err := d.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	stmt, err := d.prepare(ctx, query)
	if err != nil {
		// sql.Row defers error reporting to Scan; emulate that by returning
		// a row bound to a connection-level QueryRowContext, which will
		// itself fail identically.
		return d.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func (d *DB) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.stmts[query]; ok {
		return st, nil
	}
	st, err := d.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, hferr.Wrap(hferr.FailEInternal, err, "prepare statement")
	}
	d.stmts[query] = st
	return st, nil
}

// Tx is a transaction bound to the statement cache's underlying connection.
// Statements run within it are passed straight to the *sql.Tx; they do not
// go through the DB's prepared-statement cache.
type Tx struct {
	db *DB
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil return and rolling
// back otherwise. Transactions are kept short and batch-bounded by callers
// (spec.md §5 "Suspension points") so they never hold a write lock across
// network I/O to peers.
func (d *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "begin transaction")
	}
	tx := &Tx{db: d, tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return hferr.Wrap(hferr.FailEInternal, err, "commit transaction")
	}
	return nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// MustExecSchema runs a sequence of DDL statements at open time, logging and
// returning a FailEInit error on the first failure — used by every store's
// Open function to create its tables if absent.
func MustExecSchema(ctx context.Context, d *DB, statements []string) error {
	for _, s := range statements {
		if _, err := d.conn.ExecContext(ctx, s); err != nil {
			log.WithComponent("sqlstore").Error().Err(err).Str("path", d.path).Msg("schema statement failed")
			return hferr.Wrap(hferr.FailEInit, err, "apply schema to "+d.path)
		}
	}
	return nil
}
