// Package sqlite implements repository.CredentialStore on SQLite.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the Go binary as a single
// file. It suits single-server deployments, local development and tests
// (":memory:" gives each test a throwaway database).
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which needs a C compiler and makes
// cross-compilation painful. modernc.org/sqlite is a pure Go translation.
//
// LAYOUT:
// Sessions live in their own table keyed by token_hash, with a cascade to
// users. Timestamps are stored as unix milliseconds so that expiry checks
// are plain integer comparisons.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// BLANK IMPORT:
	// The sqlite package's init() registers a database/sql driver named
	// "sqlite". After this import, sql.Open("sqlite", ...) works.
	_ "modernc.org/sqlite"

	"github.com/sakif/authcore/internal/repository"
)

// compile-time check that *DB implements repository.CredentialStore
var _ repository.CredentialStore = (*DB)(nil)

// DB wraps a sql.DB connection pool and the token hasher.
type DB struct {
	conn   *sql.DB
	hasher repository.TokenHasher
	now    func() time.Time
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/authcore.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
//
// CONNECTION POOL:
// sql.Open() does NOT open a connection, it creates a pool manager. Ping
// forces a real connection so a bad path fails here and not on first use.
func New(dbPath string, hasher repository.TokenHasher) (*DB, error) {
	if hasher == nil {
		return nil, fmt.Errorf("sqlite: token hasher is required")
	}

	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate, empty database, so the
	// pool must never open a second one.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// PRAGMA STATEMENTS:
	// Pragmas are per connection. For files they ride on the DSN (see dsn)
	// so every pooled connection gets them; the single in-memory connection
	// is configured here.
	if dbPath == ":memory:" {
		for _, pragma := range pragmas {
			if _, err := conn.Exec("PRAGMA " + pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("sqlite: PRAGMA %s: %w", pragma, err)
			}
		}
	}

	db := &DB{conn: conn, hasher: hasher, now: time.Now}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// migrate creates the schema. CREATE ... IF NOT EXISTS makes it safe to run
// on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			uid        TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL DEFAULT '',
			provider   TEXT NOT NULL DEFAULT 'email',
			photo_url  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			token_hash TEXT PRIMARY KEY,
			uid        TEXT NOT NULL REFERENCES users(uid) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			user_agent TEXT NOT NULL DEFAULT '',
			ip         TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_uid ON sessions(uid);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	return nil
}

// pragmas every connection needs:
//   - foreign keys are OFF by default, and the sessions → users cascade
//     depends on them
//   - concurrent logins contend for the write lock, so wait instead of
//     failing with SQLITE_BUSY straight away
//   - WAL lets readers continue while a write is in progress
var pragmas = []string{"foreign_keys(1)", "busy_timeout(5000)", "journal_mode(WAL)"}

// dsn appends the pragmas to a file path as modernc _pragma parameters.
func dsn(dbPath string) string {
	if dbPath == ":memory:" || strings.Contains(dbPath, "?") {
		return dbPath
	}
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + dbPath + "?" + strings.Join(params, "&")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
