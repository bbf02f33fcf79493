package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the relational store. SQLite in WAL mode with a busy timeout is
// the single serialization point for concurrent writers; everything else in
// the process treats it as the source of truth.
type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	d := &DB{sql: conn}
	if err := d.createSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("db: open memory: %w", err)
	}
	// A single connection keeps the in-memory database alive and visible to
	// every goroutine in the test.
	conn.SetMaxOpenConns(1)
	d := &DB{sql: conn}
	if err := d.createSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, query, args...)
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	public_key       TEXT NOT NULL UNIQUE,
	seq              INTEGER NOT NULL DEFAULT 0,
	changes_floor    INTEGER NOT NULL DEFAULT 0,
	settings         TEXT,
	settings_version INTEGER NOT NULL DEFAULT 0,
	feed_seq         INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_requests (
	public_key          TEXT PRIMARY KEY,
	id                  TEXT NOT NULL,
	supports_v2         INTEGER NOT NULL DEFAULT 0,
	response            TEXT NOT NULL DEFAULT '',
	response_account_id TEXT NOT NULL DEFAULT '',
	token               TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	tag                 TEXT NOT NULL,
	seq                 INTEGER NOT NULL DEFAULT 0,
	metadata            TEXT NOT NULL DEFAULT '',
	metadata_version    INTEGER NOT NULL DEFAULT 0,
	agent_state         TEXT,
	agent_state_version INTEGER NOT NULL DEFAULT 0,
	data_encryption_key TEXT,
	active              INTEGER NOT NULL DEFAULT 0,
	last_active_at      INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	UNIQUE (account_id, tag)
);

CREATE TABLE IF NOT EXISTS session_messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE TABLE IF NOT EXISTS machines (
	account_id           TEXT NOT NULL,
	id                   TEXT NOT NULL,
	metadata             TEXT NOT NULL DEFAULT '',
	metadata_version     INTEGER NOT NULL DEFAULT 0,
	daemon_state         TEXT,
	daemon_state_version INTEGER NOT NULL DEFAULT 0,
	data_encryption_key  TEXT,
	active               INTEGER NOT NULL DEFAULT 0,
	last_active_at       INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	PRIMARY KEY (account_id, id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	account_id          TEXT NOT NULL,
	id                  TEXT NOT NULL,
	header              TEXT NOT NULL DEFAULT '',
	header_version      INTEGER NOT NULL DEFAULT 0,
	body                TEXT NOT NULL DEFAULT '',
	body_version        INTEGER NOT NULL DEFAULT 0,
	data_encryption_key TEXT NOT NULL DEFAULT '',
	seq                 INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (account_id, id)
);

CREATE TABLE IF NOT EXISTS access_keys (
	account_id   TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	variant      TEXT NOT NULL,
	data         TEXT NOT NULL DEFAULT '',
	data_version INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (account_id, session_id, variant)
);

CREATE TABLE IF NOT EXISTS kv_entries (
	account_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, key)
);

CREATE TABLE IF NOT EXISTS relationships (
	account_id TEXT NOT NULL,
	other_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, other_id)
);

CREATE TABLE IF NOT EXISTS feed_items (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	counter    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (account_id, counter)
);

CREATE TABLE IF NOT EXISTS account_changes (
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	cursor     INTEGER NOT NULL,
	changed_at INTEGER NOT NULL,
	hint       TEXT,
	PRIMARY KEY (account_id, kind, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_account_changes_cursor
	ON account_changes (account_id, cursor, kind, entity_id);

CREATE TABLE IF NOT EXISTS stream_entries (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	stream   TEXT NOT NULL,
	payload  TEXT NOT NULL,
	added_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stream_entries_stream ON stream_entries (stream, id);

CREATE TABLE IF NOT EXISTS stream_groups (
	stream            TEXT NOT NULL,
	grp               TEXT NOT NULL,
	last_delivered_id INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (stream, grp)
);

CREATE TABLE IF NOT EXISTS stream_pending (
	stream         TEXT NOT NULL,
	grp            TEXT NOT NULL,
	entry_id       INTEGER NOT NULL,
	consumer       TEXT NOT NULL,
	delivered_at   INTEGER NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (stream, grp, entry_id)
);
`

func (d *DB) createSchema(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("db: create schema: %w", err)
	}
	return nil
}
