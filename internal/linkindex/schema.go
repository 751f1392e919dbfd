// Package linkindex keeps a SQLite index of document titles, tags, and the
// links between documents, so backlink queries do not rescan the store.
package linkindex

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	hash       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS links (
	source  TEXT NOT NULL,
	target  TEXT NOT NULL,
	section TEXT NOT NULL DEFAULT '',
	kind    TEXT NOT NULL,
	line    INTEGER NOT NULL,
	UNIQUE(source, target, section, kind, line)
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);
`

// DB wraps a sql.DB with link index operations.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("linkindex: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("linkindex: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("linkindex: apply schema: %w", err)
	}
	return &DB{conn: conn, logger: logger}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
