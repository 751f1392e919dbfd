package linkindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/parser"
)

// LinkIndex is the query side used by the adapters.
type LinkIndex interface {
	Backlinks(ctx context.Context, target string) ([]Backlink, error)
	Document(ctx context.Context, path string) (*DocumentRow, error)
}

var _ LinkIndex = (*DB)(nil)

// DocumentRow is a row of the documents table.
type DocumentRow struct {
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Hash      string    `json:"hash"`
	Tags      []string  `json:"tags"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Backlink is an incoming link to a document.
type Backlink struct {
	Source  string          `json:"source"`
	Section string          `json:"section,omitempty"`
	Kind    models.LinkKind `json:"kind"`
	Line    int             `json:"line"`
}

// IndexDocument parses data and replaces the row and outgoing links of path
// in one transaction. Link targets are stored resolved against path.
func (db *DB) IndexDocument(path string, data []byte) error {
	res, err := parser.Parse(data)
	if err != nil {
		return err
	}
	links := parser.ParseLinks(string(data)).All()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("linkindex: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	tags := res.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)

	_, err = tx.Exec(`
		INSERT INTO documents (path, title, hash, tags, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title      = excluded.title,
			hash       = excluded.hash,
			tags       = excluded.tags,
			indexed_at = excluded.indexed_at
	`, path, res.Title, checksum.Sum(data), string(tagsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("linkindex: upsert document: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM links WHERE source = ?`, path); err != nil {
		return fmt.Errorf("linkindex: clear links: %w", err)
	}
	if len(links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target, section, kind, line) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("linkindex: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, ln := range links {
			target := parser.ResolveTarget(path, ln.Target)
			if _, err := stmt.Exec(path, target, ln.Section, string(ln.Kind), ln.Line); err != nil {
				return fmt.Errorf("linkindex: insert link: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Remove deletes path and its outgoing links.
func (db *DB) Remove(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("linkindex: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM links WHERE source = ?`, path); err != nil {
		return fmt.Errorf("linkindex: delete links: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("linkindex: delete document: %w", err)
	}
	return tx.Commit()
}

// DocumentWritten keeps the index current for writes made through the store.
func (db *DB) DocumentWritten(_ context.Context, path string, content []byte) {
	if err := db.IndexDocument(path, content); err != nil {
		db.logger.Warn("linkindex: index after write failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// Hashes returns the indexed hash of every document.
func (db *DB) Hashes() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, hash FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("linkindex: hashes: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, rows.Err()
}

// Document returns the indexed row for path.
func (db *DB) Document(ctx context.Context, path string) (*DocumentRow, error) {
	var (
		row  DocumentRow
		tags string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT path, title, hash, tags, indexed_at FROM documents WHERE path = ?`, path).
		Scan(&row.Path, &row.Title, &row.Hash, &tags, &row.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("linkindex: document: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &row.Tags); err != nil {
		row.Tags = []string{}
	}
	return &row, nil
}

// Backlinks returns every link pointing at target, ordered by source and line.
func (db *DB) Backlinks(ctx context.Context, target string) ([]Backlink, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT source, section, kind, line FROM links WHERE target = ? ORDER BY source, line`, target)
	if err != nil {
		return nil, fmt.Errorf("linkindex: backlinks: %w", err)
	}
	defer rows.Close()

	out := []Backlink{}
	for rows.Next() {
		var (
			b    Backlink
			kind string
		)
		if err := rows.Scan(&b.Source, &b.Section, &kind, &b.Line); err != nil {
			return nil, err
		}
		b.Kind = models.LinkKind(kind)
		out = append(out, b)
	}
	return out, rows.Err()
}
