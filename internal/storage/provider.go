// Package storage implements the raw document file system layer: traversal-safe
// paths, atomic writes, pattern-filtered listing, and per-document sidecar locks.
package storage

import (
	"os"

	"github.com/igrechuhin/cortex/internal/models"
)

// Provider is the interface for document file operations. Paths are relative
// to the document root and use forward slashes.
type Provider interface {
	// List returns metadata for every document under the root.
	List() ([]models.DocumentMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path with content.
	Write(path string, content []byte) error
	// Stat returns file info for path.
	Stat(path string) (os.FileInfo, error)
	// Exists reports whether a document exists at path.
	Exists(path string) bool
	// Matches reports whether path is a document under the configured patterns.
	Matches(path string) bool
	// Root returns the absolute document root.
	Root() string
}

// Verify *FS satisfies Provider at compile time.
var _ Provider = (*FS)(nil)
