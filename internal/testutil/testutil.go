// Package testutil provides shared test helpers for setting up document
// roots and registries.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/igrechuhin/cortex/internal/registry"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// Registry builds a registry over a fresh temporary root and closes it
// when the test ends.
func Registry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Options{Root: t.TempDir(), Logger: Logger()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// WriteFiles writes files (relative path to content) under root directly on
// disk, bypassing the store, as an external editor would.
func WriteFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}
