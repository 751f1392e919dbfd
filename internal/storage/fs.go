package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/natefinch/atomic"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/models"
)

// Default document patterns.
var (
	DefaultInclude = []string{"**/*.md"}
	DefaultExclude = []string{".cortex/**"}
)

// FS implements Provider backed by the local file system.
type FS struct {
	root    string // absolute path to the document root
	include []string
	exclude []string
}

// Option configures an FS.
type Option func(*FS)

// WithPatterns sets the doublestar include/exclude patterns used by List.
// Empty slices keep the defaults.
func WithPatterns(include, exclude []string) Option {
	return func(f *FS) {
		if len(include) > 0 {
			f.include = include
		}
		if len(exclude) > 0 {
			f.exclude = exclude
		}
	}
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string, opts ...Option) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	f := &FS{root: abs, include: DefaultInclude, exclude: DefaultExclude}
	for _, opt := range opts {
		opt(f)
	}
	for _, p := range append(append([]string{}, f.include...), f.exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("storage: invalid pattern %q", p)
		}
	}
	return f, nil
}

// Root returns the absolute document root.
func (f *FS) Root() string {
	return f.root
}

// Abs resolves a root-relative path to an absolute path inside the root.
func (f *FS) Abs(rel string) (string, error) {
	return f.safePath(rel)
}

// safePath resolves a relative path against the root and rejects
// any result that escapes it (directory traversal).
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: absolute paths not allowed: %s: %w", rel, apperr.ErrInvalidPath)
	}
	abs := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("storage: path escapes root: %s: %w", rel, apperr.ErrInvalidPath)
	}
	return abs, nil
}

// Normalize returns the canonical slash-separated form of a relative path.
func Normalize(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/"))))
}

// Matches reports whether rel is a document according to the patterns.
func (f *FS) Matches(rel string) bool {
	rel = Normalize(rel)
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// List walks the root and returns metadata for every document matching the
// include patterns and none of the exclude patterns.
func (f *FS) List() ([]models.DocumentMetadata, error) {
	var out []models.DocumentMetadata
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && f.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !f.Matches(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out = append(out, models.DocumentMetadata{
			Path:      rel,
			Hash:      checksum.Sum(data),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (f *FS) excludedDir(rel string) bool {
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, rel+"/"); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Read returns the raw bytes of a document.
func (f *FS) Read(path string) ([]byte, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

// Stat returns file info for a document.
func (f *FS) Stat(path string) (os.FileInfo, error) {
	abs, err := f.safePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return info, nil
}

// Exists reports whether a regular file exists at path.
func (f *FS) Exists(path string) bool {
	info, err := f.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Write atomically replaces path with content. A new file is made
// world-readable once it is in place.
func (f *FS) Write(path string, content []byte) error {
	abs, err := f.safePath(path)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: cannot write root: %w", apperr.ErrInvalidPath)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	_, statErr := os.Stat(abs)
	if err := atomic.WriteFile(abs, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if errors.Is(statErr, fs.ErrNotExist) {
		if err := os.Chmod(abs, 0o644); err != nil {
			return fmt.Errorf("storage: chmod: %w", err)
		}
	}
	return nil
}

// IsNotExist reports whether err means the document is absent.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
