// Package metaindex maintains the on-disk metadata index: a derived cache of
// hash, size, token count, and version pointers for every document.
//
// The index is never trusted blindly. Get checks each entry against the live
// file (size and modification time) and refreshes a stale entry in place. A
// failure to parse the index file triggers a full Rebuild instead of an error.
package metaindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/storage"
)

// FileName is the index file name inside the state directory.
const FileName = "index.json"

const formatVersion = 1

// VersionRef points at one recorded version without its content.
type VersionRef struct {
	Number     int               `json:"number"`
	ChangeType models.ChangeType `json:"change_type"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Entry is the indexed metadata of one document.
type Entry struct {
	Path           string       `json:"-"`
	Hash           string       `json:"hash"`
	SizeBytes      int64        `json:"size_bytes"`
	TokenCount     int          `json:"token_count"`
	ModTime        time.Time    `json:"mod_time"`
	Versions       []VersionRef `json:"versions"`
	CurrentVersion int          `json:"current_version"`
}

// RefsFromVersions converts version records (any order) into ascending refs.
func RefsFromVersions(vs []models.Version) []VersionRef {
	refs := make([]VersionRef, 0, len(vs))
	for _, v := range vs {
		refs = append(refs, VersionRef{Number: v.Number, ChangeType: v.ChangeType, Timestamp: v.Timestamp})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })
	return refs
}

// VersionSource supplies recorded versions during Rebuild.
type VersionSource interface {
	History(ctx context.Context, path string, limit int) ([]models.Version, error)
}

// MetadataIndex is the contract other components depend on.
type MetadataIndex interface {
	Get(ctx context.Context, path string) (Entry, bool, error)
	Upsert(ctx context.Context, path string, e Entry) error
	Remove(ctx context.Context, path string) error
	Rebuild(ctx context.Context) error
	All(ctx context.Context) ([]Entry, error)
}

var _ MetadataIndex = (*Index)(nil)

type indexFile struct {
	Version   int              `json:"version"`
	Documents map[string]Entry `json:"documents"`
}

// Index is a JSON-file backed MetadataIndex.
type Index struct {
	store    *storage.FS
	file     string
	versions VersionSource
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	loaded  bool
}

// New creates an Index persisted under stateDir. versions may be nil, in
// which case Rebuild leaves version pointers empty.
func New(store *storage.FS, stateDir string, versions VersionSource, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:    store,
		file:     filepath.Join(stateDir, FileName),
		versions: versions,
		logger:   logger,
	}
}

// Path returns the index file location.
func (x *Index) Path() string { return x.file }

// Get returns the entry for path after reconciling it with the file system.
// The boolean is false when the document does not exist or path is not a
// document path.
func (x *Index) Get(ctx context.Context, path string) (Entry, bool, error) {
	path = storage.Normalize(path)
	if !x.store.Matches(path) {
		return Entry{}, false, nil
	}
	if err := x.ensureLoaded(ctx); err != nil {
		return Entry{}, false, err
	}

	x.mu.RLock()
	e, ok := x.entries[path]
	x.mu.RUnlock()

	info, statErr := x.store.Stat(path)
	switch {
	case statErr != nil && !storage.IsNotExist(statErr):
		return Entry{}, false, statErr
	case statErr != nil && !ok:
		return Entry{}, false, nil
	case statErr == nil && ok && consistent(e, info):
		e.Path = path
		return e, true, nil
	}

	x.logger.Debug("metaindex: entry inconsistent with file, refreshing",
		slog.String("path", path))
	return x.Refresh(ctx, path)
}

// Refresh recomputes the entry of a single path from the file and its
// recorded versions. A missing file drops the entry.
func (x *Index) Refresh(ctx context.Context, path string) (Entry, bool, error) {
	path = storage.Normalize(path)
	if !x.store.Matches(path) {
		return Entry{}, false, nil
	}
	if err := x.ensureLoaded(ctx); err != nil {
		return Entry{}, false, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok, err := x.entryFor(ctx, path)
	if err != nil {
		return Entry{}, false, err
	}
	_, had := x.entries[path]
	switch {
	case ok:
		x.entries[path] = e
	case had:
		delete(x.entries, path)
	default:
		return Entry{}, false, nil
	}
	if err := x.persistLocked(); err != nil {
		return Entry{}, false, err
	}
	e.Path = path
	return e, ok, nil
}

func consistent(e Entry, info os.FileInfo) bool {
	return e.SizeBytes == info.Size() && e.ModTime.Equal(info.ModTime())
}

// Upsert stores e under path and persists the index.
func (x *Index) Upsert(ctx context.Context, path string, e Entry) error {
	if err := x.ensureLoaded(ctx); err != nil {
		return err
	}
	path = storage.Normalize(path)
	e.Path = ""
	if e.CurrentVersion == 0 {
		e.CurrentVersion = len(e.Versions)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[path] = e
	return x.persistLocked()
}

// Remove drops path from the index. Removing an unknown path is a no-op.
func (x *Index) Remove(ctx context.Context, path string) error {
	if err := x.ensureLoaded(ctx); err != nil {
		return err
	}
	path = storage.Normalize(path)

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[path]; !ok {
		return nil
	}
	delete(x.entries, path)
	return x.persistLocked()
}

// All returns every entry sorted by path.
func (x *Index) All(ctx context.Context) ([]Entry, error) {
	if err := x.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]Entry, 0, len(x.entries))
	for p, e := range x.entries {
		e.Path = p
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Rebuild rescans every document, recomputing hash, size, and token count,
// reloads version pointers, and atomically replaces the index file.
func (x *Index) Rebuild(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rebuildLocked(ctx)
}

func (x *Index) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	docs, err := x.store.List()
	if err != nil {
		return fmt.Errorf("metaindex: rebuild: %w", err)
	}
	entries := make(map[string]Entry, len(docs))
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, ok, err := x.entryFor(ctx, d.Path)
		if err != nil {
			return fmt.Errorf("metaindex: rebuild: %w", err)
		}
		if ok {
			entries[d.Path] = e
		}
	}

	x.entries = entries
	x.loaded = true
	if err := x.persistLocked(); err != nil {
		return err
	}
	x.logger.Info("metaindex: rebuilt",
		slog.Int("documents", len(entries)),
		slog.String("duration", time.Since(start).String()))
	return nil
}

// entryFor computes the entry of path from disk. The boolean is false when
// the file no longer exists.
func (x *Index) entryFor(ctx context.Context, path string) (Entry, bool, error) {
	data, err := x.store.Read(path)
	if err != nil {
		if storage.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	info, err := x.store.Stat(path)
	if err != nil {
		if storage.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e := Entry{
		Hash:       checksum.Sum(data),
		SizeBytes:  info.Size(),
		TokenCount: checksum.Tokens(string(data)),
		ModTime:    info.ModTime(),
	}
	if x.versions != nil {
		vs, err := x.versions.History(ctx, path, 0)
		if err != nil {
			return Entry{}, false, fmt.Errorf("versions of %s: %w", path, err)
		}
		e.Versions = RefsFromVersions(vs)
		e.CurrentVersion = len(e.Versions)
	}
	return e, true, nil
}

// ensureLoaded reads the index file once. A missing file and an unreadable
// file both fall back to Rebuild.
func (x *Index) ensureLoaded(ctx context.Context) error {
	x.mu.RLock()
	loaded := x.loaded
	x.mu.RUnlock()
	if loaded {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.loaded {
		return nil
	}
	entries, err := readIndexFile(x.file)
	switch {
	case err == nil:
		x.entries = entries
		x.loaded = true
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return x.rebuildLocked(ctx)
	case errors.Is(err, apperr.ErrIndexCorrupt):
		x.logger.Warn("metaindex: index corrupt, rebuilding",
			slog.String("file", x.file), slog.String("error", err.Error()))
		return x.rebuildLocked(ctx)
	default:
		return fmt.Errorf("metaindex: load: %w", err)
	}
}

func readIndexFile(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrIndexCorrupt, err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", apperr.ErrIndexCorrupt, f.Version)
	}
	if f.Documents == nil {
		f.Documents = make(map[string]Entry)
	}
	return f.Documents, nil
}

func (x *Index) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(x.file), 0o755); err != nil {
		return fmt.Errorf("metaindex: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(indexFile{Version: formatVersion, Documents: x.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("metaindex: marshal: %w", err)
	}
	if err := atomic.WriteFile(x.file, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("metaindex: write: %w", err)
	}
	return nil
}
