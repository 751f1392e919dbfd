// Package versions records an immutable, numbered snapshot of a document on
// every write. Snapshots live under <state_dir>/history as
// "<doc>_v<N>.md" next to a "<doc>.versions.json" manifest. History is
// append-only: numbers are contiguous from 1 and nothing is ever deleted.
package versions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/storage"
)

// HistoryDir is the snapshot directory name inside the state directory.
const HistoryDir = "history"

// VersionManager is the contract for recording and reading versions.
type VersionManager interface {
	Snapshot(ctx context.Context, path string, content []byte, change models.ChangeType, description string) (*models.Version, error)
	History(ctx context.Context, path string, limit int) ([]models.Version, error)
	Get(ctx context.Context, path string, number int) (*models.Version, error)
	Latest(ctx context.Context, path string) (int, error)
}

var _ VersionManager = (*Manager)(nil)

type manifest struct {
	Path     string           `json:"path"`
	Versions []models.Version `json:"versions"`
}

// Manager stores snapshots on the local file system.
//
// Callers serialize Snapshot per path (the document write lock does this);
// the manager itself only guards its ID generator.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Manager storing history under stateDir.
func New(stateDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:     filepath.Join(stateDir, HistoryDir),
		logger:  logger,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Dir returns the history directory.
func (m *Manager) Dir() string { return m.dir }

// BaseName maps a document path to its flat history name:
// "notes/a.md" becomes "notes__a".
func BaseName(path string) string {
	p := storage.Normalize(path)
	p = strings.TrimSuffix(p, ".md")
	return strings.ReplaceAll(p, "/", "__")
}

// SnapshotFile returns the snapshot file name for version n of path.
func SnapshotFile(path string, n int) string {
	return fmt.Sprintf("%s_v%d.md", BaseName(path), n)
}

func (m *Manager) manifestPath(path string) string {
	return filepath.Join(m.dir, BaseName(path)+".versions.json")
}

func (m *Manager) newID(t time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), m.entropy).String()
}

// Snapshot appends version len(history)+1 holding content.
func (m *Manager) Snapshot(ctx context.Context, path string, content []byte, change models.ChangeType, description string) (*models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = storage.Normalize(path)
	mf, err := m.readManifest(path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v := models.Version{
		ID:          m.newID(now),
		Path:        path,
		Number:      len(mf.Versions) + 1,
		Timestamp:   now,
		ChangeType:  change,
		Description: description,
		Hash:        checksum.Sum(content),
		SizeBytes:   int64(len(content)),
		TokenCount:  checksum.Tokens(string(content)),
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("versions: mkdir: %w", err)
	}
	// Snapshot first: a manifest entry must never point at a missing file.
	snap := filepath.Join(m.dir, SnapshotFile(path, v.Number))
	if err := atomic.WriteFile(snap, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("versions: write snapshot %s: %w", snap, err)
	}

	mf.Path = path
	mf.Versions = append(mf.Versions, v)
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("versions: marshal manifest: %w", err)
	}
	if err := atomic.WriteFile(m.manifestPath(path), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("versions: write manifest: %w", err)
	}

	m.logger.Debug("versions: snapshot recorded",
		slog.String("path", path),
		slog.Int("version", v.Number),
		slog.String("change", string(change)))
	return &v, nil
}

// History returns version records newest first, without content. A limit
// of zero or less returns all of them.
func (m *Manager) History(ctx context.Context, path string, limit int) ([]models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mf, err := m.readManifest(storage.Normalize(path))
	if err != nil {
		return nil, err
	}
	n := len(mf.Versions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Version, 0, n)
	for i := len(mf.Versions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, mf.Versions[i])
	}
	return out, nil
}

// Get returns version number of path with its snapshot content.
func (m *Manager) Get(ctx context.Context, path string, number int) (*models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = storage.Normalize(path)
	mf, err := m.readManifest(path)
	if err != nil {
		return nil, err
	}
	if number < 1 || number > len(mf.Versions) {
		return nil, &apperr.VersionNotFoundError{Path: path, Version: number, Latest: len(mf.Versions)}
	}
	v := mf.Versions[number-1]
	data, err := os.ReadFile(filepath.Join(m.dir, SnapshotFile(path, number)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &apperr.VersionNotFoundError{Path: path, Version: number, Latest: len(mf.Versions)}
		}
		return nil, fmt.Errorf("versions: read snapshot: %w", err)
	}
	v.Content = string(data)
	return &v, nil
}

// Latest returns the newest version number, or 0 when none exists.
func (m *Manager) Latest(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	mf, err := m.readManifest(storage.Normalize(path))
	if err != nil {
		return 0, err
	}
	return len(mf.Versions), nil
}

func (m *Manager) readManifest(path string) (manifest, error) {
	data, err := os.ReadFile(m.manifestPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest{Path: path}, nil
		}
		return manifest{}, fmt.Errorf("versions: read manifest: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return manifest{}, fmt.Errorf("versions: parse manifest for %s: %w", path, err)
	}
	return mf, nil
}
