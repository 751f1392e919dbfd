// Package docstore is the document store: reads with integrity metadata and
// locked, versioned, atomic writes.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/metaindex"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/parser"
	"github.com/igrechuhin/cortex/internal/storage"
	"github.com/igrechuhin/cortex/internal/versions"
)

// FileStore is the document store contract used by the adapters.
type FileStore interface {
	Read(ctx context.Context, path string) (*models.Document, error)
	ReadContent(ctx context.Context, path string) (content, hash string, err error)
	Write(ctx context.Context, path string, content []byte, opts WriteOptions) (*models.Version, error)
	History(ctx context.Context, path string, limit int) ([]models.Version, error)
	Rollback(ctx context.Context, path string, version int) (*models.Version, error)
	ParseLinks(ctx context.Context, path string) (*parser.Links, error)
	Sections(ctx context.Context, path string) ([]models.Section, error)
	List(ctx context.Context) ([]models.DocumentMetadata, error)
	Hash(ctx context.Context, path string) (string, error)
	Exists(ctx context.Context, path string) bool
}

var _ FileStore = (*Store)(nil)

// WriteOptions tune a single write.
type WriteOptions struct {
	// ExpectedHash, when set, makes the write optimistic: it fails with a
	// ConflictError if the current content hash differs or if another
	// writer holds the lock, instead of waiting.
	ExpectedHash string
	Description  string
}

// Observer is notified after every successful write.
type Observer interface {
	DocumentWritten(ctx context.Context, path string, content []byte)
}

// Store implements FileStore.
type Store struct {
	fs          *storage.FS
	locker      *storage.Locker
	index       metaindex.MetadataIndex
	versions    versions.VersionManager
	parser      parser.LinkParser
	lockTimeout time.Duration
	logger      *slog.Logger
	observers   []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long Write and Rollback wait for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers o for write notifications.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

// New creates a Store.
func New(fs *storage.FS, locker *storage.Locker, index metaindex.MetadataIndex, vm versions.VersionManager, opts ...Option) *Store {
	s := &Store{
		fs:          fs,
		locker:      locker,
		index:       index,
		versions:    vm,
		parser:      parser.Markdown{},
		lockTimeout: storage.DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers o after construction.
func (s *Store) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Read returns the document with hash, size, token count, sections, and
// the version list (oldest first).
func (s *Store) Read(ctx context.Context, path string) (*models.Document, error) {
	path = storage.Normalize(path)
	content, hash, err := s.ReadContent(ctx, path)
	if err != nil {
		return nil, err
	}
	hist, err := s.versions.History(ctx, path, 0)
	if err != nil {
		return nil, fmt.Errorf("docstore: read %s: %w", path, err)
	}
	vs := make([]models.Version, len(hist))
	for i, v := range hist {
		vs[len(hist)-1-i] = v
	}
	return &models.Document{
		Path:       path,
		Content:    content,
		Hash:       hash,
		SizeBytes:  int64(len(content)),
		TokenCount: checksum.Tokens(content),
		Sections:   parser.Sections(content),
		Versions:   vs,
	}, nil
}

// ReadContent returns the raw content and its freshly computed hash.
func (s *Store) ReadContent(ctx context.Context, path string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	path = storage.Normalize(path)
	data, err := s.fs.Read(path)
	if err != nil {
		if storage.IsNotExist(err) {
			return "", "", &apperr.NotFoundError{Path: path}
		}
		return "", "", err
	}
	return string(data), checksum.Sum(data), nil
}

// Write stores content as a new version of path.
//
// Sequence: lock, read current, hash check, atomic write, snapshot, index
// upsert, unlock. With WriteOptions.ExpectedHash the hash is checked before
// taking the lock and again under it.
func (s *Store) Write(ctx context.Context, path string, content []byte, opts WriteOptions) (*models.Version, error) {
	path = storage.Normalize(path)
	if !s.fs.Matches(path) {
		return nil, fmt.Errorf("docstore: %s is not a document path: %w", path, apperr.ErrInvalidPath)
	}

	var (
		lk  *storage.Lock
		err error
	)
	if opts.ExpectedHash != "" {
		if cur, _ := s.currentHash(path); cur != opts.ExpectedHash {
			return nil, &apperr.ConflictError{Path: path, Expected: opts.ExpectedHash, Actual: cur}
		}
		lk, err = s.locker.TryAcquire(path)
		if errors.Is(err, storage.ErrLocked) {
			return nil, &apperr.ConflictError{Path: path, Expected: opts.ExpectedHash, Reason: "another writer holds the lock"}
		}
	} else {
		lk, err = s.locker.Acquire(ctx, path, s.lockTimeout)
	}
	if err != nil {
		return nil, err
	}
	defer s.release(lk)

	return s.writeLocked(ctx, path, content, opts, "")
}

// Rollback appends a new version whose content equals version n.
// History is never truncated.
func (s *Store) Rollback(ctx context.Context, path string, n int) (*models.Version, error) {
	path = storage.Normalize(path)
	lk, err := s.locker.Acquire(ctx, path, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer s.release(lk)

	target, err := s.versions.Get(ctx, path, n)
	if err != nil {
		return nil, err
	}
	return s.writeLocked(ctx, path, []byte(target.Content), WriteOptions{
		Description: fmt.Sprintf("rollback to version %d", n),
	}, models.ChangeRollback)
}

func (s *Store) writeLocked(ctx context.Context, path string, content []byte, opts WriteOptions, change models.ChangeType) (*models.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prev, readErr := s.fs.Read(path)
	exists := readErr == nil
	if readErr != nil && !storage.IsNotExist(readErr) {
		return nil, readErr
	}
	if opts.ExpectedHash != "" {
		actual := ""
		if exists {
			actual = checksum.Sum(prev)
		}
		if actual != opts.ExpectedHash {
			return nil, &apperr.ConflictError{Path: path, Expected: opts.ExpectedHash, Actual: actual}
		}
	}
	if change == "" {
		change = models.ChangeUpdate
		if !exists {
			change = models.ChangeCreate
		}
	}

	if err := s.fs.Write(path, content); err != nil {
		return nil, fmt.Errorf("docstore: write %s: %w", path, err)
	}

	v, err := s.versions.Snapshot(ctx, path, content, change, opts.Description)
	if err != nil {
		// Keep the document and its history in step.
		s.undoWrite(path, prev, exists)
		return nil, fmt.Errorf("docstore: snapshot %s: %w", path, err)
	}

	s.upsertIndex(ctx, path, content, v)
	for _, o := range s.observers {
		o.DocumentWritten(ctx, path, content)
	}

	s.logger.Info("docstore: document written",
		slog.String("path", path),
		slog.Int("version", v.Number),
		slog.String("change", string(v.ChangeType)))
	return v, nil
}

// undoWrite restores the previous content, or removes a document created
// by the failed write.
func (s *Store) undoWrite(path string, prev []byte, existed bool) {
	var err error
	if existed {
		err = s.fs.Write(path, prev)
	} else {
		var abs string
		if abs, err = s.fs.Abs(path); err == nil {
			err = os.Remove(abs)
		}
	}
	if err != nil {
		s.logger.Error("docstore: undo after failed snapshot",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

// upsertIndex records the write in the metadata index. The index is
// derived data, so a failure is logged and left to self-heal.
func (s *Store) upsertIndex(ctx context.Context, path string, content []byte, v *models.Version) {
	info, err := s.fs.Stat(path)
	if err == nil {
		var hist []models.Version
		hist, err = s.versions.History(ctx, path, 0)
		if err == nil {
			err = s.index.Upsert(ctx, path, metaindex.Entry{
				Hash:           v.Hash,
				SizeBytes:      info.Size(),
				TokenCount:     checksum.Tokens(string(content)),
				ModTime:        info.ModTime(),
				Versions:       metaindex.RefsFromVersions(hist),
				CurrentVersion: v.Number,
			})
		}
	}
	if err != nil {
		s.logger.Warn("docstore: metadata index update failed",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (s *Store) release(lk *storage.Lock) {
	if err := lk.Release(); err != nil {
		s.logger.Warn("docstore: lock release failed",
			slog.String("path", lk.Path()), slog.String("error", err.Error()))
	}
}

func (s *Store) currentHash(path string) (string, error) {
	data, err := s.fs.Read(path)
	if err != nil {
		return "", err
	}
	return checksum.Sum(data), nil
}

// History returns recorded versions newest first.
func (s *Store) History(ctx context.Context, path string, limit int) ([]models.Version, error) {
	path = storage.Normalize(path)
	hist, err := s.versions.History(ctx, path, limit)
	if err != nil {
		return nil, err
	}
	if len(hist) == 0 && !s.fs.Exists(path) {
		return nil, &apperr.NotFoundError{Path: path}
	}
	return hist, nil
}

// ParseLinks parses the reference links and transclusions of path.
func (s *Store) ParseLinks(ctx context.Context, path string) (*parser.Links, error) {
	path = storage.Normalize(path)
	content, _, err := s.ReadContent(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.parser.ParseLinks(content).WithSource(path), nil
}

// Sections returns the headings of path.
func (s *Store) Sections(ctx context.Context, path string) ([]models.Section, error) {
	content, _, err := s.ReadContent(ctx, path)
	if err != nil {
		return nil, err
	}
	return parser.Sections(content), nil
}

// List returns metadata for every document.
func (s *Store) List(ctx context.Context) ([]models.DocumentMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fs.List()
}

// Hash returns the current content hash of path from the metadata index,
// which verifies it against the file before answering.
func (s *Store) Hash(ctx context.Context, path string) (string, error) {
	path = storage.Normalize(path)
	e, ok, err := s.index.Get(ctx, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &apperr.NotFoundError{Path: path}
	}
	return e.Hash, nil
}

// Exists reports whether path is an existing document.
func (s *Store) Exists(_ context.Context, path string) bool {
	path = storage.Normalize(path)
	return s.fs.Matches(path) && s.fs.Exists(path)
}
