// Package registry builds every component over one document root and hands
// them to the adapters. There is no process-wide state: each Registry owns
// its components and is closed by its creator.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/igrechuhin/cortex/internal/docstore"
	"github.com/igrechuhin/cortex/internal/graph"
	"github.com/igrechuhin/cortex/internal/linkindex"
	"github.com/igrechuhin/cortex/internal/metaindex"
	"github.com/igrechuhin/cortex/internal/storage"
	"github.com/igrechuhin/cortex/internal/transclusion"
	"github.com/igrechuhin/cortex/internal/validator"
	"github.com/igrechuhin/cortex/internal/versions"
)

// Options configures a Registry.
type Options struct {
	Root         string
	StateDir     string // defaults to <Root>/.cortex
	Include      []string
	Exclude      []string
	LockTimeout  time.Duration
	StaleLockAge time.Duration
	MaxDepth     int
	CacheSize    int
	Strict       bool
	SQLitePath   string // defaults to <StateDir>/links.db
	Logger       *slog.Logger
}

const defaultStaleLockAge = 5 * time.Minute

// Registry holds the components built over one document root.
type Registry struct {
	FS           *storage.FS
	Locker       *storage.Locker
	Versions     *versions.Manager
	Index        *metaindex.Index
	Store        *docstore.Store
	Transclusion *transclusion.Engine
	Validator    *validator.Validator
	Links        *linkindex.DB

	logger *slog.Logger
}

// New creates the root and state directories if needed and wires the
// components. The link index is registered as a write observer so writes
// made through Store keep backlinks current.
func New(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(opts.Root, ".cortex")
	}
	if opts.SQLitePath == "" {
		opts.SQLitePath = filepath.Join(opts.StateDir, "links.db")
	}
	if opts.StaleLockAge <= 0 {
		opts.StaleLockAge = defaultStaleLockAge
	}

	for _, dir := range []string{opts.Root, opts.StateDir, filepath.Dir(opts.SQLitePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create %s: %w", dir, err)
		}
	}

	fs, err := storage.NewFS(opts.Root, storage.WithPatterns(opts.Include, opts.Exclude))
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	vm := versions.New(opts.StateDir, logger)
	idx := metaindex.New(fs, opts.StateDir, vm, logger)
	locker := storage.NewLocker(fs, opts.StaleLockAge, logger)

	links, err := linkindex.Open(opts.SQLitePath, logger)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	store := docstore.New(fs, locker, idx, vm,
		docstore.WithLockTimeout(opts.LockTimeout),
		docstore.WithLogger(logger),
		docstore.WithObserver(links),
	)
	engine, err := transclusion.New(store, transclusion.Config{
		MaxDepth:  opts.MaxDepth,
		CacheSize: opts.CacheSize,
		Strict:    opts.Strict,
	}, logger)
	if err != nil {
		links.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}

	return &Registry{
		FS:           fs,
		Locker:       locker,
		Versions:     vm,
		Index:        idx,
		Store:        store,
		Transclusion: engine,
		Validator:    validator.New(store),
		Links:        links,
		logger:       logger,
	}, nil
}

// Graph builds the dependency graph from the current documents. The graph
// is rebuilt on every call so it reflects writes made since the last one.
func (r *Registry) Graph(ctx context.Context) (*graph.Graph, error) {
	return graph.Load(ctx, r.Store)
}

// Sync brings the link index up to date with the files on disk.
func (r *Registry) Sync(ctx context.Context) error {
	return linkindex.Sync(ctx, r.Links, r.FS, r.logger)
}

// Rebuild regenerates the metadata index and the link index from disk.
func (r *Registry) Rebuild(ctx context.Context) error {
	if err := r.Index.Rebuild(ctx); err != nil {
		return err
	}
	return r.Sync(ctx)
}

// Watch follows external edits until ctx is cancelled, keeping the link
// index and the metadata index current. cb may be nil.
func (r *Registry) Watch(ctx context.Context, cb linkindex.EventCallback) error {
	return linkindex.Watch(ctx, r.Links, r.FS, r.logger, func(kind, path string) {
		if kind == linkindex.EventDeleted {
			if err := r.Index.Remove(ctx, path); err != nil {
				r.logger.Warn("registry: metadata remove failed",
					slog.String("path", path), slog.String("error", err.Error()))
			}
		} else if _, _, err := r.Index.Refresh(ctx, path); err != nil {
			r.logger.Warn("registry: metadata refresh failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		if cb != nil {
			cb(kind, path)
		}
	})
}

// Close releases the link index.
func (r *Registry) Close() error {
	return r.Links.Close()
}
