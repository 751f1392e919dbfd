package linkindex

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/igrechuhin/cortex/internal/storage"
)

// Event kinds passed to EventCallback.
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

const reconcileDelay = 200 * time.Millisecond

// EventCallback is called after a watcher-driven index change.
type EventCallback func(kind, path string)

// Watch follows file system changes under the store root until ctx is
// cancelled, keeping the link index current for edits made outside this
// process. cb, if non-nil, runs after each successful index change.
//
// Directories created at runtime are added to the watch list. A rename
// schedules a short reconciliation pass that drops entries whose files
// are gone and indexes files that appeared.
func Watch(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := store.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	notify := func(kind, rel string) {
		if cb != nil {
			cb(kind, rel)
		}
	}

	var (
		reconcileTimer *time.Timer
		reconcileCh    <-chan time.Time
	)
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(reconcileDelay)
			reconcileCh = reconcileTimer.C
			return
		}
		reconcileTimer.Reset(reconcileDelay)
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			reconcile(ctx, db, store, logger, notify)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name), slog.String("error", addErr.Error()))
					}
					// Files may land before the directory is watched.
					scheduleReconcile()
					continue
				}
			}

			rel, relErr := filepath.Rel(root, ev.Name)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !store.Matches(rel) {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				data, readErr := store.Read(rel)
				if readErr != nil {
					if !storage.IsNotExist(readErr) {
						logger.Warn("watcher: read failed", slog.String("path", rel), slog.String("error", readErr.Error()))
					}
					continue
				}
				if idxErr := db.IndexDocument(rel, data); idxErr != nil {
					logger.Warn("watcher: index failed", slog.String("path", rel), slog.String("error", idxErr.Error()))
					continue
				}
				kind := EventUpdated
				if ev.Op&fsnotify.Create != 0 {
					kind = EventCreated
				}
				logger.Debug("watcher: indexed", slog.String("path", rel), slog.String("op", kind))
				notify(kind, rel)

			case ev.Op&fsnotify.Remove != 0:
				if delErr := db.Remove(rel); delErr != nil {
					logger.Warn("watcher: delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
					continue
				}
				logger.Debug("watcher: deleted", slog.String("path", rel))
				notify(EventDeleted, rel)

			case ev.Op&fsnotify.Rename != 0:
				// Rename fires on the old path only; the new path arrives
				// as a Create if it stays under a watched directory. Our own
				// atomic writes rename a temp file over the target, so the
				// target itself may still exist.
				if store.Exists(rel) {
					continue
				}
				if delErr := db.Remove(rel); delErr != nil {
					logger.Warn("watcher: rename delete failed", slog.String("path", rel), slog.String("error", delErr.Error()))
				} else {
					notify(EventDeleted, rel)
				}
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcile removes entries without a file and indexes files that are new
// or changed.
func reconcile(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger, notify EventCallback) {
	hashes, err := db.Hashes()
	if err != nil {
		logger.Warn("reconcile: hashes failed", slog.String("error", err.Error()))
		return
	}
	metas, err := store.List()
	if err != nil {
		logger.Warn("reconcile: list failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]string, len(metas))
	for _, m := range metas {
		disk[m.Path] = m.Hash
	}
	for p := range hashes {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.Remove(p); err == nil {
			logger.Debug("reconcile: removed stale", slog.String("path", p))
			notify(EventDeleted, p)
		}
	}
	for p, h := range disk {
		if ctx.Err() != nil {
			return
		}
		if hashes[p] == h {
			continue
		}
		data, err := store.Read(p)
		if err != nil {
			continue
		}
		if err := db.IndexDocument(p, data); err == nil {
			logger.Debug("reconcile: indexed", slog.String("path", p))
			notify(EventCreated, p)
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
