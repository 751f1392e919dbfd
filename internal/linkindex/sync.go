package linkindex

import (
	"context"
	"log/slog"

	"github.com/igrechuhin/cortex/internal/storage"
)

// Sync walks the store and brings the index up to date:
//   - new/changed documents are parsed and upserted
//   - documents removed from disk are deleted from the index
func Sync(ctx context.Context, db *DB, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List()
	if err != nil {
		return err
	}
	hashes, err := db.Hashes()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	indexed := 0
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return err
		}
		disk[m.Path] = struct{}{}
		if hashes[m.Path] == m.Hash {
			continue
		}
		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if err := db.IndexDocument(m.Path, data); err != nil {
			logger.Warn("sync: index failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		indexed++
	}

	removed := 0
	for p := range hashes {
		if _, ok := disk[p]; ok {
			continue
		}
		if err := db.Remove(p); err != nil {
			logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		removed++
	}

	logger.Info("sync: link index updated",
		slog.Int("documents", len(metas)),
		slog.Int("indexed", indexed),
		slog.Int("removed", removed))
	return nil
}
