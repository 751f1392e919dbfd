package docstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
	"github.com/igrechuhin/cortex/internal/metaindex"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/storage"
	"github.com/igrechuhin/cortex/internal/versions"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) DocumentWritten(_ context.Context, path string, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

// flakyVersions fails Snapshot while fail is set.
type flakyVersions struct {
	versions.VersionManager
	fail bool
}

func (f *flakyVersions) Snapshot(ctx context.Context, path string, content []byte, change models.ChangeType, description string) (*models.Version, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	return f.VersionManager.Snapshot(ctx, path, content, change, description)
}

func newStore(t *testing.T, opts ...Option) (*Store, *storage.Locker) {
	t.Helper()
	s, locker, _ := newStoreWith(t, nil, opts...)
	return s, locker
}

// newStoreWith builds a Store whose version manager is wrap(real) when wrap
// is non-nil.
func newStoreWith(t *testing.T, wrap func(versions.VersionManager) versions.VersionManager, opts ...Option) (*Store, *storage.Locker, *storage.FS) {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	state := filepath.Join(fs.Root(), ".cortex")
	var vm versions.VersionManager = versions.New(state, logger)
	if wrap != nil {
		vm = wrap(vm)
	}
	idx := metaindex.New(fs, state, vm, logger)
	locker := storage.NewLocker(fs, time.Minute, logger)
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(fs, locker, idx, vm, opts...), locker, fs
}

func TestWriteRead_FirstVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	v, err := s.Write(ctx, "a.md", []byte("# A\nHello"), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, v.Number)
	require.Equal(t, models.ChangeCreate, v.ChangeType)

	doc, err := s.Read(ctx, "a.md")
	require.NoError(t, err)
	require.Equal(t, "# A\nHello", doc.Content)
	require.Equal(t, checksum.SumString("# A\nHello"), doc.Hash)
	require.Equal(t, v.Hash, doc.Hash)
	require.Equal(t, int64(9), doc.SizeBytes)
	require.Equal(t, 1, doc.CurrentVersion())
	require.Len(t, doc.Sections, 1)
	require.Equal(t, "A", doc.Sections[0].Heading)

	h, err := s.Hash(ctx, "a.md")
	require.NoError(t, err)
	require.Equal(t, doc.Hash, h)
}

func TestWrite_FailedSnapshotRemovesNewDocument(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyVersions{fail: true}
	s, _, fs := newStoreWith(t, func(vm versions.VersionManager) versions.VersionManager {
		flaky.VersionManager = vm
		return flaky
	})

	_, err := s.Write(ctx, "new.md", []byte("draft"), WriteOptions{})
	require.Error(t, err)
	require.False(t, fs.Exists("new.md"), "document without versions must not stay on disk")
	_, err = s.History(ctx, "new.md", 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	flaky.fail = false
	v, err := s.Write(ctx, "new.md", []byte("draft"), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, v.Number)
	require.Equal(t, models.ChangeCreate, v.ChangeType)
}

func TestWrite_FailedSnapshotRestoresContent(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyVersions{}
	s, _, _ := newStoreWith(t, func(vm versions.VersionManager) versions.VersionManager {
		flaky.VersionManager = vm
		return flaky
	})
	_, err := s.Write(ctx, "a.md", []byte("v1"), WriteOptions{})
	require.NoError(t, err)

	flaky.fail = true
	_, err = s.Write(ctx, "a.md", []byte("v2"), WriteOptions{})
	require.Error(t, err)

	doc, err := s.Read(ctx, "a.md")
	require.NoError(t, err)
	require.Equal(t, "v1", doc.Content)
	require.Equal(t, 1, doc.CurrentVersion())
}

func TestRead_NotFound(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Read(context.Background(), "missing.md")
	var nf *apperr.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "missing.md", nf.Path)

	_, err = s.History(context.Background(), "missing.md", 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestWrite_RoundTripIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Write(ctx, "notes/x.md", []byte("original"), WriteOptions{})
	require.NoError(t, err)

	doc, err := s.Read(ctx, "notes/x.md")
	require.NoError(t, err)
	v, err := s.Write(ctx, "notes/x.md", []byte(doc.Content), WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, doc.CurrentVersion()+1, v.Number)

	again, err := s.Read(ctx, "notes/x.md")
	require.NoError(t, err)
	require.Equal(t, "original", again.Content)
}

func TestRollback_AppendsVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	for _, c := range []string{"v1", "v2", "v3"} {
		_, err := s.Write(ctx, "a.md", []byte(c), WriteOptions{})
		require.NoError(t, err)
	}

	v, err := s.Rollback(ctx, "a.md", 2)
	require.NoError(t, err)
	require.Equal(t, 4, v.Number)
	require.Equal(t, models.ChangeRollback, v.ChangeType)
	require.Equal(t, "rollback to version 2", v.Description)

	doc, err := s.Read(ctx, "a.md")
	require.NoError(t, err)
	require.Equal(t, "v2", doc.Content)

	hist, err := s.History(ctx, "a.md", 0)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	require.Equal(t, models.ChangeRollback, hist[0].ChangeType)
}

func TestRollback_UnknownVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Write(ctx, "a.md", []byte("v1"), WriteOptions{})
	require.NoError(t, err)

	_, err = s.Rollback(ctx, "a.md", 7)
	var vnf *apperr.VersionNotFoundError
	require.True(t, errors.As(err, &vnf))
	require.Equal(t, 7, vnf.Version)
	require.Equal(t, 1, vnf.Latest)
}

func TestWrite_ExpectedHashMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Write(ctx, "a.md", []byte("v1"), WriteOptions{})
	require.NoError(t, err)

	_, err = s.Write(ctx, "a.md", []byte("v2"), WriteOptions{ExpectedHash: "deadbeef"})
	require.ErrorIs(t, err, apperr.ErrConflict)

	doc, err := s.Read(ctx, "a.md")
	require.NoError(t, err)
	require.Equal(t, "v1", doc.Content, "failed precondition must not touch the file")
	require.Equal(t, 1, doc.CurrentVersion())

	_, err = s.Write(ctx, "a.md", []byte("v2"), WriteOptions{ExpectedHash: doc.Hash})
	require.NoError(t, err)
}

func TestWrite_ExpectedHashFailsFastWhenLocked(t *testing.T) {
	ctx := context.Background()
	s, locker := newStore(t)
	_, err := s.Write(ctx, "a.md", []byte("v1"), WriteOptions{})
	require.NoError(t, err)
	h, err := s.Hash(ctx, "a.md")
	require.NoError(t, err)

	held, err := locker.Acquire(ctx, "a.md", time.Second)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = s.Write(ctx, "a.md", []byte("v2"), WriteOptions{ExpectedHash: h})
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Less(t, time.Since(start), time.Second)
}

func TestWrite_LockTimeout(t *testing.T) {
	ctx := context.Background()
	s, locker := newStore(t, WithLockTimeout(50*time.Millisecond))
	held, err := locker.Acquire(ctx, "a.md", time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Write(ctx, "a.md", []byte("x"), WriteOptions{})
	require.ErrorIs(t, err, apperr.ErrLockTimeout)
}

func TestWrite_ConcurrentWritersNeverMix(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	bodies := []string{strings.Repeat("A", 4096), strings.Repeat("B", 4096)}

	var wg sync.WaitGroup
	for _, b := range bodies {
		wg.Add(1)
		go func(b string) {
			defer wg.Done()
			_, err := s.Write(ctx, "shared.md", []byte(b), WriteOptions{})
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	doc, err := s.Read(ctx, "shared.md")
	require.NoError(t, err)
	require.Contains(t, bodies, doc.Content)
	require.Equal(t, 2, doc.CurrentVersion())
	require.Equal(t, models.ChangeCreate, doc.Versions[0].ChangeType)
	require.Equal(t, models.ChangeUpdate, doc.Versions[1].ChangeType)
}

func TestWrite_RejectsNonDocumentPaths(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	for _, p := range []string{"notes.txt", ".cortex/index.md", "../escape.md"} {
		_, err := s.Write(ctx, p, []byte("x"), WriteOptions{})
		require.ErrorIs(t, err, apperr.ErrInvalidPath, p)
	}
}

func TestWrite_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s, _ := newStore(t, WithObserver(rec))
	_, err := s.Write(ctx, "a.md", []byte("x"), WriteOptions{})
	require.NoError(t, err)
	_, err = s.Rollback(ctx, "a.md", 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a.md", "a.md"}, rec.paths)
}

func TestParseLinks_SetsSource(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Write(ctx, "dir/c.md", []byte("[x](missing.md)\n{{include:a.md}}"), WriteOptions{})
	require.NoError(t, err)

	links, err := s.ParseLinks(ctx, "dir/c.md")
	require.NoError(t, err)
	require.Len(t, links.References, 1)
	require.Len(t, links.Transclusions, 1)
	require.Equal(t, "dir/c.md", links.References[0].Source)
}

func TestExistsAndList(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, err := s.Write(ctx, "a.md", []byte("x"), WriteOptions{})
	require.NoError(t, err)
	require.True(t, s.Exists(ctx, "a.md"))
	require.False(t, s.Exists(ctx, "b.md"))

	docs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1, "history and index files are not documents")
}
