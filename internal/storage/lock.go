package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/igrechuhin/cortex/internal/apperr"
)

// Lock defaults.
const (
	DefaultLockTimeout  = 30 * time.Second
	DefaultStaleLockAge = 5 * time.Minute

	lockSuffix     = ".lock"
	minLockBackoff = 2 * time.Millisecond
	maxLockBackoff = 50 * time.Millisecond
)

// ErrLocked is returned by TryAcquire when another writer holds the lock.
var ErrLocked = errors.New("storage: lock held")

// Locker hands out advisory per-document write locks.
//
// Two layers cooperate. Goroutines in this process queue on a per-path slot
// channel, so waiters block on a channel instead of polling. Across processes
// the lock is a sidecar "<doc>.lock" file created with O_EXCL; contention on
// it is polled with capped backoff. A sidecar older than the stale age is
// presumed abandoned, removed with a warning, and acquisition retried once.
type Locker struct {
	fs       *FS
	staleAge time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// slot serializes in-process writers of one path. refs counts holders and
// waiters; the slot is dropped from the map when it reaches zero.
type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates a Locker for documents under store.
func NewLocker(store *FS, staleAge time.Duration, logger *slog.Logger) *Locker {
	if staleAge <= 0 {
		staleAge = DefaultStaleLockAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		fs:       store,
		staleAge: staleAge,
		logger:   logger,
		slots:    make(map[string]*slot),
	}
}

// Lock is a held document lock. Release it exactly once; extra calls are no-ops.
type Lock struct {
	path     string
	lockPath string
	locker   *Locker
	slot     *slot
	once     sync.Once
}

// Path returns the document path the lock guards.
func (lk *Lock) Path() string { return lk.path }

// Release removes the sidecar file and frees the in-process slot.
func (lk *Lock) Release() error {
	var err error
	lk.once.Do(func() {
		if rmErr := os.Remove(lk.lockPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = fmt.Errorf("storage: remove lock %s: %w", lk.lockPath, rmErr)
		}
		lk.locker.free(lk.path, lk.slot)
	})
	return err
}

func (l *Locker) join(path string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[path]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[path] = s
	}
	s.refs++
	return s
}

func (l *Locker) leave(path string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, path)
	}
}

// free empties a held slot and leaves it.
func (l *Locker) free(path string, s *slot) {
	<-s.ch
	l.leave(path, s)
}

// Acquire blocks until the write lock for path is held, timeout elapses
// (LockTimeoutError), or ctx is done (ctx.Err()).
func (l *Locker) Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	abs, err := l.fs.safePath(path)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	slot := l.join(path)
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(path, slot)
		return nil, ctx.Err()
	case <-deadline.C:
		l.leave(path, slot)
		return nil, &apperr.LockTimeoutError{Path: path, Waited: time.Since(start)}
	}

	lk := &Lock{path: path, lockPath: abs + lockSuffix, locker: l, slot: slot}
	staleRetried := false
	backoff := minLockBackoff
	for {
		err := createLockFile(lk.lockPath)
		if err == nil {
			return lk, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			l.free(path, slot)
			return nil, err
		}
		if !staleRetried && l.removeIfStale(path, lk.lockPath) {
			staleRetried = true
			continue
		}

		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			l.free(path, slot)
			return nil, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			l.free(path, slot)
			return nil, &apperr.LockTimeoutError{Path: path, Waited: time.Since(start)}
		case <-wait.C:
		}
		backoff = min(backoff*2, maxLockBackoff)
	}
}

// TryAcquire takes the lock only if it is free right now; otherwise it
// returns ErrLocked without waiting.
func (l *Locker) TryAcquire(path string) (*Lock, error) {
	abs, err := l.fs.safePath(path)
	if err != nil {
		return nil, err
	}
	slot := l.join(path)
	select {
	case slot.ch <- struct{}{}:
	default:
		l.leave(path, slot)
		return nil, ErrLocked
	}
	lk := &Lock{path: path, lockPath: abs + lockSuffix, locker: l, slot: slot}
	err = createLockFile(lk.lockPath)
	if errors.Is(err, fs.ErrExist) && l.removeIfStale(path, lk.lockPath) {
		err = createLockFile(lk.lockPath)
	}
	if err != nil {
		l.free(path, slot)
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return lk, nil
}

// removeIfStale deletes the sidecar when it is older than the stale age.
func (l *Locker) removeIfStale(path, lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		// Vanished between create and stat; the next attempt will tell.
		return errors.Is(err, fs.ErrNotExist)
	}
	age := time.Since(info.ModTime())
	if age <= l.staleAge {
		return false
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("lock: stale lock removal failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return false
	}
	l.logger.Warn("lock: removed stale lock",
		slog.String("path", path),
		slog.String("age", age.Round(time.Second).String()))
	return true
}

func createLockFile(lockPath string) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for lock: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lockPath)
		return fmt.Errorf("storage: write lock: %w", errors.Join(werr, cerr))
	}
	return nil
}
