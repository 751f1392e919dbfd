// Package apperr defines the error taxonomy shared by every Cortex component.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrLockTimeout        = errors.New("lock timeout")
	ErrVersionNotFound    = errors.New("version not found")
	ErrTargetNotFound     = errors.New("target not found")
	ErrCircularDependency = errors.New("circular dependency")
	ErrMaxDepthExceeded   = errors.New("max depth exceeded")
	ErrIndexCorrupt       = errors.New("index corrupt")
	ErrInvalidPath        = errors.New("invalid path")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// NotFoundError reports a read of a document that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("document not found: %s", e.Path) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a failed optimistic-concurrency precondition.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict writing %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("conflict writing %s: expected hash %s, current hash %s",
		e.Path, short(e.Expected), short(e.Actual))
}
func (e *ConflictError) Unwrap() error { return ErrConflict }

// LockTimeoutError reports that the write lock was not acquired in time.
type LockTimeoutError struct {
	Path   string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout on %s after %s", e.Path, e.Waited)
}
func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// VersionNotFoundError reports a rollback or lookup of a missing version.
type VersionNotFoundError struct {
	Path    string
	Version int
	Latest  int
}

func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("version %d of %s not found (latest is %d)", e.Version, e.Path, e.Latest)
}
func (e *VersionNotFoundError) Unwrap() error { return ErrVersionNotFound }

// TargetNotFoundError reports a link or transclusion whose target is missing.
type TargetNotFoundError struct {
	Source string
	Target string
	Line   int
}

func (e *TargetNotFoundError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("target not found: %s", e.Target)
	}
	return fmt.Sprintf("target not found: %s (referenced from %s:%d)", e.Target, e.Source, e.Line)
}
func (e *TargetNotFoundError) Unwrap() error { return ErrTargetNotFound }

// CircularDependencyError reports a transclusion cycle. Cycle starts and ends
// with the same path.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular transclusion: " + strings.Join(e.Cycle, " -> ")
}
func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }

// MaxDepthExceededError reports a transclusion chain deeper than allowed.
type MaxDepthExceededError struct {
	Path  string
	Depth int
	Limit int
}

func (e *MaxDepthExceededError) Error() string {
	return fmt.Sprintf("transclusion depth %d exceeds limit %d at %s", e.Depth, e.Limit, e.Path)
}
func (e *MaxDepthExceededError) Unwrap() error { return ErrMaxDepthExceeded }

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "<none>"
	}
	return h
}
