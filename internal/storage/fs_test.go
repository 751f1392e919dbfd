package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/igrechuhin/cortex/internal/apperr"
)

func tempRoot(t *testing.T, opts ...Option) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir, opts...)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempRoot(t)
	content := []byte("# Hello\nWorld\n")
	if err := s.Write("note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
	if !s.Exists("note.md") {
		t.Error("Exists = false after write")
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempRoot(t)
	if err := s.Write("a/b/c.md", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestReadMissingIsNotExist(t *testing.T) {
	s := tempRoot(t)
	_, err := s.Read("nope.md")
	if !IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestList_Patterns(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not md"))
	_ = s.Write(".cortex/history/a_v1.md", []byte("snapshot"))

	items, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var paths []string
	for _, it := range items {
		paths = append(paths, it.Path)
		if it.Hash == "" {
			t.Errorf("%s: empty hash", it.Path)
		}
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "a.md" || paths[1] != "sub/b.md" {
		t.Errorf("paths = %v, want [a.md sub/b.md]", paths)
	}
}

func TestList_CustomExclude(t *testing.T) {
	s := tempRoot(t, WithPatterns(nil, []string{".cortex/**", "drafts/**"}))
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("drafts/wip.md", []byte("w"))

	items, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Path != "a.md" {
		t.Errorf("items = %+v, want only a.md", items)
	}
	if s.Matches("drafts/wip.md") {
		t.Error("drafts/wip.md should be excluded")
	}
}

func TestNewFS_InvalidPattern(t *testing.T) {
	if _, err := NewFS(t.TempDir(), WithPatterns([]string{"[unclosed"}, nil)); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.md",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		err := s.Write(p, []byte("x"))
		if err == nil {
			t.Errorf("expected error for write to %q", p)
		}
		if !errors.Is(err, apperr.ErrInvalidPath) {
			t.Errorf("write %q: expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestAtomicWriteNoLeftovers(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("atomic.md", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("atomic.md", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.md")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	entries, _ := os.ReadDir(s.root)
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %v", entries)
	}
}

func TestWriteNewFileMode(t *testing.T) {
	s := tempRoot(t)
	if err := s.Write("sub/new.md", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := s.Stat("sub/new.md")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"a.md":        "a.md",
		"/a.md":       "a.md",
		"sub/../b.md": "b.md",
		"./sub//c.md": "sub/c.md",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp(t.TempDir(), "cortex-test-*")
	_ = f.Close()
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
