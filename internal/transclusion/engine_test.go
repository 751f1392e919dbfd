package transclusion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/checksum"
)

// memSource is an in-memory Source that counts content reads.
type memSource struct {
	mu    sync.Mutex
	docs  map[string]string
	reads map[string]int
}

func newMem(docs map[string]string) *memSource {
	return &memSource{docs: docs, reads: map[string]int{}}
}

func (m *memSource) set(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = content
}

func (m *memSource) readCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[path]
}

func (m *memSource) ReadContent(_ context.Context, path string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.docs[path]
	if !ok {
		return "", "", &apperr.NotFoundError{Path: path}
	}
	m.reads[path]++
	return c, checksum.SumString(c), nil
}

func (m *memSource) Hash(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.docs[path]
	if !ok {
		return "", &apperr.NotFoundError{Path: path}
	}
	return checksum.SumString(c), nil
}

func newEngine(t *testing.T, src Source, cfg Config) *Engine {
	t.Helper()
	e, err := New(src, cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestResolve_SplicesInclude(t *testing.T) {
	src := newMem(map[string]string{
		"a.md": "# A\nHello",
		"b.md": "before\n{{include:a.md}}\nafter",
	})
	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "b.md")
	require.NoError(t, err)
	assert.Equal(t, "before\n# A\nHello\nafter", out)
}

func TestResolve_CycleReportsFullPath(t *testing.T) {
	src := newMem(map[string]string{
		"a.md": "{{include:b.md}}",
		"b.md": "{{include:a.md}}",
	})
	_, err := newEngine(t, src, Config{}).Resolve(context.Background(), "a.md")
	var cyc *apperr.CircularDependencyError
	require.True(t, errors.As(err, &cyc), "got %v", err)
	assert.Equal(t, []string{"a.md", "b.md", "a.md"}, cyc.Cycle)
	assert.Equal(t, "circular transclusion: a.md -> b.md -> a.md", err.Error())
}

func TestResolve_SelfInclude(t *testing.T) {
	src := newMem(map[string]string{"a.md": "x {{include:a.md}}"})
	_, err := newEngine(t, src, Config{}).Resolve(context.Background(), "a.md")
	require.ErrorIs(t, err, apperr.ErrCircularDependency)
}

func TestResolve_DepthLimit(t *testing.T) {
	docs := map[string]string{}
	for i := 0; i < 8; i++ {
		docs[fmt.Sprintf("d%d.md", i)] = fmt.Sprintf("L%d {{include:d%d.md}}", i, i+1)
	}
	docs["d8.md"] = "end"
	src := newMem(docs)

	_, err := newEngine(t, src, Config{MaxDepth: 3}).Resolve(context.Background(), "d0.md")
	var mde *apperr.MaxDepthExceededError
	require.True(t, errors.As(err, &mde), "got %v", err)
	assert.Equal(t, 4, mde.Depth)
	assert.Equal(t, 3, mde.Limit)

	out, err := newEngine(t, src, Config{MaxDepth: 8}).Resolve(context.Background(), "d0.md")
	require.NoError(t, err)
	assert.Equal(t, "L0 L1 L2 L3 L4 L5 L6 L7 end", out)
}

func TestResolve_Section(t *testing.T) {
	src := newMem(map[string]string{
		"t.md": "# Top\nintro\n## Stack\nGo\n### Libs\nchi\n## Other\nno",
		"r.md": "{{include:t.md#Stack}}",
	})
	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "r.md")
	require.NoError(t, err)
	assert.Equal(t, "## Stack\nGo\n### Libs\nchi", out)
}

func TestResolve_MissingSectionIsInlineWarning(t *testing.T) {
	src := newMem(map[string]string{
		"b.md": "# A\n# B\n",
		"r.md": "x {{include:b.md#Nope}} y",
	})
	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "r.md")
	require.NoError(t, err)
	assert.Equal(t, `x <!-- transclusion warning: section "Nope" not found in b.md (available: A, B) --> y`, out)
}

func TestResolve_MissingTarget(t *testing.T) {
	src := newMem(map[string]string{"c.md": "see {{include:missing.md}}"})

	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "c.md")
	require.NoError(t, err)
	assert.Contains(t, out, "<!-- transclusion error: target not found: missing.md -->")

	_, err = newEngine(t, src, Config{Strict: true}).Resolve(context.Background(), "c.md")
	var tnf *apperr.TargetNotFoundError
	require.True(t, errors.As(err, &tnf), "got %v", err)
	assert.Equal(t, "missing.md", tnf.Target)
	assert.Equal(t, 1, tnf.Line)

	_, err = newEngine(t, src, Config{}).Resolve(context.Background(), "nope.md")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResolve_Options(t *testing.T) {
	src := newMem(map[string]string{
		"a.md": "one\ntwo\nthree",
		"n.md": "{{include:a.md}}",
		"r.md": "{{include:a.md|lines=2}}|{{include:n.md|recursive=false}}",
	})
	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "r.md")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo|{{include:a.md}}", out)
}

func TestResolve_RelativeTargets(t *testing.T) {
	src := newMem(map[string]string{
		"docs/a.md":       "{{include:parts/b.md}}",
		"docs/parts/b.md": "{{include:../c.md}}",
		"docs/c.md":       "leaf",
	})
	out, err := newEngine(t, src, Config{}).Resolve(context.Background(), "docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "leaf", out)
}

func TestResolve_CacheHitAndInvalidation(t *testing.T) {
	ctx := context.Background()
	src := newMem(map[string]string{
		"leaf.md": "v1",
		"mid.md":  "[{{include:leaf.md}}]",
		"r1.md":   "{{include:mid.md}}",
		"r2.md":   "{{include:mid.md}}",
	})
	e := newEngine(t, src, Config{})

	out, err := e.Resolve(ctx, "r1.md")
	require.NoError(t, err)
	assert.Equal(t, "[v1]", out)
	require.Equal(t, 1, src.readCount("mid.md"))

	out, err = e.Resolve(ctx, "r2.md")
	require.NoError(t, err)
	assert.Equal(t, "[v1]", out)
	assert.Equal(t, 1, src.readCount("mid.md"), "second resolve should hit the cache")
	assert.Equal(t, 1, src.readCount("leaf.md"))

	// A nested change must invalidate the outer fragment too.
	src.set("leaf.md", "v2")
	out, err = e.Resolve(ctx, "r1.md")
	require.NoError(t, err)
	assert.Equal(t, "[v2]", out)
}

func TestResolve_CacheDoesNotHideCycle(t *testing.T) {
	ctx := context.Background()
	src := newMem(map[string]string{
		"a.md": "{{include:b.md}}",
		"b.md": "b",
	})
	e := newEngine(t, src, Config{})
	_, err := e.Resolve(ctx, "a.md")
	require.NoError(t, err)

	// b now includes c which includes b; a cached copy of c must not mask it.
	src.set("c.md", "{{include:b.md}}")
	src.set("b.md", "{{include:c.md}}")
	_, err = e.Resolve(ctx, "a.md")
	require.ErrorIs(t, err, apperr.ErrCircularDependency)
}

func TestResolve_MissingTargetCreatedLater(t *testing.T) {
	ctx := context.Background()
	src := newMem(map[string]string{
		"mid.md": "{{include:late.md}}",
		"r.md":   "{{include:mid.md}}",
	})
	e := newEngine(t, src, Config{})
	out, err := e.Resolve(ctx, "r.md")
	require.NoError(t, err)
	assert.Contains(t, out, "target not found")

	src.set("late.md", "here")
	out, err = e.Resolve(ctx, "r.md")
	require.NoError(t, err)
	assert.Equal(t, "here", out)
}

func TestResolve_Cancelled(t *testing.T) {
	src := newMem(map[string]string{"a.md": "{{include:b.md}}", "b.md": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t, src, Config{}).Resolve(ctx, "a.md")
	require.ErrorIs(t, err, context.Canceled)
}
