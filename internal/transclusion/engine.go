// Package transclusion expands {{include:...}} directives into final content.
package transclusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/parser"
	"github.com/igrechuhin/cortex/internal/storage"
)

// Defaults.
const (
	DefaultMaxDepth  = 5
	DefaultCacheSize = 512
)

// Source is the read side of the document store.
type Source interface {
	ReadContent(ctx context.Context, path string) (content, hash string, err error)
	Hash(ctx context.Context, path string) (string, error)
}

// TransclusionEngine resolves a document into its fully expanded content.
type TransclusionEngine interface {
	Resolve(ctx context.Context, path string) (string, error)
}

var _ TransclusionEngine = (*Engine)(nil)

// Config tunes an Engine.
type Config struct {
	MaxDepth  int
	CacheSize int
	// Strict turns a missing nested target into a TargetNotFoundError
	// instead of an inline marker.
	Strict bool
}

// Fragment is the expansion of one directive.
type Fragment struct {
	Target   string
	Section  string
	Content  string
	Warnings []string
	// Deps maps every document read to produce Content to its hash.
	// A missing document maps to "".
	Deps map[string]string
}

type cacheKey struct {
	target  string
	section string
	options string
	hash    string
}

type cacheEntry struct {
	content  string
	warnings []string
	deps     map[string]string
}

// Engine implements TransclusionEngine with a bounded resolution cache.
type Engine struct {
	src    Source
	parser parser.LinkParser
	cfg    Config
	cache  *lru.Cache[cacheKey, cacheEntry]
	logger *slog.Logger
}

// New creates an Engine.
func New(src Source, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("transclusion: cache: %w", err)
	}
	return &Engine{src: src, parser: parser.Markdown{}, cfg: cfg, cache: cache, logger: logger}, nil
}

// CacheLen reports the number of cached fragments.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// Purge empties the cache.
func (e *Engine) Purge() { e.cache.Purge() }

// Resolve returns the content of path with every transclusion expanded.
// A missing path is a NotFoundError. Cycles, depth overflow, and (in
// strict mode) missing targets abort the whole resolution with the error
// raised at the innermost frame.
func (e *Engine) Resolve(ctx context.Context, path string) (string, error) {
	path = storage.Normalize(path)
	content, _, err := e.src.ReadContent(ctx, path)
	if err != nil {
		return "", err
	}
	out, _, _, err := e.expand(ctx, path, content, []string{path}, 0)
	return out, err
}

// expand splices every directive found in content. source is the document
// the content came from; visited is the active recursion path ending in it.
func (e *Engine) expand(ctx context.Context, source, content string, visited []string, depth int) (string, []string, map[string]string, error) {
	directives := e.parser.ParseLinks(content).Transclusions
	deps := make(map[string]string)
	if len(directives) == 0 {
		return content, nil, deps, nil
	}

	var (
		b        strings.Builder
		warnings []string
		last     int
	)
	for _, d := range directives {
		d.Source = source
		frag, err := e.ResolveOne(ctx, d, visited, depth+1)
		if err != nil {
			return "", nil, nil, err
		}
		b.WriteString(content[last:d.Offset])
		b.WriteString(frag.Content)
		last = d.Offset + d.Length
		warnings = append(warnings, frag.Warnings...)
		for p, h := range frag.Deps {
			deps[p] = h
		}
	}
	b.WriteString(content[last:])
	return b.String(), warnings, deps, nil
}

// ResolveOne expands a single directive at the given depth. visited is the
// active recursion path; the directive's Source must be its last element.
func (e *Engine) ResolveOne(ctx context.Context, d models.Link, visited []string, depth int) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	target := parser.ResolveTarget(d.Source, d.Target)
	frag := Fragment{Target: target, Section: d.Section}

	for i, p := range visited {
		if p == target {
			cycle := append(append([]string{}, visited[i:]...), target)
			return Fragment{}, &apperr.CircularDependencyError{Cycle: cycle}
		}
	}
	if depth > e.cfg.MaxDepth {
		return Fragment{}, &apperr.MaxDepthExceededError{Path: target, Depth: depth, Limit: e.cfg.MaxDepth}
	}

	hash, err := e.src.Hash(ctx, target)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Fragment{}, err
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return e.missingTarget(d, target)
	}

	key := cacheKey{target: target, section: d.Section, options: canonicalOptions(d.Options), hash: hash}
	if ent, ok := e.cache.Get(key); ok && e.fresh(ctx, ent, visited) {
		frag.Content = ent.content
		frag.Warnings = ent.warnings
		frag.Deps = withDep(ent.deps, target, hash)
		return frag, nil
	}

	content, fresh, err := e.src.ReadContent(ctx, target)
	if errors.Is(err, apperr.ErrNotFound) {
		return e.missingTarget(d, target)
	}
	if err != nil {
		return Fragment{}, err
	}
	key.hash = fresh

	body := content
	var warnings []string
	if d.Section != "" {
		sec, ok := parser.ExtractSection(content, d.Section)
		if !ok {
			marker := sectionMarker(d.Section, target, parser.Headings(parser.Sections(content)))
			warnings = append(warnings, marker)
			body = marker
		} else {
			body = sec
		}
	}
	if n, ok := intOption(d.Options, "lines"); ok {
		body = firstLines(body, n)
	}

	deps := map[string]string{}
	if d.Options["recursive"] != "false" {
		var nested []string
		body, nested, deps, err = e.expand(ctx, target, body, append(visited[:len(visited):len(visited)], target), depth)
		if err != nil {
			return Fragment{}, err
		}
		warnings = append(warnings, nested...)
	}

	e.cache.Add(key, cacheEntry{content: body, warnings: warnings, deps: deps})
	frag.Content = body
	frag.Warnings = warnings
	frag.Deps = withDep(deps, target, fresh)
	return frag, nil
}

// fresh reports whether a cached expansion is still valid: every document it
// read has the same hash and none of them is on the active path, where
// reusing it would hide a cycle.
func (e *Engine) fresh(ctx context.Context, ent cacheEntry, visited []string) bool {
	for p, want := range ent.deps {
		for _, v := range visited {
			if v == p {
				return false
			}
		}
		got, err := e.src.Hash(ctx, p)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func (e *Engine) missingTarget(d models.Link, target string) (Fragment, error) {
	if e.cfg.Strict {
		return Fragment{}, &apperr.TargetNotFoundError{Source: d.Source, Target: target, Line: d.Line}
	}
	marker := fmt.Sprintf("<!-- transclusion error: target not found: %s -->", target)
	e.logger.Debug("transclusion: target not found",
		slog.String("source", d.Source), slog.String("target", target), slog.Int("line", d.Line))
	return Fragment{
		Target:   target,
		Section:  d.Section,
		Content:  marker,
		Warnings: []string{marker},
		Deps:     map[string]string{target: ""},
	}, nil
}

func sectionMarker(section, target string, available []string) string {
	return fmt.Sprintf("<!-- transclusion warning: section %q not found in %s (available: %s) -->",
		section, target, strings.Join(available, ", "))
}

func withDep(deps map[string]string, path, hash string) map[string]string {
	out := make(map[string]string, len(deps)+1)
	for k, v := range deps {
		out[k] = v
	}
	out[path] = hash
	return out
}

func canonicalOptions(opts map[string]string) string {
	if len(opts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + opts[k]
	}
	return strings.Join(parts, ",")
}

func intOption(opts map[string]string, key string) (int, bool) {
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func firstLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if n >= len(lines) {
		return s
	}
	return strings.TrimSuffix(strings.Join(lines[:n], ""), "\n")
}
