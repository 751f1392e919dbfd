// Package graph builds the document dependency graph from a static priority
// table and the links parsed out of every document.
package graph

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/igrechuhin/cortex/internal/apperr"
	"github.com/igrechuhin/cortex/internal/models"
	"github.com/igrechuhin/cortex/internal/parser"
)

// EdgeType names the relationship an edge represents.
type EdgeType string

// Edge types.
const (
	Informs     EdgeType = "informs"
	Transcludes EdgeType = "transcludes"
)

// Edge strengths.
const (
	StrengthTranscludes = 1.0
	StrengthStatic      = 0.8
	StrengthInforms     = 0.5
)

// Node categories.
const (
	CategoryMeta       = "meta"
	CategoryFoundation = "foundation"
	CategoryContext    = "context"
	CategoryTechnical  = "technical"
	CategoryActive     = "active"
	CategoryStatus     = "status"
	CategoryDynamic    = "dynamic"
)

// DefaultPriority is assigned to documents outside the static table.
const DefaultPriority = 100

// StaticEntry describes a well-known document.
type StaticEntry struct {
	Priority  int
	Category  string
	DependsOn []string
}

// StaticTable lists the foundational documents, loaded first.
var StaticTable = map[string]StaticEntry{
	"memorybankinstructions.md": {Priority: 0, Category: CategoryMeta},
	"projectBrief.md":           {Priority: 1, Category: CategoryFoundation, DependsOn: []string{"memorybankinstructions.md"}},
	"productContext.md":         {Priority: 2, Category: CategoryContext, DependsOn: []string{"projectBrief.md"}},
	"systemPatterns.md":         {Priority: 2, Category: CategoryTechnical, DependsOn: []string{"projectBrief.md"}},
	"techContext.md":            {Priority: 2, Category: CategoryTechnical, DependsOn: []string{"projectBrief.md"}},
	"activeContext.md":          {Priority: 3, Category: CategoryActive, DependsOn: []string{"productContext.md", "systemPatterns.md", "techContext.md"}},
	"progress.md":               {Priority: 4, Category: CategoryStatus, DependsOn: []string{"activeContext.md"}},
}

// Node is a document in the graph.
type Node struct {
	Path     string `json:"path"`
	Priority int    `json:"priority"`
	Category string `json:"category"`
}

// Edge means From depends on To.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     EdgeType `json:"type"`
	Strength float64  `json:"strength"`
}

// DocumentLinks is the input for one document: its path and parsed links.
type DocumentLinks struct {
	Path  string
	Links []models.Link
}

// Graph is an immutable dependency graph.
type Graph struct {
	nodes map[string]Node
	edges []Edge
	deps  map[string][]Edge // keyed by From
	rdeps map[string][]Edge // keyed by To
}

// Build combines the static table with the dynamic edges of docs. Link
// targets are resolved relative to their source; targets that are not in
// docs produce no edge.
func Build(docs []DocumentLinks) *Graph {
	g := &Graph{
		nodes: make(map[string]Node, len(docs)),
		deps:  make(map[string][]Edge),
		rdeps: make(map[string][]Edge),
	}
	for _, d := range docs {
		g.nodes[d.Path] = newNode(d.Path)
	}

	type key struct {
		from, to string
		typ      EdgeType
	}
	strongest := make(map[key]float64)
	add := func(from, to string, typ EdgeType, strength float64) {
		if _, ok := g.nodes[to]; !ok {
			return
		}
		if from == to && typ == Informs {
			return
		}
		k := key{from, to, typ}
		if s, ok := strongest[k]; !ok || strength > s {
			strongest[k] = strength
		}
	}

	for _, d := range docs {
		if st, ok := StaticTable[d.Path]; ok {
			for _, dep := range st.DependsOn {
				add(d.Path, dep, Informs, StrengthStatic)
			}
		}
		for _, ln := range d.Links {
			to := parser.ResolveTarget(d.Path, ln.Target)
			switch ln.Kind {
			case models.LinkTransclusion:
				add(d.Path, to, Transcludes, StrengthTranscludes)
			default:
				add(d.Path, to, Informs, StrengthInforms)
			}
		}
	}

	for k, s := range strongest {
		g.edges = append(g.edges, Edge{From: k.from, To: k.to, Type: k.typ, Strength: s})
	}
	sort.Slice(g.edges, func(i, j int) bool {
		a, b := g.edges[i], g.edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Type < b.Type
	})
	for _, e := range g.edges {
		g.deps[e.From] = append(g.deps[e.From], e)
		g.rdeps[e.To] = append(g.rdeps[e.To], e)
	}
	return g
}

func newNode(path string) Node {
	if st, ok := StaticTable[path]; ok {
		return Node{Path: path, Priority: st.Priority, Category: st.Category}
	}
	return Node{Path: path, Priority: DefaultPriority, Category: CategoryDynamic}
}

// Source is what Load needs from the document store.
type Source interface {
	List(ctx context.Context) ([]models.DocumentMetadata, error)
	ParseLinks(ctx context.Context, path string) (*parser.Links, error)
}

// Load parses every document in src and builds the graph.
func Load(ctx context.Context, src Source) (*Graph, error) {
	metas, err := src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: list: %w", err)
	}
	docs := make([]DocumentLinks, 0, len(metas))
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		links, err := src.ParseLinks(ctx, m.Path)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("graph: parse %s: %w", m.Path, err)
		}
		docs = append(docs, DocumentLinks{Path: m.Path, Links: links.All()})
	}
	return Build(docs), nil
}

// Nodes returns every node ordered by (priority, path).
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Node returns the node for path.
func (g *Graph) Node(path string) (Node, bool) {
	n, ok := g.nodes[path]
	return n, ok
}

// Edges returns every edge ordered by (from, to, type).
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Dependencies lists the documents path depends on directly.
func (g *Graph) Dependencies(path string) []string {
	return uniqueSorted(g.deps[path], func(e Edge) string { return e.To })
}

// Dependents lists the documents that depend on path directly.
func (g *Graph) Dependents(path string) []string {
	return uniqueSorted(g.rdeps[path], func(e Edge) string { return e.From })
}

// TransitiveDependencies lists everything path depends on, directly or not.
func (g *Graph) TransitiveDependencies(path string) []string {
	seen := map[string]bool{path: true}
	var out []string
	stack := g.Dependencies(path)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		stack = append(stack, g.Dependencies(p)...)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(edges []Edge, pick func(Edge) string) []string {
	seen := make(map[string]bool, len(edges))
	var out []string
	for _, e := range edges {
		p := pick(e)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func less(a, b Node) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Path < b.Path
}

// TopologicalOrder returns a load order in which every document comes after
// the documents it depends on. Ready documents are taken by (priority,
// path). Documents caught in a cycle can never become ready; they are
// appended at the end in the same order.
func (g *Graph) TopologicalOrder() []string {
	pending := make(map[string]int, len(g.nodes))
	for p := range g.nodes {
		pending[p] = len(g.Dependencies(p))
	}

	ready := &nodeHeap{}
	for p, n := range pending {
		if n == 0 {
			heap.Push(ready, g.nodes[p])
		}
	}

	order := make([]string, 0, len(g.nodes))
	placed := make(map[string]bool, len(g.nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(Node)
		order = append(order, n.Path)
		placed[n.Path] = true
		for _, dependent := range g.Dependents(n.Path) {
			pending[dependent]--
			if pending[dependent] == 0 {
				heap.Push(ready, g.nodes[dependent])
			}
		}
	}

	if len(order) < len(g.nodes) {
		var rest []Node
		for p, n := range g.nodes {
			if !placed[p] {
				rest = append(rest, n)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return less(rest[i], rest[j]) })
		for _, n := range rest {
			order = append(order, n.Path)
		}
	}
	return order
}

type nodeHeap []Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// DetectCycles returns every distinct cycle reachable through edges of the
// given type, or through all edges when typ is empty. Each cycle starts and
// ends with the same path and is rotated to begin at its smallest path.
func (g *Graph) DetectCycles(typ EdgeType) [][]string {
	adj := make(map[string][]string)
	for _, e := range g.edges {
		if typ == "" || e.Type == typ {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	for k := range adj {
		adj[k] = dedupSorted(adj[k])
	}

	paths := make([]string, 0, len(g.nodes))
	for p := range g.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	// Each elementary cycle is found once, from its smallest path: the
	// search from start only walks nodes ordered after it.
	var (
		cycles [][]string
		seen   = make(map[string]bool)
		stack  []string
		onPath = make(map[string]bool)
	)
	var walk func(start, p string)
	walk = func(start, p string) {
		stack = append(stack, p)
		onPath[p] = true
		for _, q := range adj[p] {
			switch {
			case q == start:
				cyc := canonical(stack)
				key := fmt.Sprint(cyc)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cyc)
				}
			case q > start && !onPath[q]:
				walk(start, q)
			}
		}
		onPath[p] = false
		stack = stack[:len(stack)-1]
	}
	for _, start := range paths {
		walk(start, start)
	}
	return cycles
}

// canonical rotates a cycle (without its closing repeat) to start at its
// smallest element and appends the closing element.
func canonical(cyc []string) []string {
	lo := 0
	for i := range cyc {
		if cyc[i] < cyc[lo] {
			lo = i
		}
	}
	out := make([]string, 0, len(cyc)+1)
	out = append(out, cyc[lo:]...)
	out = append(out, cyc[:lo]...)
	return append(out, out[0])
}

func dedupSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
