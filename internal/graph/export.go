package graph

import (
	"fmt"
	"strings"

	"github.com/igrechuhin/cortex/internal/apperr"
)

// Export formats.
const (
	FormatStructured = "structured"
	FormatDiagram    = "diagram"
)

// Structured is the machine-readable export.
type Structured struct {
	Nodes  []Node     `json:"nodes"`
	Edges  []Edge     `json:"edges"`
	Order  []string   `json:"order"`
	Cycles [][]string `json:"cycles"`
}

// Structured returns nodes, edges, load order, and transclusion cycles.
func (g *Graph) Structured() *Structured {
	cycles := g.DetectCycles(Transcludes)
	if cycles == nil {
		cycles = [][]string{}
	}
	edges := g.Edges()
	if edges == nil {
		edges = []Edge{}
	}
	return &Structured{
		Nodes:  g.Nodes(),
		Edges:  edges,
		Order:  g.TopologicalOrder(),
		Cycles: cycles,
	}
}

var categoryStyles = []struct {
	name  string
	style string
}{
	{CategoryMeta, "fill:#eceff1,stroke:#455a64"},
	{CategoryFoundation, "fill:#e3f2fd,stroke:#1565c0"},
	{CategoryContext, "fill:#e8f5e9,stroke:#2e7d32"},
	{CategoryTechnical, "fill:#fff3e0,stroke:#ef6c00"},
	{CategoryActive, "fill:#fce4ec,stroke:#c2185b"},
	{CategoryStatus, "fill:#f3e5f5,stroke:#6a1b9a"},
	{CategoryDynamic, "fill:#fafafa,stroke:#9e9e9e"},
}

// Diagram renders the graph as a Mermaid flowchart. Arrows point from a
// dependency to its dependents; transclusions are drawn thick, references
// dotted.
func (g *Graph) Diagram() string {
	nodes := g.Nodes()
	ids := make(map[string]string, len(nodes))
	var b strings.Builder
	b.WriteString("graph TD\n")
	for i, n := range nodes {
		id := fmt.Sprintf("n%d", i)
		ids[n.Path] = id
		fmt.Fprintf(&b, "    %s[%q]\n", id, n.Path)
	}
	for _, e := range g.edges {
		arrow := "-.->"
		if e.Type == Transcludes {
			arrow = "==>"
		}
		fmt.Fprintf(&b, "    %s %s|%s| %s\n", ids[e.To], arrow, e.Type, ids[e.From])
	}
	for _, c := range categoryStyles {
		fmt.Fprintf(&b, "    classDef %s %s\n", c.name, c.style)
	}
	for _, n := range nodes {
		fmt.Fprintf(&b, "    class %s %s\n", ids[n.Path], n.Category)
	}
	return b.String()
}

// Export renders the graph in the named format: *Structured for
// "structured", a Mermaid string for "diagram".
func (g *Graph) Export(format string) (any, error) {
	switch format {
	case "", FormatStructured:
		return g.Structured(), nil
	case FormatDiagram:
		return g.Diagram(), nil
	default:
		return nil, fmt.Errorf("graph: unknown export format %q: %w", format, apperr.ErrInvalidArgument)
	}
}
