package formats

import (
	"fmt"
	"sort"

	"alembic/internal/services"
)

// Graph holds the registered formats and the directed conversion edges
// between them. It is built once at startup and safe for concurrent reads.
type Graph struct {
	formats map[string]Format
	edges   map[string][]Edge
}

// NewGraph builds a graph from the given formats and edges. Every edge must
// connect two registered formats, and at most one edge may exist per
// source/target pair.
func NewGraph(formats []Format, edges []Edge) (*Graph, error) {
	g := &Graph{
		formats: make(map[string]Format, len(formats)),
		edges:   make(map[string][]Edge),
	}
	for _, format := range formats {
		id := NormalizeID(format.ID)
		if id == "" {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", "format id must not be empty", nil)
		}
		if _, exists := g.formats[id]; exists {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", fmt.Sprintf("duplicate format %q", id), nil)
		}
		if _, ok := knownCategories[format.Category]; !ok {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", fmt.Sprintf("format %q has unknown category %q", id, format.Category), nil)
		}
		format.ID = id
		g.formats[id] = format
	}
	seen := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		edge.Source = NormalizeID(edge.Source)
		edge.Target = NormalizeID(edge.Target)
		if err := edge.validate(); err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", "invalid edge", err)
		}
		if _, ok := g.formats[edge.Source]; !ok {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", fmt.Sprintf("edge %s->%s references unregistered format %q", edge.Source, edge.Target, edge.Source), nil)
		}
		if _, ok := g.formats[edge.Target]; !ok {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", fmt.Sprintf("edge %s->%s references unregistered format %q", edge.Source, edge.Target, edge.Target), nil)
		}
		key := edge.Source + "->" + edge.Target
		if _, dup := seen[key]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "formats", "register", fmt.Sprintf("duplicate edge %s", key), nil)
		}
		seen[key] = struct{}{}
		g.edges[edge.Source] = append(g.edges[edge.Source], edge)
	}
	for source := range g.edges {
		sort.Slice(g.edges[source], func(i, j int) bool {
			return g.edges[source][i].Target < g.edges[source][j].Target
		})
	}
	return g, nil
}

// Format looks up a registered format by id.
func (g *Graph) Format(id string) (Format, bool) {
	format, ok := g.formats[NormalizeID(id)]
	return format, ok
}

// Formats returns all registered formats sorted by id.
func (g *Graph) Formats() []Format {
	out := make([]Format, 0, len(g.formats))
	for _, format := range g.formats {
		out = append(out, format)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgesFrom returns the outgoing edges of a format sorted by target id.
func (g *Graph) EdgesFrom(source string) []Edge {
	return g.edges[NormalizeID(source)]
}

// Targets returns the ids reachable from source in a single hop.
func (g *Graph) Targets(source string) []string {
	edges := g.EdgesFrom(source)
	out := make([]string, 0, len(edges))
	for _, edge := range edges {
		out = append(out, edge.Target)
	}
	return out
}
