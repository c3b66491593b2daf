package mapping

import (
	"context"
	"sort"
	"sync"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Graph is a many-to-many mapping from source keys to target keys.
// Each edge may carry the key of an edge-info entry, or be empty.
type Graph struct {
	Nodes map[string]map[string]string

	mu      sync.Mutex
	inverse *Graph
}

func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]map[string]string)}
}

// AddNode makes sure source is present, even without edges.
func (g *Graph) AddNode(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNode(source)
}

func (g *Graph) addNode(source string) {
	if g.Nodes == nil {
		g.Nodes = make(map[string]map[string]string)
	}
	if _, ok := g.Nodes[source]; !ok {
		g.Nodes[source] = make(map[string]string)
	}
}

// Add links source to target, labelling the edge with an edge-info key.
func (g *Graph) Add(source, target, edge string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNode(source)
	g.Nodes[source][target] = edge
	g.inverse = nil
}

// Lookup returns the row of source: a view over the targets it links to.
//
// Errors:
//
//    - metabase-error-not-found -- if source is not a node of the graph
func (g *Graph) Lookup(ctx context.Context, source string) (interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	targets, ok := g.Nodes[source]
	if !ok {
		return nil, mbapi.ErrorNotFound(mbapi.ResourceID(source), "graph")
	}
	return &Row{Node: source, Targets: targets, graph: g}, nil
}

// Sources lists the graph's nodes.
func (g *Graph) Sources() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	result := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Inverse returns the graph with every edge reversed.
func (g *Graph) Inverse() resource.Mapping {
	return g.invert()
}

func (g *Graph) invert() *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inverse != nil {
		return g.inverse
	}
	inv := NewGraph()
	for source, targets := range g.Nodes {
		for target, edge := range targets {
			inv.addNode(target)
			inv.Nodes[target][source] = edge
		}
	}
	inv.inverse = g
	g.inverse = inv
	return inv
}

// EdgeEnds is what the edge view of a graph yields for an edge-info key.
type EdgeEnds struct {
	Source string
	Target string
}

// Edges returns a view keyed by edge-info key.
func (g *Graph) Edges() resource.Mapping {
	return edgeView{g}
}

type edgeView struct {
	g *Graph
}

func (v edgeView) Lookup(ctx context.Context, edge string) (interface{}, error) {
	v.g.mu.Lock()
	defer v.g.mu.Unlock()
	for source, targets := range v.g.Nodes {
		for target, e := range targets {
			if e == edge && e != "" {
				return EdgeEnds{Source: source, Target: target}, nil
			}
		}
	}
	return nil, mbapi.ErrorNotFound(mbapi.ResourceID(edge), "graph edges")
}

// Row is one node's adjacency: target key to edge-info key.
type Row struct {
	Node    string
	Targets map[string]string

	graph *Graph
}

// Keys lists the targets of the row.
func (r *Row) Keys() []string {
	result := make([]string, 0, len(r.Targets))
	for k := range r.Targets {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Lookup returns the edge-info key between the row's node and target.
//
// Errors:
//
//    - metabase-error-not-found -- if the row has no edge to target
func (r *Row) Lookup(ctx context.Context, target string) (interface{}, error) {
	edge, ok := r.Targets[target]
	if !ok {
		return nil, mbapi.ErrorNotFound(mbapi.ResourceID(target), "row "+r.Node)
	}
	return edge, nil
}

// Inverse maps every target of the row to its row in the inverse graph,
// which is a view over the sources again.
func (r *Row) Inverse() resource.Mapping {
	return inverseRow{row: r, inv: r.graph.invert()}
}

type inverseRow struct {
	row *Row
	inv *Graph
}

func (ir inverseRow) Lookup(ctx context.Context, target string) (interface{}, error) {
	if _, ok := ir.row.Targets[target]; !ok {
		return nil, mbapi.ErrorNotFound(mbapi.ResourceID(target), "row "+ir.row.Node)
	}
	return ir.inv.Lookup(ctx, target)
}

// Keys lists the targets of the underlying row.
func (ir inverseRow) Keys() []string {
	return ir.row.Keys()
}
