package remapper

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Consumer is a node consuming an output of another node, at data input position Position.
type Consumer struct {
	Node     *Node
	Position int
}

// Index is a read-only view over a Graph snapshot: by-name lookup, consumers (fan-out) of each node,
// fetched nodes, a deterministic topological order and statically inferred shapes.
//
// It is built once per pass and never updated: rewrites are planned against it and applied to a
// copy of the graph at the end of the pass.
type Index struct {
	graph            *Graph
	byName           map[string]*Node
	positions        map[string]int
	consumers        map[string][]Consumer
	controlConsumers map[string][]*Node
	fetched          sets.Set[string]
	order            []*Node
	shapes           map[string]ShapeInfo
}

// BuildIndex validates the graph and builds its Index.
//
// It returns an error wrapping ErrMalformedGraph if node names are duplicated, if an input
// reference is invalid, dangling or points to the node itself, if the graph has a cycle, or if a
// fetch doesn't resolve.
func BuildIndex(g *Graph) (*Index, error) {
	idx := &Index{
		graph:            g,
		byName:           make(map[string]*Node, len(g.Nodes)),
		positions:        make(map[string]int, len(g.Nodes)),
		consumers:        make(map[string][]Consumer),
		controlConsumers: make(map[string][]*Node),
		fetched:          sets.Make[string](len(g.Fetch)),
	}
	for ii, node := range g.Nodes {
		if node == nil {
			return nil, malformedf("nil node at position %d", ii)
		}
		if node.Name == "" {
			return nil, malformedf("node at position %d (op %q) has no name", ii, node.Op)
		}
		if _, found := idx.byName[node.Name]; found {
			return nil, malformedf("duplicate node name %q", node.Name)
		}
		if kind := node.Kind(); kind.IsConv() || kind == OpFusedConv2D || kind == OpFusedDepthwiseConv2D {
			if err := checkConvWindow(node); err != nil {
				return nil, malformedf("convolution %q: %v", node.Name, err)
			}
		}
		idx.byName[node.Name] = node
		idx.positions[node.Name] = ii
	}

	dag := simple.NewDirectedGraph()
	for ii := range g.Nodes {
		dag.AddNode(simple.Node(ii))
	}
	for ii, node := range g.Nodes {
		seenControl := false
		for position, input := range node.Inputs {
			ref, err := ParseRef(input)
			if err != nil {
				return nil, malformedf("node %q input #%d: %v", node.Name, position, err)
			}
			if ref.Control {
				seenControl = true
			} else if seenControl {
				return nil, malformedf("node %q has data input %q after control inputs", node.Name, input)
			}
			producer, found := idx.byName[ref.Node]
			if !found {
				return nil, malformedf("node %q input #%d references missing node %q", node.Name, position, ref.Node)
			}
			if producer == node {
				return nil, malformedf("node %q references itself", node.Name)
			}
			if ref.Control {
				idx.controlConsumers[producer.Name] = append(idx.controlConsumers[producer.Name], node)
			} else {
				idx.consumers[producer.Name] = append(idx.consumers[producer.Name], Consumer{Node: node, Position: position})
			}
			from, to := simple.Node(idx.positions[producer.Name]), simple.Node(ii)
			if !dag.HasEdgeFromTo(from.ID(), to.ID()) {
				dag.SetEdge(dag.NewEdge(from, to))
			}
		}
	}

	sorted, err := topo.SortStabilized(dag, nil)
	if err != nil {
		if cycles, ok := err.(topo.Unorderable); ok && len(cycles) > 0 && len(cycles[0]) > 0 {
			return nil, malformedf("graph has a cycle through node %q", g.Nodes[cycles[0][0].ID()].Name)
		}
		return nil, malformedf("graph can't be sorted: %v", err)
	}
	idx.order = make([]*Node, 0, len(sorted))
	for _, n := range sorted {
		idx.order = append(idx.order, g.Nodes[n.ID()])
	}

	for _, fetch := range g.Fetch {
		ref, err := ParseRef(fetch)
		if err != nil || ref.Control {
			return nil, malformedf("invalid fetch %q", fetch)
		}
		if _, found := idx.byName[ref.Node]; !found {
			return nil, malformedf("fetch %q references missing node %q", fetch, ref.Node)
		}
		idx.fetched.Insert(ref.Node)
	}

	idx.shapes = inferShapes(idx.order)
	return idx, nil
}

// Graph returns the graph indexed.
func (idx *Index) Graph() *Graph { return idx.graph }

// NodeByName returns the node with the given name, or nil if not found.
func (idx *Index) NodeByName(name string) *Node {
	return idx.byName[name]
}

// Position returns the position of the node in the Graph.Nodes slice, or -1 if not found.
func (idx *Index) Position(name string) int {
	if pos, found := idx.positions[name]; found {
		return pos
	}
	return -1
}

// ConsumersOf returns the data consumers of any output of the named node, in graph order.
// A node consuming it twice is listed twice.
func (idx *Index) ConsumersOf(name string) []Consumer {
	return idx.consumers[name]
}

// ControlConsumersOf returns the nodes that have a control dependency on the named node.
func (idx *Index) ControlConsumersOf(name string) []*Node {
	return idx.controlConsumers[name]
}

// FanOutCount returns the number of data edges leaving the named node.
func (idx *Index) FanOutCount(name string) int {
	return len(idx.consumers[name])
}

// SoleConsumer returns the single data consumer of the named node, or nil if there are 0 or 2+ consumers.
func (idx *Index) SoleConsumer(name string) *Node {
	list := idx.consumers[name]
	if len(list) == 1 {
		return list[0].Node
	}
	return nil
}

// IsFetched returns whether any output of the named node is fetched by the caller.
func (idx *Index) IsFetched(name string) bool {
	return idx.fetched.Has(name)
}

// Order returns the nodes in topological order (producers before consumers).
// The order only depends on the positions of the nodes in the graph, so it is deterministic.
func (idx *Index) Order() []*Node {
	return idx.order
}

// Shape returns the statically inferred shape of the given output reference.
//
// Shapes derived from Placeholder declarations are only returned if trustPlaceholders is true,
// otherwise (or if not known) an unknown shape is returned.
func (idx *Index) Shape(ref string, trustPlaceholders bool) TensorShape {
	return idx.ShapeInfo(ref).Trusted(trustPlaceholders)
}

// ShapeInfo returns the inferred shape and its provenance for the given output reference.
func (idx *Index) ShapeInfo(ref string) ShapeInfo {
	r, err := ParseRef(ref)
	if err != nil || r.Control {
		return unknownShapeInfo
	}
	if info, found := idx.shapes[r.String()]; found {
		return info
	}
	return unknownShapeInfo
}

// hasOnlyConsumers returns whether all data consumers of the named node are in the allowed set.
func (idx *Index) hasOnlyConsumers(name string, allowed sets.Set[string]) bool {
	for _, c := range idx.consumers[name] {
		if !allowed.Has(c.Node.Name) {
			return false
		}
	}
	return true
}
