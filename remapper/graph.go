package remapper

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Graph is a dataflow graph of named nodes, plus the list of fetched (externally observed) outputs.
//
// Edges are implied by Node.Inputs, which reference other nodes by name. The order of Nodes is
// preserved by the remapper, with fused nodes taking the position of the node they replace.
type Graph struct {
	Nodes []*Node

	// Fetch lists the references ("name" or "name:port") observed by the caller of the graph.
	// Fetched nodes are never removed by a rewrite.
	Fetch []string
}

// Node is one operation in the Graph.
type Node struct {
	Name string
	Op   string

	// Inputs are references to other nodes: "name" (same as "name:0"), "name:port" for other
	// output ports, and "^name" for control dependencies. Control inputs come after data inputs.
	Inputs []string

	Attrs  map[string]AttrValue
	Device string
}

// Kind returns the OpKind of the node.
func (n *Node) Kind() OpKind {
	return KindOf(n.Op)
}

// SetAttr sets attribute key to value, and returns the node itself, so calls can be chained.
func (n *Node) SetAttr(key string, value AttrValue) *Node {
	if n.Attrs == nil {
		n.Attrs = make(map[string]AttrValue)
	}
	n.Attrs[key] = value
	return n
}

// OnDevice sets the device of the node and returns the node itself.
func (n *Node) OnDevice(device string) *Node {
	n.Device = device
	return n
}

// Attr returns the attribute with the given key, and whether it was found.
func (n *Node) Attr(key string) (AttrValue, bool) {
	v, found := n.Attrs[key]
	return v, found
}

// DType returns the "T" attribute of the node, if present.
func (n *Node) DType() (dtypes.DType, bool) {
	v, found := n.Attrs[AttrT]
	if !found {
		return dtypes.InvalidDType, false
	}
	return v.Type()
}

// DataInputs returns the non-control inputs of the node.
func (n *Node) DataInputs() []string {
	for ii, input := range n.Inputs {
		if strings.HasPrefix(input, "^") {
			return n.Inputs[:ii]
		}
	}
	return n.Inputs
}

// ControlInputs returns the control inputs of the node, with the "^" prefix.
func (n *Node) ControlInputs() []string {
	for ii, input := range n.Inputs {
		if strings.HasPrefix(input, "^") {
			return n.Inputs[ii:]
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := &Node{
		Name:   n.Name,
		Op:     n.Op,
		Inputs: slices.Clone(n.Inputs),
		Device: n.Device,
	}
	if n.Attrs != nil {
		c.Attrs = make(map[string]AttrValue, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v.Clone()
		}
	}
	return c
}

// NewGraph creates an empty graph that fetches the given references.
func NewGraph(fetch ...string) *Graph {
	return &Graph{Fetch: fetch}
}

// Add appends a new node to the graph and returns it. Attributes can be set on the returned node with SetAttr.
func (g *Graph) Add(name, op string, inputs ...string) *Node {
	node := &Node{Name: name, Op: op, Inputs: inputs}
	g.Nodes = append(g.Nodes, node)
	return node
}

// Node returns the node with the given name, or nil. It is a linear scan: use an Index for repeated lookups.
func (g *Graph) Node(name string) *Node {
	for _, node := range g.Nodes {
		if node.Name == name {
			return node
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes: make([]*Node, len(g.Nodes)),
		Fetch: slices.Clone(g.Fetch),
	}
	for ii, node := range g.Nodes {
		c.Nodes[ii] = node.Clone()
	}
	return c
}

// OpCounts returns the number of nodes per op type.
func (g *Graph) OpCounts() map[string]int {
	counts := make(map[string]int)
	for _, node := range g.Nodes {
		counts[node.Op]++
	}
	return counts
}

// Equal returns whether both graphs have the same nodes, in the same order, with the same fetches.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.Nodes) != len(other.Nodes) || !slices.Equal(g.Fetch, other.Fetch) {
		return false
	}
	for ii, n := range g.Nodes {
		o := other.Nodes[ii]
		if n.Name != o.Name || n.Op != o.Op || n.Device != o.Device || !slices.Equal(n.Inputs, o.Inputs) {
			return false
		}
		if !maps.EqualFunc(n.Attrs, o.Attrs, AttrValue.Equal) {
			return false
		}
	}
	return true
}

// TensorRef is a parsed node input reference.
type TensorRef struct {
	Node    string
	Port    int
	Control bool
}

// ParseRef parses an input reference: "name", "name:port" or "^name".
func ParseRef(ref string) (TensorRef, error) {
	if ref == "" {
		return TensorRef{}, errors.New("empty reference")
	}
	if strings.HasPrefix(ref, "^") {
		name := ref[1:]
		if name == "" || strings.ContainsAny(name, ":^") {
			return TensorRef{}, errors.Errorf("invalid control reference %q", ref)
		}
		return TensorRef{Node: name, Control: true}, nil
	}
	name, portStr, hasPort := strings.Cut(ref, ":")
	if name == "" || strings.Contains(name, "^") {
		return TensorRef{}, errors.Errorf("invalid reference %q", ref)
	}
	if !hasPort {
		return TensorRef{Node: name}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return TensorRef{}, errors.Errorf("invalid port in reference %q", ref)
	}
	return TensorRef{Node: name, Port: port}, nil
}

// String returns the canonical form of the reference: port 0 is omitted.
func (r TensorRef) String() string {
	if r.Control {
		return "^" + r.Node
	}
	if r.Port == 0 {
		return r.Node
	}
	return r.Node + ":" + strconv.Itoa(r.Port)
}

// nodeNameOf returns the name of the node referenced, or "" if the reference can't be parsed.
func nodeNameOf(ref string) string {
	r, err := ParseRef(ref)
	if err != nil {
		return ""
	}
	return r.Node
}

// IntAttrOr returns the integer attribute key, or defaultValue if it is missing or of a different kind.
func (n *Node) IntAttrOr(key string, defaultValue int) int {
	if v, ok := n.Attrs[key].Int(); ok {
		return int(v)
	}
	return defaultValue
}

// BoolAttrOr returns the boolean attribute key, or defaultValue if it is missing or of a different kind.
func (n *Node) BoolAttrOr(key string, defaultValue bool) bool {
	if v, ok := n.Attrs[key].Bool(); ok {
		return v
	}
	return defaultValue
}

// StringAttrOr returns the string attribute key, or defaultValue if it is missing or of a different kind.
func (n *Node) StringAttrOr(key string, defaultValue string) string {
	if v, ok := n.Attrs[key].Str(); ok {
		return v
	}
	return defaultValue
}

// IntsAttrOr returns the list(int) attribute key converted to []int, or defaultValues.
func (n *Node) IntsAttrOr(key string, defaultValues []int) []int {
	v, ok := n.Attrs[key].IntList()
	if !ok {
		return defaultValues
	}
	ints := make([]int, len(v))
	for ii, x := range v {
		ints[ii] = int(x)
	}
	return ints
}

// StringsAttrOr returns the list(string) attribute key, or defaultValues.
func (n *Node) StringsAttrOr(key string, defaultValues []string) []string {
	if v, ok := n.Attrs[key].StringList(); ok {
		return v
	}
	return defaultValues
}

// Data formats of convolutions and bias additions.
const (
	DataFormatNHWC = "NHWC"
	DataFormatNCHW = "NCHW"
)

// DataFormat returns the "data_format" attribute, defaulting to NHWC.
func (n *Node) DataFormat() string {
	return n.StringAttrOr(AttrDataFormat, DataFormatNHWC)
}
