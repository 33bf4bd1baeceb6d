package remapper

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Pattern describes a chain of operations that can be replaced by a single fused operation.
//
// Patterns are registered once with RegisterPattern (usually from init()) and are read-only after that.
type Pattern interface {
	// Name returns the pattern name (e.g. "conv-bias-add"), used in reports and to select patterns.
	Name() string

	// Score returns the priority of this pattern. Higher scores are tried first at the same anchor.
	Score() float32

	// Anchors returns the op kinds where matching starts.
	Anchors() []OpKind

	// Match tries to bind the pattern starting at anchor. It returns nil if the structure doesn't match.
	// It must not bind nodes for which mc.IsClaimed returns true.
	Match(mc *MatchContext, anchor *Node) *Match

	// Check validates the pattern specific legality conditions (shapes, transposes, ...) of a match,
	// setting its flags. It returns an error describing the reason if the match is illegal.
	// Conditions common to all patterns (devices, types, exclusive consumers) are checked by the pass.
	Check(mc *MatchContext, m *Match) error

	// Rewrite synthesizes the fused operation for a legal match.
	Rewrite(mc *MatchContext, m *Match) *FusedOpSpec
}

var registeredPatterns []Pattern

// RegisterPattern adds a pattern to the global registry.
// It is not safe to call concurrently with Optimize, so it should be called from init().
func RegisterPattern(p Pattern) {
	registeredPatterns = append(registeredPatterns, p)
}

// RegisteredPatterns returns the names of all registered patterns, in descending score.
func RegisteredPatterns() []string {
	patterns := sortedByScore(registeredPatterns)
	names := make([]string, len(patterns))
	for ii, p := range patterns {
		names[ii] = p.Name()
	}
	return names
}

// sortedByScore returns a copy of patterns sorted by score descending; ties keep registration order.
func sortedByScore(patterns []Pattern) []Pattern {
	sorted := slices.Clone(patterns)
	slices.SortStableFunc(sorted, func(a, b Pattern) int {
		switch {
		case a.Score() > b.Score():
			return -1
		case a.Score() < b.Score():
			return 1
		default:
			return 0
		}
	})
	return sorted
}

// MatchContext is the read-only state patterns see during a pass.
type MatchContext struct {
	Index *Index
	Level Level

	claimed sets.Set[string]
}

// IsClaimed returns whether the named node was already bound by a match (legal or not) in this pass.
func (mc *MatchContext) IsClaimed(name string) bool {
	return mc.claimed.Has(name)
}

// TrustPlaceholderShapes returns whether shapes declared by Placeholder nodes can be relied upon.
// Only at LevelAggressive, since callers may feed tensors of other shapes.
func (mc *MatchContext) TrustPlaceholderShapes() bool {
	return mc.Level >= LevelAggressive
}

// Shape returns the trusted static shape of the given output reference at the current level.
func (mc *MatchContext) Shape(ref string) TensorShape {
	return mc.Index.Shape(ref, mc.TrustPlaceholderShapes())
}

// producerOf returns the node producing the data input ii of node, if it exists and is not claimed.
func (mc *MatchContext) producerOf(node *Node, ii int) *Node {
	inputs := node.DataInputs()
	if ii >= len(inputs) {
		return nil
	}
	ref, err := ParseRef(inputs[ii])
	if err != nil || ref.Port != 0 {
		return nil
	}
	producer := mc.Index.NodeByName(ref.Node)
	if producer == nil || mc.IsClaimed(producer.Name) {
		return nil
	}
	return producer
}

// soleConsumer returns the single data consumer of node, if there is exactly one and it is not claimed.
func (mc *MatchContext) soleConsumer(node *Node) *Node {
	consumer := mc.Index.SoleConsumer(node.Name)
	if consumer == nil || mc.IsClaimed(consumer.Name) {
		return nil
	}
	return consumer
}

// Match binds the slots of a Pattern to concrete nodes of a graph.
type Match struct {
	Pattern Pattern
	Anchor  *Node

	// Slots lists the nodes bound, in the order they were bound.
	Slots []Slot

	// Removed lists the names of the nodes the rewrite deletes from the graph.
	Removed []string

	// Rewired lists the removed nodes whose outputs are still provided by the fused node (see
	// FusedOpSpec.Rewire), so they can have consumers outside the match.
	Rewired []string

	// Replaced is the name of the node whose name and position the fused node takes.
	Replaced string

	// Params holds pattern specific data, set by Pattern.Match.
	Params any

	// Legality flags, set by the checks. They are only meaningful after the match was checked.
	ShapeCompatible  bool
	BroadcastFree    bool
	DeviceConsistent bool
	TypeConsistent   bool
}

// Slot is one bound node of a Match.
type Slot struct {
	Name string
	Node *Node
}

// Bind appends a slot binding to the match.
func (m *Match) Bind(slot string, node *Node) {
	m.Slots = append(m.Slots, Slot{Name: slot, Node: node})
}

// Node returns the node bound to the given slot, or nil.
func (m *Match) Node(slot string) *Node {
	for _, s := range m.Slots {
		if s.Name == slot {
			return s.Node
		}
	}
	return nil
}

// NodeNames returns the names of all nodes bound by the match.
func (m *Match) NodeNames() []string {
	names := make([]string, len(m.Slots))
	for ii, s := range m.Slots {
		names[ii] = s.Node.Name
	}
	return names
}

// FusedOpSpec describes the fused node that replaces a match.
type FusedOpSpec struct {
	// Name of the fused node: it is the name of the replaced node, so its consumers are kept.
	Name   string
	Op     string
	Device string

	// Inputs are the data inputs of the fused node; control inputs are added by the rewrite applier.
	Inputs []string

	// Attrs are the attributes of the fused node, except "num_args" and "fused_ops".
	Attrs map[string]AttrValue

	// FusedOps lists the absorbed operations in application order. Stored in the "fused_ops" attribute.
	FusedOps []string

	// NumArgs is the number of extra operands (bias, addend). Stored in the "num_args" attribute.
	NumArgs int

	// Removed lists the nodes deleted by the rewrite. The replaced node is not listed.
	Removed []string

	// Rewire maps canonical references to removed nodes (e.g. "x", "x:1", "^x") to their
	// replacements. Any other reference to a removed node left after the rewrite is an invariant violation.
	Rewire map[string]string
}
