package remapper

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// plannedRewrite is a legal match and the fused operation replacing it, waiting for the end of the pass.
type plannedRewrite struct {
	match *Match
	spec  *FusedOpSpec
}

// applyRewrites applies the planned rewrites to a copy of g, all at once, and verifies the result.
//
// The input graph is never modified. If the result is inconsistent an error wrapping
// ErrInvariantViolation is returned.
func applyRewrites(g *Graph, idx *Index, plans []plannedRewrite) (*Graph, error) {
	out := g.Clone()
	if len(plans) == 0 {
		return out, nil
	}

	removed := sets.Make[string]()
	replacements := make(map[string]*Node, len(plans))
	rewire := make(map[string]string)
	for _, plan := range plans {
		spec := plan.spec
		if spec.Name != plan.match.Replaced {
			return nil, invariantf("pattern %q: fused node named %q but it replaces %q",
				plan.match.Pattern.Name(), spec.Name, plan.match.Replaced)
		}
		if _, found := replacements[spec.Name]; found {
			return nil, invariantf("node %q replaced twice", spec.Name)
		}
		replacements[spec.Name] = newFusedNode(spec, carriedControlInputs(idx, plan.match))
		for _, name := range spec.Removed {
			if name == spec.Name || removed.Has(name) {
				return nil, invariantf("pattern %q: node %q can't be removed", plan.match.Pattern.Name(), name)
			}
			removed.Insert(name)
		}
		for from, to := range spec.Rewire {
			rewire[from] = to
		}
	}

	nodes := make([]*Node, 0, len(out.Nodes))
	for _, node := range out.Nodes {
		if removed.Has(node.Name) {
			continue
		}
		if fused, found := replacements[node.Name]; found {
			node = fused
		}
		nodes = append(nodes, node)
	}
	out.Nodes = nodes
	if len(rewire) > 0 {
		for _, node := range out.Nodes {
			for ii, input := range node.Inputs {
				node.Inputs[ii] = rewireRef(input, rewire)
			}
		}
		for ii, fetch := range out.Fetch {
			out.Fetch[ii] = rewireRef(fetch, rewire)
		}
	}

	if err := verifyRewrite(out, removed); err != nil {
		return nil, err
	}
	return out, nil
}

func rewireRef(ref string, rewire map[string]string) string {
	r, err := ParseRef(ref)
	if err != nil {
		return ref
	}
	if to, found := rewire[r.String()]; found {
		return to
	}
	return ref
}

// carriedControlInputs returns the control inputs of the nodes replaced or removed by the match,
// deduplicated and excluding the nodes of the match itself.
func carriedControlInputs(idx *Index, m *Match) []string {
	matched := sets.MakeWith(m.NodeNames()...)
	gone := append(slices.Clone(m.Removed), m.Replaced)
	seen := sets.Make[string]()
	var controls []string
	for _, name := range gone {
		node := idx.NodeByName(name)
		if node == nil {
			continue
		}
		for _, control := range node.ControlInputs() {
			producer := nodeNameOf(control)
			if matched.Has(producer) || seen.Has(producer) {
				continue
			}
			seen.Insert(producer)
			controls = append(controls, "^"+producer)
		}
	}
	return controls
}

func newFusedNode(spec *FusedOpSpec, controls []string) *Node {
	node := &Node{
		Name:   spec.Name,
		Op:     spec.Op,
		Device: spec.Device,
		Inputs: append(slices.Clone(spec.Inputs), controls...),
		Attrs:  make(map[string]AttrValue, len(spec.Attrs)+2),
	}
	for k, v := range spec.Attrs {
		node.Attrs[k] = v.Clone()
	}
	node.Attrs[AttrNumArgs] = IntAttr(int64(spec.NumArgs))
	node.Attrs[AttrFusedOps] = StringListAttr(spec.FusedOps...)
	return node
}

// verifyRewrite checks the rewritten graph is still well-formed, that no reference to a removed node
// is left, and that the fused nodes are consistent.
func verifyRewrite(g *Graph, removed sets.Set[string]) error {
	for _, node := range g.Nodes {
		for _, input := range node.Inputs {
			if removed.Has(nodeNameOf(input)) {
				return invariantf("node %q still references removed node %q", node.Name, input)
			}
		}
	}
	for _, fetch := range g.Fetch {
		if removed.Has(nodeNameOf(fetch)) {
			return invariantf("fetch %q references a removed node", fetch)
		}
	}
	if _, err := BuildIndex(g); err != nil {
		return errors.Wrapf(ErrInvariantViolation, "rewritten graph is malformed: %v", err)
	}
	for _, node := range g.Nodes {
		if node.Kind().IsFused() {
			if err := CheckFusedNode(node); err != nil {
				return errors.Wrapf(ErrInvariantViolation, "%v", err)
			}
		}
	}
	return nil
}

// CheckFusedNode verifies the attributes of a fused node are consistent with its inputs: "fused_ops"
// lists known operations in their application order, and "num_args" counts the extra operands.
func CheckFusedNode(node *Node) error {
	numArgs, ok := node.Attrs[AttrNumArgs].Int()
	if !ok {
		return errors.Errorf("fused node %q has no %q attribute", node.Name, AttrNumArgs)
	}
	fusedOps, ok := node.Attrs[AttrFusedOps].StringList()
	if !ok || len(fusedOps) == 0 {
		return errors.Errorf("fused node %q has no %q attribute", node.Name, AttrFusedOps)
	}
	numInputs := len(node.DataInputs())

	switch node.Kind() {
	case OpFusedConv2D, OpFusedDepthwiseConv2D:
		// BiasAdd, [Add], [activation]
		if fusedOps[0] != OpNameBiasAdd {
			return errors.Errorf("fused node %q: %q must start with %s, got %q", node.Name, AttrFusedOps, OpNameBiasAdd, fusedOps)
		}
		rest := fusedOps[1:]
		expectedArgs := 1
		if len(rest) > 0 && rest[0] == OpNameAdd {
			expectedArgs++
			rest = rest[1:]
		}
		if len(rest) > 0 {
			if _, isActivation := KindOf(rest[0]).Activation(); !isActivation || len(rest) > 1 {
				return errors.Errorf("fused node %q: invalid %q %q", node.Name, AttrFusedOps, fusedOps)
			}
		}
		if int(numArgs) != expectedArgs {
			return errors.Errorf("fused node %q: %q=%d inconsistent with %q %q",
				node.Name, AttrNumArgs, numArgs, AttrFusedOps, fusedOps)
		}
		if numInputs != 2+expectedArgs {
			return errors.Errorf("fused node %q has %d data inputs, expected %d", node.Name, numInputs, 2+expectedArgs)
		}

	case OpFusedMatMulGrad:
		if len(fusedOps) != 1 || fusedOps[0] != OpNameBiasAddGrad || numArgs != 1 {
			return errors.Errorf("fused node %q: invalid %q=%q / %q=%d", node.Name, AttrFusedOps, fusedOps, AttrNumArgs, numArgs)
		}
		if numInputs != 2 {
			return errors.Errorf("fused node %q has %d data inputs, expected 2", node.Name, numInputs)
		}
	}
	return nil
}
