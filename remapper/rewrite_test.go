package remapper

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fusedNode(op string, inputs []string, numArgs int64, fusedOps ...string) *Node {
	return (&Node{Name: "fused", Op: op, Inputs: inputs}).
		SetAttr(AttrNumArgs, IntAttr(numArgs)).
		SetAttr(AttrFusedOps, StringListAttr(fusedOps...))
}

func TestCheckFusedNode(t *testing.T) {
	conv3 := []string{"x", "w", "b"}
	conv4 := []string{"x", "w", "b", "addend"}
	testCases := []struct {
		name  string
		node  *Node
		valid bool
	}{
		{"Bias", fusedNode(OpNameFusedConv2D, conv3, 1, OpNameBiasAdd), true},
		{"BiasRelu", fusedNode(OpNameFusedConv2D, append(conv3, "^ctrl"), 1, OpNameBiasAdd, OpNameRelu), true},
		{"BiasAddElu", fusedNode(OpNameFusedDepthwiseConv2D, conv4, 2, OpNameBiasAdd, OpNameAdd, OpNameElu), true},
		{"MatMulGrad", fusedNode(OpNameFusedMatMulGrad, []string{"a", "dy"}, 1, OpNameBiasAddGrad), true},
		{"NoFusedOps", fusedNode(OpNameFusedConv2D, conv3, 1), false},
		{"NoNumArgs", (&Node{Name: "fused", Op: OpNameFusedConv2D, Inputs: conv3}).
			SetAttr(AttrFusedOps, StringListAttr(OpNameBiasAdd)), false},
		{"NumArgsMismatch", fusedNode(OpNameFusedConv2D, conv4, 1, OpNameBiasAdd, OpNameAdd), false},
		{"InputsMismatch", fusedNode(OpNameFusedConv2D, conv3, 2, OpNameBiasAdd, OpNameAdd), false},
		{"ActivationFirst", fusedNode(OpNameFusedConv2D, conv3, 1, OpNameRelu, OpNameBiasAdd), false},
		{"AddAfterActivation", fusedNode(OpNameFusedConv2D, conv4, 2, OpNameBiasAdd, OpNameRelu, OpNameAdd), false},
		{"TwoActivations", fusedNode(OpNameFusedConv2D, conv3, 1, OpNameBiasAdd, OpNameRelu, OpNameElu), false},
		{"UnknownOp", fusedNode(OpNameFusedConv2D, conv3, 1, OpNameBiasAdd, "Gelu"), false},
		{"MatMulGradInputs", fusedNode(OpNameFusedMatMulGrad, []string{"a"}, 1, OpNameBiasAddGrad), false},
		{"MatMulGradOps", fusedNode(OpNameFusedMatMulGrad, []string{"a", "dy"}, 1, OpNameBiasAdd), false},
		{"MatMulGradNumArgs", fusedNode(OpNameFusedMatMulGrad, []string{"a", "dy"}, 2, OpNameBiasAddGrad), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckFusedNode(tc.node)
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// brokenPattern matches Relu nodes, and plans rewrites that leave the graph inconsistent.
type brokenPattern struct {
	rewrite func(m *Match) *FusedOpSpec
}

func (*brokenPattern) Name() string                          { return "broken" }
func (*brokenPattern) Score() float32                        { return 1 }
func (*brokenPattern) Anchors() []OpKind                     { return []OpKind{OpRelu} }
func (*brokenPattern) Check(_ *MatchContext, _ *Match) error { return nil }

func (p *brokenPattern) Rewrite(_ *MatchContext, m *Match) *FusedOpSpec { return p.rewrite(m) }

func (p *brokenPattern) Match(_ *MatchContext, anchor *Node) *Match {
	m := &Match{Pattern: p, Anchor: anchor, Replaced: anchor.Name}
	m.Bind("relu", anchor)
	return m
}

func TestApplyRewritesInvariants(t *testing.T) {
	g := NewGraph("out")
	g.Add("x", OpNamePlaceholder)
	g.Add("relu", OpNameRelu, "x").SetAttr(AttrT, TypeAttr(dtypes.Float32))
	g.Add("out", OpNameIdentity, "relu")
	idx, err := BuildIndex(g)
	require.NoError(t, err)

	validSpec := func(m *Match) *FusedOpSpec {
		return &FusedOpSpec{
			Name: m.Replaced, Op: OpNameFusedConv2D, Inputs: []string{"x", "x", "x"},
			FusedOps: []string{OpNameBiasAdd}, NumArgs: 1,
		}
	}
	testCases := []struct {
		name    string
		rewrite func(m *Match) *FusedOpSpec
		valid   bool
	}{
		{"Valid", validSpec, true},
		{"WrongName", func(m *Match) *FusedOpSpec {
			spec := validSpec(m)
			spec.Name = "other"
			return spec
		}, false},
		{"RemovesConsumedNode", func(m *Match) *FusedOpSpec {
			spec := validSpec(m)
			spec.Removed = []string{"x"}
			return spec
		}, false},
		{"RemovesItself", func(m *Match) *FusedOpSpec {
			spec := validSpec(m)
			spec.Removed = []string{m.Replaced}
			return spec
		}, false},
		{"DanglingInput", func(m *Match) *FusedOpSpec {
			spec := validSpec(m)
			spec.Inputs[2] = "missing"
			return spec
		}, false},
		{"InconsistentNumArgs", func(m *Match) *FusedOpSpec {
			spec := validSpec(m)
			spec.NumArgs = 2
			return spec
		}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pattern := &brokenPattern{rewrite: tc.rewrite}
			mc := &MatchContext{Index: idx, Level: LevelOn}
			m := pattern.Match(mc, g.Node("relu"))
			before := g.Clone()
			out, err := applyRewrites(g, idx, []plannedRewrite{{match: m, spec: pattern.Rewrite(mc, m)}})
			assert.True(t, g.Equal(before), "input graph modified")
			if tc.valid {
				require.NoError(t, err)
				assert.Equal(t, OpNameFusedConv2D, out.Node("relu").Op)
				return
			}
			require.ErrorIs(t, err, ErrInvariantViolation)
			assert.Nil(t, out)
		})
	}
}

func TestRewireRef(t *testing.T) {
	rewire := map[string]string{"bias_grad": "grad:1"}
	assert.Equal(t, "grad:1", rewireRef("bias_grad", rewire))
	assert.Equal(t, "grad:1", rewireRef("bias_grad:0", rewire))
	assert.Equal(t, "^bias_grad", rewireRef("^bias_grad", rewire))
	assert.Equal(t, "other", rewireRef("other", rewire))
}
