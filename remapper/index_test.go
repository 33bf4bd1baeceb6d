package remapper

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamondGraph builds x -> (a, b) -> c, with a control dependency of c on init.
func diamondGraph() *Graph {
	g := NewGraph("c")
	g.Add("init", "NoOp")
	g.Add("c", OpNameAddV2, "a", "b", "^init")
	g.Add("x", OpNamePlaceholder).
		SetAttr(AttrDType, TypeAttr(dtypes.Float32)).
		SetAttr(AttrShape, ShapeAttr(MakeShape(4, 5)))
	g.Add("a", OpNameRelu, "x")
	g.Add("b", OpNameElu, "x:0")
	return g
}

func TestBuildIndex(t *testing.T) {
	g := diamondGraph()
	idx, err := BuildIndex(g)
	require.NoError(t, err)

	// Producers come before their consumers, and the order doesn't change across builds.
	seen := make(map[string]bool)
	for _, node := range idx.Order() {
		for _, input := range node.Inputs {
			assert.Truef(t, seen[nodeNameOf(input)], "%q visited before its input %q", node.Name, input)
		}
		seen[node.Name] = true
	}
	assert.Len(t, seen, len(g.Nodes))
	idx2, err := BuildIndex(g)
	require.NoError(t, err)
	assert.Equal(t, idx.Order(), idx2.Order())

	assert.Equal(t, 2, idx.FanOutCount("x"))
	assert.Nil(t, idx.SoleConsumer("x"))
	assert.Equal(t, "c", idx.SoleConsumer("a").Name)
	consumers := idx.ConsumersOf("b")
	require.Len(t, consumers, 1)
	assert.Equal(t, 1, consumers[0].Position)
	assert.Equal(t, 0, idx.FanOutCount("init"))
	require.Len(t, idx.ControlConsumersOf("init"), 1)
	assert.Equal(t, "c", idx.ControlConsumersOf("init")[0].Name)

	assert.True(t, idx.IsFetched("c"))
	assert.False(t, idx.IsFetched("a"))
	assert.Equal(t, 2, idx.Position("x"))
	assert.Equal(t, -1, idx.Position("missing"))
	assert.Same(t, g.Nodes[3], idx.NodeByName("a"))
	assert.Same(t, g, idx.Graph())
}

func TestBuildIndexMalformed(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(g *Graph)
		reason string
	}{
		{"DuplicateName", func(g *Graph) { g.Add("a", OpNameIdentity, "x") }, "duplicate"},
		{"EmptyName", func(g *Graph) { g.Add("", OpNameIdentity, "x") }, "no name"},
		{"NilNode", func(g *Graph) { g.Nodes = append(g.Nodes, nil) }, "nil node"},
		{"DanglingInput", func(g *Graph) { g.Node("a").Inputs = []string{"y"} }, "missing node"},
		{"DanglingControl", func(g *Graph) { g.Node("c").Inputs[2] = "^y" }, "missing node"},
		{"InvalidReference", func(g *Graph) { g.Node("a").Inputs = []string{"x:first"} }, "invalid port"},
		{"SelfReference", func(g *Graph) { g.Node("a").Inputs = []string{"a"} }, "itself"},
		{"Cycle", func(g *Graph) { g.Node("a").Inputs = []string{"c"} }, "cycle"},
		{"DataAfterControl", func(g *Graph) { g.Node("c").Inputs = []string{"a", "^init", "b"} }, "after control"},
		{"MissingFetch", func(g *Graph) { g.Fetch = []string{"d"} }, "fetch"},
		{"ControlFetch", func(g *Graph) { g.Fetch = []string{"^c"} }, "fetch"},
		{"ZeroStride", func(g *Graph) {
			g.Add("conv", OpNameConv2D, "x", "a").SetAttr(AttrStrides, IntListAttr(1, 0, 0, 1))
		}, "positive"},
		{"StridesLength", func(g *Graph) {
			g.Add("conv", OpNameConv2D, "x", "a").SetAttr(AttrStrides, IntListAttr(1, 1))
		}, "4 entries"},
		{"NegativeDilation", func(g *Graph) {
			g.Add("conv", OpNameFusedDepthwiseConv2D, "x", "a", "b").SetAttr(AttrDilations, IntListAttr(1, -1, 1, 1))
		}, "positive"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := diamondGraph()
			tc.modify(g)
			_, err := BuildIndex(g)
			require.ErrorIs(t, err, ErrMalformedGraph)
			assert.Contains(t, err.Error(), tc.reason)
		})
	}
}

func TestIndexShapes(t *testing.T) {
	g := NewGraph("sum")
	g.Add("x", OpNamePlaceholder).SetAttr(AttrShape, ShapeAttr(MakeShape(8, 16)))
	g.Add("w", OpNameConst).SetAttr(AttrConstValue, TensorAttr(&TensorValue{
		DType: dtypes.Float32, Dims: []int{16, 4}, Values: make([]float64, 64)}))
	g.Add("b", OpNameConst).SetAttr(AttrConstValue, TensorAttr(&TensorValue{
		DType: dtypes.Float32, Dims: []int{4}, Values: make([]float64, 4)}))
	g.Add("y", OpNameMatMul, "x", "w")
	g.Add("bias_grad", OpNameBiasAddGrad, "y")
	g.Add("wb", OpNameAddV2, "w", "b")
	g.Add("annotated", OpNameIdentity, "y").
		SetAttr(AttrOutputShapes, ShapeListAttr(MakeShape(8, 4)))
	g.Add("sum", OpNameAddN, "annotated", "y", "y")
	g.Add("unknown", "Softmax", "y")

	idx, err := BuildIndex(g)
	require.NoError(t, err)

	testCases := []struct {
		ref        string
		shape      TensorShape
		provenance ShapeProvenance
	}{
		{"x", MakeShape(8, 16), ProvenancePlaceholder},
		{"w", MakeShape(16, 4), ProvenanceConstant},
		{"y", MakeShape(8, 4), ProvenancePlaceholder},
		{"y:0", MakeShape(8, 4), ProvenancePlaceholder},
		{"bias_grad", MakeShape(4), ProvenancePlaceholder},
		{"wb", MakeShape(16, 4), ProvenanceConstant},
		{"annotated", MakeShape(8, 4), ProvenanceConstant},
		{"sum", MakeShape(8, 4), ProvenancePlaceholder},
		{"unknown", UnknownShape(), ProvenanceUnknown},
		{"y:1", UnknownShape(), ProvenanceUnknown},
		{"^y", UnknownShape(), ProvenanceUnknown},
	}
	for _, tc := range testCases {
		t.Run(tc.ref, func(t *testing.T) {
			info := idx.ShapeInfo(tc.ref)
			assert.Truef(t, tc.shape.Equal(info.Shape), "got shape %s, wanted %s", info.Shape, tc.shape)
			assert.Equal(t, tc.provenance, info.Provenance)

			// Placeholder derived shapes are only trusted on request.
			trusted := idx.Shape(tc.ref, true)
			untrusted := idx.Shape(tc.ref, false)
			switch tc.provenance {
			case ProvenanceConstant:
				assert.True(t, tc.shape.Equal(trusted))
				assert.True(t, tc.shape.Equal(untrusted))
			case ProvenancePlaceholder:
				assert.True(t, tc.shape.Equal(trusted))
				assert.True(t, untrusted.UnknownRank)
			default:
				assert.True(t, trusted.UnknownRank)
			}
		})
	}
}

func TestIndexShapesFusedMatMulGrad(t *testing.T) {
	// Forward product [2, 3] x [3, 4] = [2, 4]: the weights gradient has the shape of the weights as
	// stored, and the bias gradient has one element per column of the output.
	testCases := []struct {
		transposeA, transposeB bool
		input                  TensorShape
		want                   TensorShape
	}{
		{false, false, MakeShape(2, 3), MakeShape(3, 4)},
		{false, true, MakeShape(2, 3), MakeShape(4, 3)},
		{true, false, MakeShape(3, 2), MakeShape(3, 4)},
		{true, true, MakeShape(3, 2), MakeShape(4, 3)},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("a%vb%v", tc.transposeA, tc.transposeB), func(t *testing.T) {
			g := NewGraph("grad", "grad:1")
			g.Add("x", OpNamePlaceholder).SetAttr(AttrShape, ShapeAttr(tc.input))
			g.Add("dy", OpNamePlaceholder).SetAttr(AttrShape, ShapeAttr(MakeShape(2, 4)))
			g.Add("grad", OpNameFusedMatMulGrad, "x", "dy").
				SetAttr(AttrTransposeA, BoolAttr(tc.transposeA)).
				SetAttr(AttrTransposeB, BoolAttr(tc.transposeB))
			idx, err := BuildIndex(g)
			require.NoError(t, err)
			got := idx.Shape("grad", true)
			assert.Truef(t, tc.want.Equal(got), "got %s, wanted %s", got, tc.want)
			assert.True(t, MakeShape(4).Equal(idx.Shape("grad:1", true)))
		})
	}
}
