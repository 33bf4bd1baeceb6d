package remapper

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	testCases := []struct {
		ref       string
		want      TensorRef
		canonical string
	}{
		{"conv", TensorRef{Node: "conv"}, "conv"},
		{"conv:0", TensorRef{Node: "conv"}, "conv"},
		{"grad:1", TensorRef{Node: "grad", Port: 1}, "grad:1"},
		{"^init", TensorRef{Node: "init", Control: true}, "^init"},
		{"scope/conv:12", TensorRef{Node: "scope/conv", Port: 12}, "scope/conv:12"},
	}
	for _, tc := range testCases {
		t.Run(tc.ref, func(t *testing.T) {
			ref, err := ParseRef(tc.ref)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ref)
			assert.Equal(t, tc.canonical, ref.String())
		})
	}

	for _, invalid := range []string{"", "^", ":1", "conv:", "conv:-1", "conv:x", "^conv:1", "a^b"} {
		_, err := ParseRef(invalid)
		assert.Errorf(t, err, "ParseRef(%q) should fail", invalid)
	}
}

func TestNodeInputs(t *testing.T) {
	g := NewGraph("b")
	g.Add("a", OpNamePlaceholder)
	b := g.Add("b", OpNameIdentity, "a", "^c", "^d")
	assert.Equal(t, []string{"a"}, b.DataInputs())
	assert.Equal(t, []string{"^c", "^d"}, b.ControlInputs())

	a := g.Node("a")
	assert.Empty(t, a.DataInputs())
	assert.Nil(t, a.ControlInputs())
	assert.Nil(t, g.Node("missing"))
}

func TestNodeAttrs(t *testing.T) {
	node := (&Node{Name: "conv", Op: OpNameConv2D}).
		SetAttr(AttrT, TypeAttr(dtypes.Float32)).
		SetAttr(AttrStrides, IntListAttr(1, 2, 2, 1)).
		SetAttr(AttrPadding, StringAttr("VALID")).
		SetAttr(AttrTransposeA, BoolAttr(true)).
		SetAttr(AttrNumArgs, IntAttr(2))

	dtype, ok := node.DType()
	require.True(t, ok)
	assert.Equal(t, dtypes.Float32, dtype)
	assert.Equal(t, []int{1, 2, 2, 1}, node.IntsAttrOr(AttrStrides, nil))
	assert.Equal(t, "VALID", node.StringAttrOr(AttrPadding, "SAME"))
	assert.True(t, node.BoolAttrOr(AttrTransposeA, false))
	assert.Equal(t, 2, node.IntAttrOr(AttrNumArgs, 0))
	assert.Equal(t, DataFormatNHWC, node.DataFormat())

	// Missing or of another kind: defaults.
	assert.Equal(t, 7, node.IntAttrOr(AttrPadding, 7))
	assert.Equal(t, []string{"x"}, node.StringsAttrOr(AttrFusedOps, []string{"x"}))
	assert.False(t, node.BoolAttrOr(AttrTransposeB, false))
	_, found := node.Attr(AttrDilations)
	assert.False(t, found)
	_, ok = node.Attrs[AttrPadding].Int()
	assert.False(t, ok)
}

func TestAttrValue(t *testing.T) {
	values := []AttrValue{
		IntAttr(3),
		FloatAttr(0.5),
		BoolAttr(true),
		StringAttr("SAME"),
		TypeAttr(dtypes.BFloat16),
		ShapeAttr(MakeShape(8, -1, 3)),
		IntListAttr(1, 1, 1, 1),
		StringListAttr(OpNameBiasAdd, OpNameRelu),
		ShapeListAttr(MakeShape(2), UnknownShape()),
		TensorAttr(&TensorValue{DType: dtypes.Float32, Dims: []int{2}, Values: []float64{1, 2}}),
	}
	for ii, v := range values {
		assert.True(t, v.IsValid())
		assert.True(t, v.Equal(v.Clone()), "value #%d (%s) differs from its clone", ii, v)
		for jj, other := range values {
			if ii != jj {
				assert.False(t, v.Equal(other))
			}
		}
	}
	assert.False(t, AttrValue{}.IsValid())
	assert.Equal(t, "<invalid>", AttrValue{}.String())
	assert.Equal(t, `["BiasAdd", "Relu"]`, values[7].String())
	assert.Equal(t, "DT_BFLOAT16", values[4].String())
	assert.Equal(t, "[8, ?, 3]", values[5].String())
	assert.Equal(t, "tensor(DT_FLOAT[2])", values[9].String())

	// Clones don't share memory.
	ints := IntListAttr(1, 2)
	clone := ints.Clone()
	list, _ := clone.IntList()
	list[0] = 10
	assert.False(t, ints.Equal(clone))
}

func TestGraphCloneAndEqual(t *testing.T) {
	g := NewGraph("relu")
	g.Add("x", OpNamePlaceholder).SetAttr(AttrShape, ShapeAttr(MakeShape(2, 3))).OnDevice("/device:CPU:0")
	g.Add("relu", OpNameRelu, "x").SetAttr(AttrT, TypeAttr(dtypes.Float32))

	c := g.Clone()
	require.True(t, g.Equal(c))
	c.Node("relu").Inputs[0] = "y"
	assert.False(t, g.Equal(c))
	assert.Equal(t, "x", g.Node("relu").Inputs[0])

	c = g.Clone()
	c.Node("x").SetAttr(AttrShape, ShapeAttr(MakeShape(2, 4)))
	assert.False(t, g.Equal(c))

	c = g.Clone()
	c.Fetch = append(c.Fetch, "x")
	assert.False(t, g.Equal(c))

	assert.Equal(t, map[string]int{OpNamePlaceholder: 1, OpNameRelu: 1}, g.OpCounts())
	assert.Contains(t, g.String(), "Relu=1")
	assert.Contains(t, g.Dump(), `x = Placeholder() {shape=[2, 3]} @/device:CPU:0`)
	assert.Contains(t, g.Dump(), "fetch: relu")
}

func TestDTypes(t *testing.T) {
	for _, name := range []string{"DT_FLOAT", "DT_HALF", "DT_BFLOAT16", "DT_DOUBLE", "DT_INT32", "DT_BOOL"} {
		dtype, err := DTypeForTF(name)
		require.NoError(t, err)
		assert.Equal(t, name, TFTypeName(dtype))
	}
	_, err := DTypeForTF("DT_RESOURCE")
	require.Error(t, err)
	assert.True(t, IsFusableDType(dtypes.Float32))
	assert.True(t, IsFusableDType(dtypes.BFloat16))
	assert.False(t, IsFusableDType(dtypes.Float64))
	assert.False(t, IsFusableDType(dtypes.Int32))
}

func TestOpKind(t *testing.T) {
	assert.Equal(t, OpDepthwiseConv2D, KindOf("DepthwiseConv2dNative"))
	assert.Equal(t, OpDepthwiseConv2D, KindOf("DepthwiseConv2D"))
	assert.Equal(t, OpOther, KindOf("Softmax"))
	assert.Equal(t, OpNameFusedMatMulGrad, OpFusedMatMulGrad.String())
	assert.True(t, OpAddN.IsAdd())
	assert.True(t, OpFusedDepthwiseConv2D.IsFused())
	assert.False(t, OpFusedConv2D.IsConv())
	for _, activation := range Activations[1:] {
		got, ok := activation.Kind().Activation()
		require.True(t, ok)
		assert.Equal(t, activation, got)
		assert.Equal(t, activation.Kind(), KindOf(activation.String()))
	}
	_, ok := OpBiasAdd.Activation()
	assert.False(t, ok)
}
