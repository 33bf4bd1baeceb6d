package togomlx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/remapper/remapper"
	"github.com/pkg/errors"
)

// CallGraph converts the remapper graph rg to a GoMLX computation in g, and returns the values of
// the fetched tensors: the given ones, or rg.Fetch if none is given.
//
// The inputs map the Placeholder nodes names to their values: all placeholders must be given.
//
// Errors are raised with panic, as usual when building GoMLX graphs.
func CallGraph(g *Graph, rg *remapper.Graph, inputs map[string]*Node, fetch ...string) []*Node {
	idx, err := remapper.BuildIndex(rg)
	if err != nil {
		panic(err)
	}
	if len(fetch) == 0 {
		fetch = rg.Fetch
	}
	if len(fetch) == 0 {
		exceptions.Panicf("togomlx.CallGraph(): nothing to fetch")
	}

	convertedOutputs := make(map[string]*Node, len(rg.Nodes))
	order := idx.Order()
	for ii, node := range order {
		err := exceptions.TryCatch[error](func() { convertNode(g, node, inputs, convertedOutputs) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %q (%d out of %d)", node.Name, ii, len(order)))
		}
	}

	outputs := make([]*Node, len(fetch))
	for ii, ref := range fetch {
		key := canonicalRef(ref)
		output, found := convertedOutputs[key]
		if !found {
			exceptions.Panicf("fetched tensor %q not found", ref)
		}
		outputs[ii] = output
	}
	return outputs
}

func canonicalRef(ref string) string {
	r, err := remapper.ParseRef(ref)
	if err != nil {
		panic(err)
	}
	return r.String()
}

// convertNode converts one node, whose inputs must have already been converted.
func convertNode(g *Graph, node *remapper.Node, inputs map[string]*Node, convertedOutputs map[string]*Node) {
	dataInputs := node.DataInputs()
	operands := make([]*Node, len(dataInputs))
	for ii, ref := range dataInputs {
		var found bool
		operands[ii], found = convertedOutputs[canonicalRef(ref)]
		if !found {
			exceptions.Panicf("input %q of node %q not converted", ref, node.Name)
		}
	}
	expectInputs := func(n int) {
		if len(operands) != n {
			exceptions.Panicf("%s %q: expected %d inputs, got %d", node.Op, node.Name, n, len(operands))
		}
	}

	var res *Node
	switch kind := node.Kind(); kind {
	case remapper.OpPlaceholder:
		value, found := inputs[node.Name]
		if !found {
			exceptions.Panicf("no value given for Placeholder %q", node.Name)
		}
		if s, ok := node.Attrs[remapper.AttrShape].Shape(); ok && s.IsFullyDefined() && !s.Equal(remapper.MakeShape(value.Shape().Dimensions...)) {
			exceptions.Panicf("value given for Placeholder %q is shaped %s, expected %s", node.Name, value.Shape(), s)
		}
		res = value
	case remapper.OpConst:
		tv, _ := node.Attrs[remapper.AttrConstValue].Tensor()
		t, err := Tensor(tv)
		if err != nil {
			panic(errors.WithMessagef(err, "Const %q", node.Name))
		}
		res = Const(g, t)
	case remapper.OpIdentity:
		expectInputs(1)
		res = operands[0]
	case remapper.OpConv2D, remapper.OpDepthwiseConv2D:
		expectInputs(2)
		res = convertConv(node, operands[0], operands[1], kind == remapper.OpDepthwiseConv2D)
	case remapper.OpBiasAdd:
		expectInputs(2)
		res = convertBiasAdd(operands[0], operands[1], node.DataFormat())
	case remapper.OpBiasAddGrad:
		expectInputs(1)
		res = convertBiasAddGrad(operands[0], node.DataFormat())
	case remapper.OpAdd, remapper.OpAddV2:
		expectInputs(2)
		res = convertAdd(operands[0], operands[1])
	case remapper.OpAddN:
		res = convertAddN(operands)
	case remapper.OpRelu, remapper.OpRelu6, remapper.OpElu:
		expectInputs(1)
		activation, _ := kind.Activation()
		res = convertActivation(activation, operands[0])
	case remapper.OpMatMul:
		expectInputs(2)
		res = convertMatMul(node, operands[0], operands[1])
	case remapper.OpFusedConv2D, remapper.OpFusedDepthwiseConv2D:
		res = convertFusedConv(node, operands, kind == remapper.OpFusedDepthwiseConv2D)
	case remapper.OpFusedMatMulGrad:
		product, biasGrad := convertFusedMatMulGrad(node, operands)
		convertedOutputs[node.Name] = product
		convertedOutputs[node.Name+":1"] = biasGrad
		return
	default:
		exceptions.Panicf("op %q (node %q) not supported", node.Op, node.Name)
	}
	convertedOutputs[node.Name] = res
}
