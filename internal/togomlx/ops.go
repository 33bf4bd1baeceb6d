package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/remapper/remapper"
)

// implicitBroadcast prepends 1-dimensional axes to the operands of lower rank, and broadcasts the
// axes of dimension 1, following TensorFlow's broadcasting rules.
func implicitBroadcast(lhs, rhs *Node) (*Node, *Node) {
	rank := max(lhs.Rank(), rhs.Rank())
	if lhs.Rank() < rank {
		lhs = ExpandLeftToRank(lhs, rank)
	}
	if rhs.Rank() < rank {
		rhs = ExpandLeftToRank(rhs, rank)
	}
	lhsDims, rhsDims := lhs.Shape().Dimensions, rhs.Shape().Dimensions
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = max(lhsDims[axis], rhsDims[axis])
		if lhsDims[axis] != rhsDims[axis] && min(lhsDims[axis], rhsDims[axis]) != 1 {
			exceptions.Panicf("can't broadcast shapes %v and %v", lhsDims, rhsDims)
		}
	}
	if !slices.Equal(lhsDims, dims) {
		lhs = BroadcastToDims(lhs, dims...)
	}
	if !slices.Equal(rhsDims, dims) {
		rhs = BroadcastToDims(rhs, dims...)
	}
	return lhs, rhs
}

func convertAdd(lhs, rhs *Node) *Node {
	lhs, rhs = implicitBroadcast(lhs, rhs)
	return Add(lhs, rhs)
}

func convertAddN(inputs []*Node) *Node {
	if len(inputs) == 0 {
		exceptions.Panicf("AddN with no inputs")
	}
	res := inputs[0]
	for _, input := range inputs[1:] {
		res = convertAdd(res, input)
	}
	return res
}

// convertBiasAdd adds the rank-1 bias to the channels axis of x.
func convertBiasAdd(x, bias *Node, dataFormat string) *Node {
	if bias.Rank() != 1 {
		exceptions.Panicf("BiasAdd bias must have rank 1, got shape %s", bias.Shape())
	}
	channelsAxis := remapper.ChannelAxis(dataFormat, x.Rank())
	if x.Shape().Dimensions[channelsAxis] != bias.Shape().Dimensions[0] {
		exceptions.Panicf("BiasAdd bias shape %s doesn't match the channels of %s", bias.Shape(), x.Shape())
	}
	return Add(x, ExpandAndBroadcast(bias, x.Shape().Dimensions, axesExcept(x.Rank(), channelsAxis)))
}

// convertBiasAddGrad sums the gradient over all axes except the channels axis.
func convertBiasAddGrad(grad *Node, dataFormat string) *Node {
	channelsAxis := remapper.ChannelAxis(dataFormat, grad.Rank())
	return ReduceSum(grad, axesExcept(grad.Rank(), channelsAxis)...)
}

func axesExcept(rank, axis int) []int {
	axes := make([]int, 0, rank)
	for ii := range rank {
		if ii != axis {
			axes = append(axes, ii)
		}
	}
	return axes
}

func convertActivation(activation remapper.Activation, x *Node) *Node {
	switch activation {
	case remapper.ActivationRelu:
		return Max(x, ZerosLike(x))
	case remapper.ActivationRelu6:
		return ClipScalar(x, 0.0, 6.0)
	case remapper.ActivationElu:
		return Where(GreaterThan(x, ZerosLike(x)), x, MinusOne(Exp(x)))
	default:
		exceptions.Panicf("unknown activation %s", activation)
		panic(nil) // for lint benefit.
	}
}

// convertConv converts Conv2D and DepthwiseConv2dNative (and the convolution part of their fused
// versions).
//
// The filter is shaped [height, width, in_channels, out_channels] for Conv2D and
// [height, width, in_channels, multiplier] for the depthwise convolution.
func convertConv(node *remapper.Node, x, filter *Node, depthwise bool) *Node {
	if x.Rank() != 4 || filter.Rank() != 4 {
		exceptions.Panicf("%s %q: input and filter must have rank 4, got %s and %s", node.Op, node.Name, x.Shape(), filter.Shape())
	}
	dataFormat := node.DataFormat()
	if dataFormat == remapper.DataFormatNCHW {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}
	inputChannels := x.Shape().Dimensions[3]
	filterDims := filter.Shape().Dimensions
	if filterDims[2] != inputChannels {
		exceptions.Panicf("%s %q: filter %s doesn't match the %d input channels", node.Op, node.Name, filter.Shape(), inputChannels)
	}

	window := remapper.ConvWindowOf(node)
	padding := node.StringAttrOr(remapper.AttrPadding, "VALID")
	paddings := make([][2]int, 2)
	for axis := range 2 {
		paddings[axis] = window.ResolvePadding(padding, axis, x.Shape().Dimensions[1+axis], filterDims[axis])
	}
	var conv *ConvolutionBuilder
	if depthwise {
		// One group per input channel: out_channel = in_channel*multiplier + m.
		filter = Reshape(filter, filterDims[0], filterDims[1], 1, filterDims[2]*filterDims[3])
		conv = Convolve(x, filter).ChannelGroupCount(inputChannels)
	} else {
		conv = Convolve(x, filter)
	}
	output := conv.
		ChannelsAxis(timage.ChannelsLast).
		StridePerAxis(window.Strides[:]...).
		DilationPerAxis(window.Dilations[:]...).
		PaddingPerDim(paddings).
		Done()
	if dataFormat == remapper.DataFormatNCHW {
		output = TransposeAllAxes(output, 0, 3, 1, 2)
	}
	return output
}

func convertMatMul(node *remapper.Node, lhs, rhs *Node) *Node {
	return matMul(lhs, rhs, node.BoolAttrOr(remapper.AttrTransposeA, false), node.BoolAttrOr(remapper.AttrTransposeB, false))
}

func matMul(lhs, rhs *Node, transposeA, transposeB bool) *Node {
	if transposeA {
		lhs = Transpose(lhs, 0, 1)
	}
	if transposeB {
		rhs = Transpose(rhs, 0, 1)
	}
	return MatMul(lhs, rhs)
}

// convertFusedConv applies the convolution and then the fused operations in order: the bias, the
// optional addend and the optional activation.
func convertFusedConv(node *remapper.Node, inputs []*Node, depthwise bool) *Node {
	fusedOps := node.StringsAttrOr(remapper.AttrFusedOps, nil)
	numArgs := node.IntAttrOr(remapper.AttrNumArgs, 0)
	if len(inputs) != 2+numArgs {
		exceptions.Panicf("%s %q: expected %d inputs, got %d", node.Op, node.Name, 2+numArgs, len(inputs))
	}
	res := convertConv(node, inputs[0], inputs[1], depthwise)
	args := inputs[2:]
	for _, op := range fusedOps {
		switch kind := remapper.KindOf(op); {
		case kind == remapper.OpBiasAdd:
			if len(args) == 0 {
				exceptions.Panicf("%s %q: missing bias argument", node.Op, node.Name)
			}
			res = convertBiasAdd(res, args[0], node.DataFormat())
			args = args[1:]
		case kind.IsAdd():
			if len(args) == 0 {
				exceptions.Panicf("%s %q: missing addend argument", node.Op, node.Name)
			}
			res = convertAdd(res, args[0])
			args = args[1:]
		default:
			activation, ok := kind.Activation()
			if !ok {
				exceptions.Panicf("%s %q: unsupported fused op %q", node.Op, node.Name, op)
			}
			res = convertActivation(activation, res)
		}
	}
	return res
}

// convertFusedMatMulGrad returns the gradient of the forward weights and the bias gradient, given the
// forward operand and the forward output (inputs 0 and 1).
func convertFusedMatMulGrad(node *remapper.Node, inputs []*Node) (product, biasGrad *Node) {
	if len(inputs) != 2 {
		exceptions.Panicf("%s %q: expected 2 inputs, got %d", node.Op, node.Name, len(inputs))
	}
	lhs, rhs, transposeA, transposeB := remapper.FilterGradientProduct(node)
	product = matMul(inputs[lhs], inputs[rhs], transposeA, transposeB)
	biasGrad = ReduceSum(inputs[1], 0)
	return
}
