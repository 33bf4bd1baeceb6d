package remapper

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// TensorShape is a statically known (or partially known) tensor shape.
//
// A dimension of -1 is unknown. If UnknownRank is set, Dims is ignored.
type TensorShape struct {
	Dims        []int
	UnknownRank bool
}

// MakeShape returns a shape with the given dimensions; use -1 for unknown dimensions.
func MakeShape(dims ...int) TensorShape {
	return TensorShape{Dims: slices.Clone(dims)}
}

// UnknownShape returns a shape whose rank is not known.
func UnknownShape() TensorShape {
	return TensorShape{UnknownRank: true}
}

// Rank returns the rank of the shape, or -1 if unknown.
func (s TensorShape) Rank() int {
	if s.UnknownRank {
		return -1
	}
	return len(s.Dims)
}

// Dim returns the dimension at axis, or -1 if the rank or the dimension is unknown.
// Negative axes count from the end.
func (s TensorShape) Dim(axis int) int {
	if s.UnknownRank {
		return -1
	}
	if axis < 0 {
		axis += len(s.Dims)
	}
	if axis < 0 || axis >= len(s.Dims) {
		return -1
	}
	return s.Dims[axis]
}

// IsFullyDefined returns whether the rank and all dimensions are known.
func (s TensorShape) IsFullyDefined() bool {
	if s.UnknownRank {
		return false
	}
	for _, d := range s.Dims {
		if d < 0 {
			return false
		}
	}
	return true
}

// Equal returns whether both shapes are structurally the same, unknown dimensions included.
func (s TensorShape) Equal(other TensorShape) bool {
	if s.UnknownRank || other.UnknownRank {
		return s.UnknownRank == other.UnknownRank
	}
	return slices.Equal(s.Dims, other.Dims)
}

// Clone returns a deep copy.
func (s TensorShape) Clone() TensorShape {
	return TensorShape{Dims: slices.Clone(s.Dims), UnknownRank: s.UnknownRank}
}

// String implements fmt.Stringer.
func (s TensorShape) String() string {
	if s.UnknownRank {
		return "<unknown>"
	}
	parts := make([]string, len(s.Dims))
	for ii, d := range s.Dims {
		if d < 0 {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", d)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// BroadcastShapes returns the numpy-style broadcast of a and b, and false if they are incompatible.
// Unknown dimensions broadcast to unknown, unless the other side is known and not 1.
func BroadcastShapes(a, b TensorShape) (TensorShape, bool) {
	if a.UnknownRank || b.UnknownRank {
		return UnknownShape(), true
	}
	rank := max(len(a.Dims), len(b.Dims))
	dims := make([]int, rank)
	for ii := range rank {
		da, db := 1, 1
		if jj := ii - (rank - len(a.Dims)); jj >= 0 {
			da = a.Dims[jj]
		}
		if jj := ii - (rank - len(b.Dims)); jj >= 0 {
			db = b.Dims[jj]
		}
		switch {
		case da == db:
			dims[ii] = da
		case da == 1:
			dims[ii] = db
		case db == 1:
			dims[ii] = da
		case da < 0:
			dims[ii] = db
		case db < 0:
			dims[ii] = da
		default:
			return UnknownShape(), false
		}
	}
	return TensorShape{Dims: dims}, true
}

// ShapeProvenance tracks where static shape information comes from, which decides whether it
// can be trusted at a given optimization level.
type ShapeProvenance int

const (
	// ProvenanceUnknown - shape not statically known.
	ProvenanceUnknown ShapeProvenance = iota

	// ProvenanceConstant - shape comes from constant values or from an "_output_shapes" annotation.
	ProvenanceConstant

	// ProvenancePlaceholder - shape depends on a declared Placeholder shape, which a caller
	// may still feed differently.
	ProvenancePlaceholder
)

// String returns a human-readable name for the provenance.
func (p ShapeProvenance) String() string {
	switch p {
	case ProvenanceUnknown:
		return "unknown"
	case ProvenanceConstant:
		return "constant"
	case ProvenancePlaceholder:
		return "placeholder"
	default:
		return "invalid"
	}
}

// combine returns the least trusted of both provenances.
func (p ShapeProvenance) combine(other ShapeProvenance) ShapeProvenance {
	if p == ProvenanceUnknown || other == ProvenanceUnknown {
		return ProvenanceUnknown
	}
	if p == ProvenancePlaceholder || other == ProvenancePlaceholder {
		return ProvenancePlaceholder
	}
	return ProvenanceConstant
}

// ShapeInfo is the inferred shape of one node output.
type ShapeInfo struct {
	Shape      TensorShape
	Provenance ShapeProvenance
}

// Trusted returns the shape if its provenance is trusted, otherwise an unknown shape.
func (si ShapeInfo) Trusted(trustPlaceholders bool) TensorShape {
	switch si.Provenance {
	case ProvenanceConstant:
		return si.Shape
	case ProvenancePlaceholder:
		if trustPlaceholders {
			return si.Shape
		}
	}
	return UnknownShape()
}

var unknownShapeInfo = ShapeInfo{Shape: UnknownShape(), Provenance: ProvenanceUnknown}

// inferShapes statically infers the shapes of the node outputs, visiting nodes in topological order.
// The returned map is keyed by canonical output reference ("name" or "name:port").
func inferShapes(order []*Node) map[string]ShapeInfo {
	infos := make(map[string]ShapeInfo, len(order))
	inputInfo := func(node *Node, ii int) ShapeInfo {
		inputs := node.DataInputs()
		if ii >= len(inputs) {
			return unknownShapeInfo
		}
		ref, err := ParseRef(inputs[ii])
		if err != nil {
			return unknownShapeInfo
		}
		if info, found := infos[ref.String()]; found {
			return info
		}
		return unknownShapeInfo
	}

	for _, node := range order {
		// Annotations take precedence over inference.
		if annotated, ok := node.Attrs[AttrOutputShapes].ShapeList(); ok && len(annotated) > 0 {
			for port, shape := range annotated {
				provenance := ProvenanceConstant
				if !shape.IsFullyDefined() {
					provenance = ProvenanceUnknown
				}
				infos[TensorRef{Node: node.Name, Port: port}.String()] = ShapeInfo{Shape: shape, Provenance: provenance}
			}
			continue
		}
		info := inferNodeShape(node, func(ii int) ShapeInfo { return inputInfo(node, ii) })
		if !info.Shape.IsFullyDefined() {
			info.Provenance = ProvenanceUnknown
		}
		infos[node.Name] = info
		if node.Kind() == OpFusedMatMulGrad {
			biasGrad := unknownShapeInfo
			gradOperand := inputInfo(node, 1)
			if gradOperand.Shape.Rank() == 2 {
				biasGrad = ShapeInfo{Shape: MakeShape(gradOperand.Shape.Dim(1)), Provenance: gradOperand.Provenance}
				if !biasGrad.Shape.IsFullyDefined() {
					biasGrad.Provenance = ProvenanceUnknown
				}
			}
			infos[node.Name+":1"] = biasGrad
		}
	}
	return infos
}

// inferNodeShape infers the shape of output 0 of node, given a function to fetch the shapes of its data inputs.
func inferNodeShape(node *Node, input func(ii int) ShapeInfo) ShapeInfo {
	switch node.Kind() {
	case OpPlaceholder:
		if shape, ok := node.Attrs[AttrShape].Shape(); ok {
			return ShapeInfo{Shape: shape.Clone(), Provenance: ProvenancePlaceholder}
		}
		return unknownShapeInfo

	case OpConst:
		if value, ok := node.Attrs[AttrConstValue].Tensor(); ok && value != nil {
			return ShapeInfo{Shape: value.Shape(), Provenance: ProvenanceConstant}
		}
		return unknownShapeInfo

	case OpIdentity, OpRelu, OpRelu6, OpElu, OpBiasAdd:
		return input(0)

	case OpAdd, OpAddV2:
		lhs, rhs := input(0), input(1)
		shape, ok := BroadcastShapes(lhs.Shape, rhs.Shape)
		if !ok {
			return unknownShapeInfo
		}
		return ShapeInfo{Shape: shape, Provenance: lhs.Provenance.combine(rhs.Provenance)}

	case OpAddN:
		numInputs := len(node.DataInputs())
		if numInputs == 0 {
			return unknownShapeInfo
		}
		result := input(0)
		for ii := 1; ii < numInputs; ii++ {
			next := input(ii)
			shape, ok := BroadcastShapes(result.Shape, next.Shape)
			if !ok {
				return unknownShapeInfo
			}
			result = ShapeInfo{Shape: shape, Provenance: result.Provenance.combine(next.Provenance)}
		}
		return result

	case OpConv2D, OpFusedConv2D, OpDepthwiseConv2D, OpFusedDepthwiseConv2D:
		in, filter := input(0), input(1)
		depthwise := node.Kind() == OpDepthwiseConv2D || node.Kind() == OpFusedDepthwiseConv2D
		return ShapeInfo{
			Shape:      convOutputShape(node, in.Shape, filter.Shape, depthwise),
			Provenance: in.Provenance.combine(filter.Provenance),
		}

	case OpMatMul:
		lhs, rhs := input(0), input(1)
		return ShapeInfo{
			Shape: matMulOutputShape(lhs.Shape, rhs.Shape,
				node.BoolAttrOr(AttrTransposeA, false), node.BoolAttrOr(AttrTransposeB, false)),
			Provenance: lhs.Provenance.combine(rhs.Provenance),
		}

	case OpFusedMatMulGrad:
		lhsInput, rhsInput, transposeA, transposeB := FilterGradientProduct(node)
		lhs, rhs := input(lhsInput), input(rhsInput)
		return ShapeInfo{
			Shape:      matMulOutputShape(lhs.Shape, rhs.Shape, transposeA, transposeB),
			Provenance: lhs.Provenance.combine(rhs.Provenance),
		}

	case OpBiasAddGrad:
		in := input(0)
		if in.Shape.UnknownRank {
			return unknownShapeInfo
		}
		return ShapeInfo{
			Shape:      MakeShape(in.Shape.Dim(ChannelAxis(node.DataFormat(), in.Shape.Rank()))),
			Provenance: in.Provenance,
		}

	default:
		return unknownShapeInfo
	}
}

// ChannelAxis returns the axis of the channels for the given data format and rank.
// For "NCHW" it is axis 1 (when rank >= 3), for everything else it is the last axis.
func ChannelAxis(dataFormat string, rank int) int {
	if dataFormat == DataFormatNCHW && rank >= 3 {
		return 1
	}
	return rank - 1
}

// spatialAxes returns the height and width axes of a 4D tensor in the given data format.
func spatialAxes(dataFormat string) (heightAxis, widthAxis int) {
	if dataFormat == DataFormatNCHW {
		return 2, 3
	}
	return 1, 2
}

// ConvWindow holds the per spatial axis (height, width) parameters of a 2D convolution.
type ConvWindow struct {
	Strides   [2]int
	Dilations [2]int

	// Padding per spatial axis (before, after). Only set after Resolve.
	Padding [2][2]int
}

// ConvWindowOf reads the window attributes of a convolution node: strides and dilations are given
// in the data format order (length 4); explicit_paddings has 2 entries per axis (length 8).
func ConvWindowOf(node *Node) ConvWindow {
	hAxis, wAxis := spatialAxes(node.DataFormat())
	w := ConvWindow{Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}}
	if strides := node.IntsAttrOr(AttrStrides, nil); len(strides) == 4 {
		w.Strides = [2]int{strides[hAxis], strides[wAxis]}
	}
	if dilations := node.IntsAttrOr(AttrDilations, nil); len(dilations) == 4 {
		w.Dilations = [2]int{dilations[hAxis], dilations[wAxis]}
	}
	if node.StringAttrOr(AttrPadding, "VALID") == "EXPLICIT" {
		if pads := node.IntsAttrOr(AttrExplicitPaddings, nil); len(pads) == 8 {
			w.Padding[0] = [2]int{pads[2*hAxis], pads[2*hAxis+1]}
			w.Padding[1] = [2]int{pads[2*wAxis], pads[2*wAxis+1]}
		}
	}
	return w
}

// checkConvWindow verifies the strides and dilations of a convolution, when set, have one positive
// entry per axis.
func checkConvWindow(node *Node) error {
	for _, key := range []string{AttrStrides, AttrDilations} {
		values, found := node.Attrs[key].IntList()
		if !found {
			continue
		}
		if len(values) != 4 {
			return errors.Errorf("%q must have 4 entries, got %v", key, values)
		}
		for _, v := range values {
			if v < 1 {
				return errors.Errorf("%q must be positive, got %v", key, values)
			}
		}
	}
	return nil
}

// ResolvePadding computes the padding of a spatial axis for the "SAME" and "VALID" schemes, and
// returns the explicit one otherwise. The size of the input and the kernel must be known.
func (w *ConvWindow) ResolvePadding(padding string, axis, inputSize, kernelSize int) [2]int {
	switch padding {
	case "SAME":
		stride := w.Strides[axis]
		if stride < 1 {
			return [2]int{0, 0}
		}
		effectiveKernel := (kernelSize-1)*w.Dilations[axis] + 1
		outputSize := (inputSize + stride - 1) / stride
		total := max((outputSize-1)*stride+effectiveKernel-inputSize, 0)
		return [2]int{total / 2, total - total/2}
	case "EXPLICIT":
		return w.Padding[axis]
	default:
		return [2]int{0, 0}
	}
}

// convOutputSize returns the output size of one spatial axis, or -1 if the input or kernel sizes are unknown
// or the window is invalid.
func (w *ConvWindow) convOutputSize(padding string, axis, inputSize, kernelSize int) int {
	if inputSize < 0 || kernelSize < 0 || w.Strides[axis] < 1 || w.Dilations[axis] < 1 {
		return -1
	}
	pad := w.ResolvePadding(padding, axis, inputSize, kernelSize)
	effectiveKernel := (kernelSize-1)*w.Dilations[axis] + 1
	padded := inputSize + pad[0] + pad[1]
	if padded < effectiveKernel {
		return 0
	}
	return (padded-effectiveKernel)/w.Strides[axis] + 1
}

// convOutputShape infers the output of a (possibly depthwise) 2D convolution.
// The filter is always laid out as [height, width, in_channels, out_channels (or channel multiplier)].
func convOutputShape(node *Node, input, filter TensorShape, depthwise bool) TensorShape {
	if input.Rank() != 4 {
		return UnknownShape()
	}
	dataFormat := node.DataFormat()
	hAxis, wAxis := spatialAxes(dataFormat)
	cAxis := ChannelAxis(dataFormat, 4)
	window := ConvWindowOf(node)
	padding := node.StringAttrOr(AttrPadding, "VALID")

	kh, kw, outChannels := -1, -1, -1
	if filter.Rank() == 4 {
		kh, kw = filter.Dims[0], filter.Dims[1]
		outChannels = filter.Dims[3]
		if depthwise {
			inChannels := input.Dims[cAxis]
			if inChannels < 0 {
				inChannels = filter.Dims[2]
			}
			if inChannels < 0 || outChannels < 0 {
				outChannels = -1
			} else {
				outChannels *= inChannels
			}
		}
	}

	dims := make([]int, 4)
	dims[0] = input.Dims[0]
	dims[hAxis] = window.convOutputSize(padding, 0, input.Dims[hAxis], kh)
	dims[wAxis] = window.convOutputSize(padding, 1, input.Dims[wAxis], kw)
	dims[cAxis] = outChannels
	return TensorShape{Dims: dims}
}

// matMulOutputShape infers the output of a rank-2 MatMul with optional transposed operands.
func matMulOutputShape(lhs, rhs TensorShape, transposeA, transposeB bool) TensorShape {
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return UnknownShape()
	}
	rows := lhs.Dims[0]
	if transposeA {
		rows = lhs.Dims[1]
	}
	cols := rhs.Dims[1]
	if transposeB {
		cols = rhs.Dims[0]
	}
	return MakeShape(rows, cols)
}
