// Package testgraphs builds the small graphs used to test and benchmark the remapper: convolution
// chains and matrix multiplication gradients, in the configurations the fusion patterns care about.
package testgraphs

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/remapper/remapper"
)

// CPU is the device all nodes are placed on by default.
const CPU = "/device:CPU:0"

// ConvConfig configures the graph built by Conv:
//
//	input, filter -> conv -> bias_add(bias) -> [AddOp(input_addn, bias_add)] -> [activation] -> fetch
//
// The add node is named after its op ("Add", "AddV2" or "AddN"), the activation node after its
// op in lower case ("relu", "relu6" or "elu").
type ConvConfig struct {
	// DataFormat is remapper.DataFormatNHWC (default) or remapper.DataFormatNCHW.
	DataFormat string

	Depthwise bool

	// AddOp is empty (no addend), "Add", "AddV2" or "AddN".
	AddOp string

	// BroadcastAddend makes the addend a rank-1 tensor over the last axis of the output, broadcast
	// by the add.
	BroadcastAddend bool

	Activation remapper.Activation

	// ShapeAnnotations sets the "_output_shapes" attribute on every node.
	ShapeAnnotations bool

	// ConstWeights makes the filter and the bias Const nodes with deterministic values, instead of
	// Placeholders.
	ConstWeights bool

	// DType defaults to dtypes.Float32.
	DType dtypes.DType

	// Batch, Height, Width, InChannels default to 8, 32, 32, 3.
	Batch, Height, Width, InChannels int

	// OutChannels is the number of output channels of Conv2D (default 128), or the channel
	// multiplier of the depthwise convolution (default 1).
	OutChannels int

	// Device defaults to CPU.
	Device string
}

func (c *ConvConfig) setDefaults() {
	if c.DataFormat == "" {
		c.DataFormat = remapper.DataFormatNHWC
	}
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	setDefault := func(v *int, defaultValue int) {
		if *v == 0 {
			*v = defaultValue
		}
	}
	setDefault(&c.Batch, 8)
	setDefault(&c.Height, 32)
	setDefault(&c.Width, 32)
	setDefault(&c.InChannels, 3)
	if c.Depthwise {
		setDefault(&c.OutChannels, 1)
	} else {
		setDefault(&c.OutChannels, 128)
	}
	if c.Device == "" {
		c.Device = CPU
	}
}

// layout returns dims in the configured data format, given them in NHWC order.
func (c *ConvConfig) layout(batch, height, width, channels int) []int {
	if c.DataFormat == remapper.DataFormatNCHW {
		return []int{batch, channels, height, width}
	}
	return []int{batch, height, width, channels}
}

// Channels returns the number of channels of the convolution output.
func (c ConvConfig) Channels() int {
	c.setDefaults()
	if c.Depthwise {
		return c.InChannels * c.OutChannels
	}
	return c.OutChannels
}

// ActivationNodeName returns the name of the activation node built for the activation.
func ActivationNodeName(activation remapper.Activation) string {
	return strings.ToLower(activation.String())
}

// Conv builds the convolution chain graph described by c. It is fetched through an Identity node
// named "fetch", and all the nodes are placed on c.Device.
//
// The convolution uses strides 1 and "SAME" padding, so the output has the spatial dimensions of
// the input.
func Conv(c ConvConfig) *remapper.Graph {
	c.setDefaults()
	channels := c.Channels()
	outputDims := c.layout(c.Batch, c.Height, c.Width, channels)
	g := remapper.NewGraph("fetch")

	annotate := func(node *remapper.Node, dims ...int) *remapper.Node {
		if c.ShapeAnnotations {
			node.SetAttr(remapper.AttrOutputShapes, remapper.ShapeListAttr(remapper.MakeShape(dims...)))
		}
		return node
	}
	placeholder := func(name string, dims ...int) {
		annotate(g.Add(name, remapper.OpNamePlaceholder).OnDevice(c.Device).
			SetAttr(remapper.AttrDType, remapper.TypeAttr(c.DType)).
			SetAttr(remapper.AttrShape, remapper.ShapeAttr(remapper.MakeShape(dims...))), dims...)
	}
	constant := func(name string, dims ...int) {
		tv := &remapper.TensorValue{DType: c.DType, Dims: dims}
		tv.Values = make([]float64, tv.Size())
		for ii := range tv.Values {
			// Deterministic values in [-0.5, 0.5].
			tv.Values[ii] = float64((ii*7919)%101)/100.0 - 0.5
		}
		annotate(g.Add(name, remapper.OpNameConst).OnDevice(c.Device).
			SetAttr(remapper.AttrDType, remapper.TypeAttr(c.DType)).
			SetAttr(remapper.AttrConstValue, remapper.TensorAttr(tv)), dims...)
	}

	placeholder("input", c.layout(c.Batch, c.Height, c.Width, c.InChannels)...)
	weights := placeholder
	if c.ConstWeights {
		weights = constant
	}
	weights("filter", 1, 1, c.InChannels, c.OutChannels)
	weights("bias", channels)

	convOp := remapper.OpNameConv2D
	if c.Depthwise {
		convOp = remapper.OpNameDepthwiseConv2D
	}
	strides := remapper.IntListAttr(1, 1, 1, 1)
	annotate(g.Add("conv", convOp, "input", "filter").OnDevice(c.Device).
		SetAttr(remapper.AttrT, remapper.TypeAttr(c.DType)).
		SetAttr(remapper.AttrStrides, strides).
		SetAttr(remapper.AttrDilations, remapper.IntListAttr(1, 1, 1, 1)).
		SetAttr(remapper.AttrPadding, remapper.StringAttr("SAME")).
		SetAttr(remapper.AttrDataFormat, remapper.StringAttr(c.DataFormat)), outputDims...)
	annotate(g.Add("bias_add", remapper.OpNameBiasAdd, "conv", "bias").OnDevice(c.Device).
		SetAttr(remapper.AttrT, remapper.TypeAttr(c.DType)).
		SetAttr(remapper.AttrDataFormat, remapper.StringAttr(c.DataFormat)), outputDims...)
	last := "bias_add"

	if c.AddOp != "" {
		if c.BroadcastAddend {
			placeholder("input_addn", outputDims[len(outputDims)-1])
		} else {
			placeholder("input_addn", outputDims...)
		}
		add := annotate(g.Add(c.AddOp, c.AddOp, "input_addn", last).OnDevice(c.Device).
			SetAttr(remapper.AttrT, remapper.TypeAttr(c.DType)), outputDims...)
		if c.AddOp == remapper.OpNameAddN {
			add.SetAttr(remapper.AttrN, remapper.IntAttr(2))
		}
		last = c.AddOp
	}

	if c.Activation != remapper.ActivationNone {
		name := ActivationNodeName(c.Activation)
		annotate(g.Add(name, c.Activation.Kind().String(), last).OnDevice(c.Device).
			SetAttr(remapper.AttrT, remapper.TypeAttr(c.DType)), outputDims...)
		last = name
	}

	annotate(g.Add("fetch", remapper.OpNameIdentity, last).OnDevice(c.Device).
		SetAttr(remapper.AttrT, remapper.TypeAttr(c.DType)), outputDims...)
	return g
}

// MatMulGradConfig configures the graph built by MatMulGrad.
type MatMulGradConfig struct {
	TransposeA, TransposeB bool

	// M, K, N default to 2, 3, 4: the forward product is [M, K] x [K, N].
	M, K, N int
}

// MatMulGrad builds a forward MatMul of the placeholders "input" and "weight" (named "matmul"),
// a "bias_add_grad" of its output, and the two MatMuls computing the gradients of the input
// ("matmul_grad_input") and of the weight ("matmul_grad_filter") with the output as the incoming
// gradient. It fetches "fetch_m" (the filter gradient) and "fetch_b" (the bias gradient).
//
// The gradient MatMuls are written the way the standard backpropagation of each of the four
// transposition combinations produces them.
func MatMulGrad(c MatMulGradConfig) *remapper.Graph {
	if c.M == 0 {
		c.M, c.K, c.N = 2, 3, 4
	}
	g := remapper.NewGraph("fetch_m", "fetch_b")
	inputDims := []int{c.M, c.K}
	if c.TransposeA {
		inputDims = []int{c.K, c.M}
	}
	weightDims := []int{c.K, c.N}
	if c.TransposeB {
		weightDims = []int{c.N, c.K}
	}
	Placeholder(g, "input", inputDims...)
	Placeholder(g, "weight", weightDims...)
	MatMul(g, "matmul", "input", "weight", c.TransposeA, c.TransposeB)
	g.Add("bias_add_grad", remapper.OpNameBiasAddGrad, "matmul").OnDevice(CPU).
		SetAttr(remapper.AttrT, remapper.TypeAttr(dtypes.Float32))

	switch {
	case !c.TransposeA && !c.TransposeB:
		MatMul(g, "matmul_grad_input", "matmul", "weight", false, true)
		MatMul(g, "matmul_grad_filter", "input", "matmul", true, false)
	case !c.TransposeA && c.TransposeB:
		MatMul(g, "matmul_grad_input", "matmul", "weight", false, false)
		MatMul(g, "matmul_grad_filter", "matmul", "input", true, false)
	case c.TransposeA && !c.TransposeB:
		MatMul(g, "matmul_grad_input", "weight", "matmul", false, true)
		MatMul(g, "matmul_grad_filter", "input", "matmul", false, false)
	default:
		MatMul(g, "matmul_grad_input", "weight", "matmul", true, true)
		MatMul(g, "matmul_grad_filter", "matmul", "input", true, true)
	}
	Identity(g, "fetch_m", "matmul_grad_filter")
	Identity(g, "fetch_b", "bias_add_grad")
	return g
}

// Placeholder adds a float32 Placeholder of the given shape, placed on the CPU.
func Placeholder(g *remapper.Graph, name string, dims ...int) *remapper.Node {
	return g.Add(name, remapper.OpNamePlaceholder).OnDevice(CPU).
		SetAttr(remapper.AttrDType, remapper.TypeAttr(dtypes.Float32)).
		SetAttr(remapper.AttrShape, remapper.ShapeAttr(remapper.MakeShape(dims...)))
}

// MatMul adds a float32 MatMul placed on the CPU.
func MatMul(g *remapper.Graph, name, lhs, rhs string, transposeA, transposeB bool) *remapper.Node {
	return g.Add(name, remapper.OpNameMatMul, lhs, rhs).OnDevice(CPU).
		SetAttr(remapper.AttrT, remapper.TypeAttr(dtypes.Float32)).
		SetAttr(remapper.AttrTransposeA, remapper.BoolAttr(transposeA)).
		SetAttr(remapper.AttrTransposeB, remapper.BoolAttr(transposeB))
}

// Identity adds a float32 Identity placed on the CPU.
func Identity(g *remapper.Graph, name, input string) *remapper.Node {
	return g.Add(name, remapper.OpNameIdentity, input).OnDevice(CPU).
		SetAttr(remapper.AttrT, remapper.TypeAttr(dtypes.Float32))
}
