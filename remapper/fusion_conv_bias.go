package remapper

import (
	"github.com/pkg/errors"
)

func init() {
	RegisterPattern(&convBiasAddPattern{})
	RegisterPattern(&convBiasActivationPattern{})
}

// Slot names of the convolution patterns.
const (
	slotConv       = "conv"
	slotBiasAdd    = "bias_add"
	slotAdd        = "add"
	slotActivation = "activation"
)

// convBiasParams holds the chain matched by the convolution patterns:
//
//	Conv2D|DepthwiseConv2dNative → BiasAdd → [Add|AddV2|AddN (with addend)] → [Relu|Relu6|Elu]
type convBiasParams struct {
	Conv, BiasAdd  *Node
	Add            *Node  // nil if no addition.
	Addend         string // reference to the other operand of Add, if Add != nil.
	ActivationNode *Node  // nil if no activation.
	ActivationKind Activation
}

// Last returns the last node of the chain, whose name the fused node takes.
func (p *convBiasParams) Last() *Node {
	switch {
	case p.ActivationNode != nil:
		return p.ActivationNode
	case p.Add != nil:
		return p.Add
	default:
		return p.BiasAdd
	}
}

// FusedOps lists the operations absorbed after the convolution, in application order.
func (p *convBiasParams) FusedOps() []string {
	ops := []string{OpNameBiasAdd}
	if p.Add != nil {
		// AddV2 and AddN are all the same elementwise sum for the fused kernel.
		ops = append(ops, OpNameAdd)
	}
	if p.ActivationNode != nil {
		ops = append(ops, p.ActivationKind.String())
	}
	return ops
}

// convBiasAddPattern anchors on the addition:
//
//	Conv2D|DepthwiseConv2dNative → BiasAdd → Add|AddV2|AddN → [Relu|Relu6|Elu]
type convBiasAddPattern struct{}

func (*convBiasAddPattern) Name() string      { return "conv-bias-add" }
func (*convBiasAddPattern) Score() float32    { return 20 }
func (*convBiasAddPattern) Anchors() []OpKind { return []OpKind{OpAdd, OpAddV2, OpAddN} }

func (pat *convBiasAddPattern) Match(mc *MatchContext, anchor *Node) *Match {
	inputs := anchor.DataInputs()
	if len(inputs) != 2 {
		// AddN of more than 2 operands can't be expressed with a single addend.
		return nil
	}
	for biasSide := range 2 {
		biasAdd := mc.producerOf(anchor, biasSide)
		if biasAdd == nil || biasAdd.Kind() != OpBiasAdd || mc.soleConsumer(biasAdd) != anchor {
			continue
		}
		conv := convFeeding(mc, biasAdd)
		if conv == nil {
			continue
		}
		params := &convBiasParams{
			Conv:    conv,
			BiasAdd: biasAdd,
			Add:     anchor,
			Addend:  inputs[1-biasSide],
		}
		if nodeNameOf(params.Addend) == biasAdd.Name {
			continue
		}
		matchTrailingActivation(mc, params, anchor)
		return newConvBiasMatch(pat, anchor, params)
	}
	return nil
}

func (*convBiasAddPattern) Check(mc *MatchContext, m *Match) error {
	params := m.Params.(*convBiasParams)
	if err := checkConvBias(mc, params); err != nil {
		return err
	}

	// The fused kernel adds the addend without broadcasting: its shape must be the convolution
	// output shape, and both must be known.
	outputShape := mc.Shape(params.BiasAdd.Name)
	addendShape := mc.Shape(params.Addend)
	if !outputShape.IsFullyDefined() || !addendShape.IsFullyDefined() {
		return errors.Errorf("shapes of the convolution output (%s) and of the addend %q (%s) must be statically known",
			outputShape, params.Addend, addendShape)
	}
	m.ShapeCompatible = true
	if !outputShape.Equal(addendShape) {
		return errors.Errorf("addend %q of shape %s would be broadcast to the convolution output shape %s",
			params.Addend, addendShape, outputShape)
	}
	m.BroadcastFree = true
	return nil
}

func (*convBiasAddPattern) Rewrite(mc *MatchContext, m *Match) *FusedOpSpec {
	return convBiasRewrite(m.Params.(*convBiasParams))
}

// convBiasActivationPattern anchors on the BiasAdd:
//
//	Conv2D|DepthwiseConv2dNative → BiasAdd → [Relu|Relu6|Elu]
type convBiasActivationPattern struct{}

func (*convBiasActivationPattern) Name() string      { return "conv-bias-activation" }
func (*convBiasActivationPattern) Score() float32    { return 10 }
func (*convBiasActivationPattern) Anchors() []OpKind { return []OpKind{OpBiasAdd} }

func (pat *convBiasActivationPattern) Match(mc *MatchContext, anchor *Node) *Match {
	conv := convFeeding(mc, anchor)
	if conv == nil {
		return nil
	}
	params := &convBiasParams{Conv: conv, BiasAdd: anchor}
	matchTrailingActivation(mc, params, anchor)
	return newConvBiasMatch(pat, anchor, params)
}

func (*convBiasActivationPattern) Check(mc *MatchContext, m *Match) error {
	if err := checkConvBias(mc, m.Params.(*convBiasParams)); err != nil {
		return err
	}
	m.ShapeCompatible = true
	m.BroadcastFree = true
	return nil
}

func (*convBiasActivationPattern) Rewrite(mc *MatchContext, m *Match) *FusedOpSpec {
	return convBiasRewrite(m.Params.(*convBiasParams))
}

// convFeeding returns the convolution feeding biasAdd, if biasAdd is its only consumer.
func convFeeding(mc *MatchContext, biasAdd *Node) *Node {
	if len(biasAdd.DataInputs()) != 2 {
		return nil
	}
	conv := mc.producerOf(biasAdd, 0)
	if conv == nil || !conv.Kind().IsConv() || len(conv.DataInputs()) != 2 {
		return nil
	}
	if mc.soleConsumer(conv) != biasAdd {
		return nil
	}
	return conv
}

// matchTrailingActivation extends the chain with an activation, if it is the only consumer of last.
func matchTrailingActivation(mc *MatchContext, params *convBiasParams, last *Node) {
	next := mc.soleConsumer(last)
	if next == nil || len(next.DataInputs()) != 1 {
		return
	}
	if act, ok := next.Kind().Activation(); ok {
		params.ActivationNode = next
		params.ActivationKind = act
	}
}

func newConvBiasMatch(pat Pattern, anchor *Node, params *convBiasParams) *Match {
	m := &Match{Pattern: pat, Anchor: anchor, Params: params}
	m.Bind(slotConv, params.Conv)
	m.Bind(slotBiasAdd, params.BiasAdd)
	if params.Add != nil {
		m.Bind(slotAdd, params.Add)
	}
	if params.ActivationNode != nil {
		m.Bind(slotActivation, params.ActivationNode)
	}
	last := params.Last()
	m.Replaced = last.Name
	for _, s := range m.Slots {
		if s.Node != last {
			m.Removed = append(m.Removed, s.Node.Name)
		}
	}
	return m
}

// checkConvBias validates the data format and the bias of a convolution chain.
func checkConvBias(mc *MatchContext, params *convBiasParams) error {
	convFormat, biasFormat := params.Conv.DataFormat(), params.BiasAdd.DataFormat()
	if convFormat != biasFormat {
		return errors.Errorf("convolution %q data format %s differs from BiasAdd %q data format %s",
			params.Conv.Name, convFormat, params.BiasAdd.Name, biasFormat)
	}
	if convFormat != DataFormatNHWC && convFormat != DataFormatNCHW {
		return errors.Errorf("unsupported data format %q", convFormat)
	}

	bias := params.BiasAdd.DataInputs()[1]
	biasShape := mc.Shape(bias)
	if biasShape.UnknownRank {
		return nil
	}
	if biasShape.Rank() != 1 {
		return errors.Errorf("bias %q must have rank 1, got shape %s", bias, biasShape)
	}
	outputShape := mc.Shape(params.Conv.Name)
	if outputShape.Rank() == 4 {
		channels := outputShape.Dim(ChannelAxis(convFormat, 4))
		if channels >= 0 && biasShape.Dims[0] >= 0 && channels != biasShape.Dims[0] {
			return errors.Errorf("bias %q has %d elements, but the convolution outputs %d channels",
				bias, biasShape.Dims[0], channels)
		}
	}
	return nil
}

// convAttrsCopied lists the convolution attributes carried over to the fused node, if present.
var convAttrsCopied = []string{
	AttrT, AttrStrides, AttrPadding, AttrExplicitPaddings, AttrDataFormat, AttrDilations, AttrUseCudnnOnGPU,
}

func convBiasRewrite(params *convBiasParams) *FusedOpSpec {
	conv := params.Conv
	last := params.Last()
	spec := &FusedOpSpec{
		Name:     last.Name,
		Op:       OpNameFusedConv2D,
		Device:   conv.Device,
		Attrs:    make(map[string]AttrValue),
		FusedOps: params.FusedOps(),
		NumArgs:  1,
	}
	if conv.Kind() == OpDepthwiseConv2D {
		spec.Op = OpNameFusedDepthwiseConv2D
	}
	convInputs := conv.DataInputs()
	spec.Inputs = []string{convInputs[0], convInputs[1], params.BiasAdd.DataInputs()[1]}
	if params.Add != nil {
		spec.Inputs = append(spec.Inputs, params.Addend)
		spec.NumArgs = 2
	}
	for _, key := range convAttrsCopied {
		if v, found := conv.Attrs[key]; found {
			spec.Attrs[key] = v.Clone()
		}
	}
	if v, found := last.Attrs[AttrOutputShapes]; found {
		spec.Attrs[AttrOutputShapes] = v.Clone()
	}
	for _, node := range []*Node{conv, params.BiasAdd, params.Add, params.ActivationNode} {
		if node != nil && node != last {
			spec.Removed = append(spec.Removed, node.Name)
		}
	}
	return spec
}
