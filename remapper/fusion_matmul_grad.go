package remapper

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

func init() {
	RegisterPattern(&matMulGradPattern{})
}

// Slot names of the MatMul gradient pattern.
const (
	slotForward     = "matmul"
	slotBiasAddGrad = "bias_add_grad"
	slotGradInput   = "grad_input"
	slotGradFilter  = "grad_filter"
)

// matMulSignature is the operands and transpose flags of a MatMul: lhs and rhs are canonical references.
type matMulSignature struct {
	LHS, RHS               string
	TransposeA, TransposeB bool
}

func (s matMulSignature) String() string {
	return fmt.Sprintf("MatMul(%s, %s, transpose_a=%v, transpose_b=%v)", s.LHS, s.RHS, s.TransposeA, s.TransposeB)
}

// Transposed returns the signature computing the transpose of s: (L·R)ᵀ = Rᵀ·Lᵀ.
func (s matMulSignature) Transposed() matMulSignature {
	return matMulSignature{LHS: s.RHS, RHS: s.LHS, TransposeA: !s.TransposeB, TransposeB: !s.TransposeA}
}

// matMulTerm is an operand of a product, optionally transposed.
type matMulTerm struct {
	Operand    string
	Transposed bool
}

// T returns the transposed term.
func (t matMulTerm) T() matMulTerm { return matMulTerm{Operand: t.Operand, Transposed: !t.Transposed} }

func product(lhs, rhs matMulTerm) matMulSignature {
	return matMulSignature{LHS: lhs.Operand, RHS: rhs.Operand, TransposeA: lhs.Transposed, TransposeB: rhs.Transposed}
}

// matMulGradientSignatures derives the MatMuls computing the gradients of the operands of the forward
// product C = op(A)·op(B), where op transposes its operand if the corresponding flag is set, and
// the gradient of C flows through c:
//
//	d op(A) = dC · op(B)ᵀ
//	d op(B) = op(A)ᵀ · dC
//
// The gradient of a transposed operand is the transpose of the gradient of op(operand).
func matMulGradientSignatures(forward matMulSignature, c string) (gradInput, gradFilter matMulSignature) {
	opA := matMulTerm{Operand: forward.LHS, Transposed: forward.TransposeA}
	opB := matMulTerm{Operand: forward.RHS, Transposed: forward.TransposeB}
	dC := matMulTerm{Operand: c}

	gradInput = product(dC, opB.T())
	if forward.TransposeA {
		gradInput = gradInput.Transposed()
	}
	gradFilter = product(opA.T(), dC)
	if forward.TransposeB {
		gradFilter = gradFilter.Transposed()
	}
	return
}

// signatureOf returns the signature of a MatMul node, and false if it doesn't have exactly 2 valid data inputs.
func signatureOf(node *Node) (matMulSignature, bool) {
	inputs := node.DataInputs()
	if len(inputs) != 2 {
		return matMulSignature{}, false
	}
	lhs, err := ParseRef(inputs[0])
	if err != nil {
		return matMulSignature{}, false
	}
	rhs, err := ParseRef(inputs[1])
	if err != nil {
		return matMulSignature{}, false
	}
	return matMulSignature{
		LHS:        lhs.String(),
		RHS:        rhs.String(),
		TransposeA: node.BoolAttrOr(AttrTransposeA, false),
		TransposeB: node.BoolAttrOr(AttrTransposeB, false),
	}, true
}

// matMulGradParams holds the nodes matched by the MatMul gradient pattern.
type matMulGradParams struct {
	Forward, BiasAddGrad  *Node
	GradInput, GradFilter *Node // GradInput may be nil: the match is then illegal.

	ForwardSig, GradInputSig, GradFilterSig matMulSignature
}

// matMulGradPattern anchors on a BiasAddGrad of a MatMul output C, that also feeds the two MatMuls
// computing the gradients of the forward operands:
//
//	C = MatMul(A, B)
//	BiasAddGrad(C), MatMul(C, B) (input gradient), MatMul(A, C) (filter gradient)
//
// The filter gradient MatMul is fused with the BiasAddGrad into a _FusedMatMulGrad, whose output 1
// is the bias gradient. Transposed variants follow matMulGradientSignatures.
type matMulGradPattern struct{}

func (*matMulGradPattern) Name() string      { return "matmul-grad" }
func (*matMulGradPattern) Score() float32    { return 30 }
func (*matMulGradPattern) Anchors() []OpKind { return []OpKind{OpBiasAddGrad} }

func (pat *matMulGradPattern) Match(mc *MatchContext, anchor *Node) *Match {
	if len(anchor.DataInputs()) != 1 {
		return nil
	}
	forward := mc.producerOf(anchor, 0)
	if forward == nil || forward.Kind() != OpMatMul {
		return nil
	}
	forwardSig, ok := signatureOf(forward)
	if !ok {
		return nil
	}
	params := &matMulGradParams{Forward: forward, BiasAddGrad: anchor, ForwardSig: forwardSig}
	params.GradInputSig, params.GradFilterSig = matMulGradientSignatures(forwardSig, forward.Name)

	for _, consumer := range mc.Index.ConsumersOf(forward.Name) {
		node := consumer.Node
		if node == anchor || node.Kind() != OpMatMul || mc.IsClaimed(node.Name) {
			continue
		}
		sig, ok := signatureOf(node)
		if !ok {
			continue
		}
		switch {
		case sig == params.GradFilterSig && params.GradFilter == nil:
			params.GradFilter = node
		case sig == params.GradInputSig && params.GradInput == nil:
			params.GradInput = node
		}
	}
	if params.GradFilter == nil {
		return nil
	}

	m := &Match{Pattern: pat, Anchor: anchor, Params: params}
	m.Bind(slotForward, forward)
	m.Bind(slotBiasAddGrad, anchor)
	if params.GradInput != nil {
		m.Bind(slotGradInput, params.GradInput)
	}
	m.Bind(slotGradFilter, params.GradFilter)
	m.Replaced = params.GradFilter.Name
	m.Removed = []string{anchor.Name}
	m.Rewired = []string{anchor.Name}
	return m
}

func (*matMulGradPattern) Check(mc *MatchContext, m *Match) error {
	params := m.Params.(*matMulGradParams)
	forward := params.Forward
	if params.GradInput == nil {
		return errors.Errorf("no consumer of %q computes the input gradient %s", forward.Name, params.GradInputSig)
	}
	if n := mc.Index.FanOutCount(forward.Name); n != 3 {
		return errors.Errorf("output of %q must feed exactly BiasAddGrad and the 2 gradient MatMuls, it has %d consumers",
			forward.Name, n)
	}
	a, b := params.ForwardSig.LHS, params.ForwardSig.RHS
	if a == b {
		return errors.Errorf("%q multiplies %q by itself", forward.Name, a)
	}
	if err := checkOperandConsumers(mc, a, forward, params.GradFilter); err != nil {
		return err
	}
	if err := checkOperandConsumers(mc, b, forward, params.GradInput); err != nil {
		return err
	}
	m.ShapeCompatible = true
	m.BroadcastFree = true
	return nil
}

// checkOperandConsumers checks that the output referenced by operand is used only by the given nodes.
// It makes sure the MatMuls matched are the gradients of this forward MatMul and not of another
// product sharing the same operands.
func checkOperandConsumers(mc *MatchContext, operand string, allowed ...*Node) error {
	ref, err := ParseRef(operand)
	if err != nil {
		return err
	}
	allowedNames := sets.Make[string](len(allowed))
	for _, node := range allowed {
		allowedNames.Insert(node.Name)
	}
	for _, consumer := range mc.Index.ConsumersOf(ref.Node) {
		input, _ := ParseRef(consumer.Node.Inputs[consumer.Position])
		if input != ref {
			continue
		}
		if !allowedNames.Has(consumer.Node.Name) {
			return errors.Errorf("operand %q is also consumed by %q", operand, consumer.Node.Name)
		}
	}
	return nil
}

// Rewrite replaces the filter gradient MatMul by a _FusedMatMulGrad(A, C) carrying the forward
// transpose flags: see FilterGradientProduct.
func (*matMulGradPattern) Rewrite(mc *MatchContext, m *Match) *FusedOpSpec {
	params := m.Params.(*matMulGradParams)
	gradFilter := params.GradFilter
	spec := &FusedOpSpec{
		Name:     gradFilter.Name,
		Op:       OpNameFusedMatMulGrad,
		Device:   gradFilter.Device,
		Inputs:   []string{params.ForwardSig.LHS, params.Forward.Name},
		Attrs:    make(map[string]AttrValue),
		FusedOps: []string{OpNameBiasAddGrad},
		NumArgs:  1,
		Removed:  []string{params.BiasAddGrad.Name},
	}
	if v, found := gradFilter.Attrs[AttrT]; found {
		spec.Attrs[AttrT] = v.Clone()
	}
	spec.Attrs[AttrTransposeA] = BoolAttr(params.ForwardSig.TransposeA)
	spec.Attrs[AttrTransposeB] = BoolAttr(params.ForwardSig.TransposeB)

	biasGrad := params.BiasAddGrad.Name
	spec.Rewire = map[string]string{
		biasGrad:       TensorRef{Node: gradFilter.Name, Port: 1}.String(),
		"^" + biasGrad: "^" + gradFilter.Name,
	}
	return spec
}

// FilterGradientProduct describes output 0 of a _FusedMatMulGrad node as a MatMul of its data inputs,
// the forward operand A (input 0) and the forward output C (input 1), where the node's transpose
// flags are those of the forward product C = op(A)·op(B). It returns the input indices of the
// operands of the product and their transpose flags.
func FilterGradientProduct(node *Node) (lhs, rhs int, transposeA, transposeB bool) {
	const a, c = "a", "c"
	forward := matMulSignature{
		LHS:        a,
		RHS:        "b",
		TransposeA: node.BoolAttrOr(AttrTransposeA, false),
		TransposeB: node.BoolAttrOr(AttrTransposeB, false),
	}
	_, gradFilter := matMulGradientSignatures(forward, c)
	lhs, rhs = 0, 1
	if gradFilter.LHS == c {
		lhs, rhs = 1, 0
	}
	return lhs, rhs, gradFilter.TransposeA, gradFilter.TransposeB
}
