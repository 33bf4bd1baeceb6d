package remapper

import "fmt"

// OpKind is the closed set of operation kinds the remapper reasons about.
//
// Operations outside this set are still valid graph nodes: they map to OpOther and are never
// anchors nor pattern slots.
type OpKind int

const (
	OpOther OpKind = iota
	OpPlaceholder
	OpConst
	OpIdentity
	OpConv2D
	OpDepthwiseConv2D
	OpBiasAdd
	OpBiasAddGrad
	OpAdd
	OpAddV2
	OpAddN
	OpRelu
	OpRelu6
	OpElu
	OpMatMul
	OpFusedConv2D
	OpFusedDepthwiseConv2D
	OpFusedMatMulGrad
)

// Op type names, as they appear in Node.Op.
const (
	OpNamePlaceholder          = "Placeholder"
	OpNameConst                = "Const"
	OpNameIdentity             = "Identity"
	OpNameConv2D               = "Conv2D"
	OpNameDepthwiseConv2D      = "DepthwiseConv2dNative"
	OpNameBiasAdd              = "BiasAdd"
	OpNameBiasAddGrad          = "BiasAddGrad"
	OpNameAdd                  = "Add"
	OpNameAddV2                = "AddV2"
	OpNameAddN                 = "AddN"
	OpNameRelu                 = "Relu"
	OpNameRelu6                = "Relu6"
	OpNameElu                  = "Elu"
	OpNameMatMul               = "MatMul"
	OpNameFusedConv2D          = "_FusedConv2D"
	OpNameFusedDepthwiseConv2D = "_FusedDepthwiseConv2dNative"
	OpNameFusedMatMulGrad      = "_FusedMatMulGrad"
)

var opKindNames = [...]string{
	OpOther:                "Other",
	OpPlaceholder:          OpNamePlaceholder,
	OpConst:                OpNameConst,
	OpIdentity:             OpNameIdentity,
	OpConv2D:               OpNameConv2D,
	OpDepthwiseConv2D:      OpNameDepthwiseConv2D,
	OpBiasAdd:              OpNameBiasAdd,
	OpBiasAddGrad:          OpNameBiasAddGrad,
	OpAdd:                  OpNameAdd,
	OpAddV2:                OpNameAddV2,
	OpAddN:                 OpNameAddN,
	OpRelu:                 OpNameRelu,
	OpRelu6:                OpNameRelu6,
	OpElu:                  OpNameElu,
	OpMatMul:               OpNameMatMul,
	OpFusedConv2D:          OpNameFusedConv2D,
	OpFusedDepthwiseConv2D: OpNameFusedDepthwiseConv2D,
	OpFusedMatMulGrad:      OpNameFusedMatMulGrad,
}

var opKindByName map[string]OpKind

func init() {
	opKindByName = make(map[string]OpKind, len(opKindNames)+1)
	for kind, name := range opKindNames {
		if OpKind(kind) == OpOther {
			continue
		}
		opKindByName[name] = OpKind(kind)
	}
	// Alias used by some graph front-ends.
	opKindByName["DepthwiseConv2D"] = OpDepthwiseConv2D
}

// KindOf returns the OpKind for the given op type name, or OpOther if it is not one the remapper knows.
func KindOf(opType string) OpKind {
	if kind, found := opKindByName[opType]; found {
		return kind
	}
	return OpOther
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opKindNames) {
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
	return opKindNames[k]
}

// IsConv returns whether k is one of the (unfused) convolutions that can head a conv-bias chain.
func (k OpKind) IsConv() bool {
	return k == OpConv2D || k == OpDepthwiseConv2D
}

// IsAdd returns whether k is one of the elementwise additions: Add, AddV2 or AddN.
func (k OpKind) IsAdd() bool {
	return k == OpAdd || k == OpAddV2 || k == OpAddN
}

// IsFused returns whether k is one of the composite operations produced by the remapper.
func (k OpKind) IsFused() bool {
	return k == OpFusedConv2D || k == OpFusedDepthwiseConv2D || k == OpFusedMatMulGrad
}

// Activation returns the activation kind for k, and false if k is not an activation.
func (k OpKind) Activation() (Activation, bool) {
	switch k {
	case OpRelu:
		return ActivationRelu, true
	case OpRelu6:
		return ActivationRelu6, true
	case OpElu:
		return ActivationElu, true
	default:
		return ActivationNone, false
	}
}

// Activation enumerates the activations that can trail a fused convolution.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationRelu6
	ActivationElu
)

// Activations lists all activations that can be fused, including ActivationNone.
var Activations = []Activation{ActivationNone, ActivationRelu, ActivationRelu6, ActivationElu}

// String returns the name of the activation as used in the "fused_ops" attribute; "None" for ActivationNone.
func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "None"
	case ActivationRelu:
		return OpNameRelu
	case ActivationRelu6:
		return OpNameRelu6
	case ActivationElu:
		return OpNameElu
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// Kind returns the OpKind of the activation, OpOther for ActivationNone.
func (a Activation) Kind() OpKind {
	switch a {
	case ActivationRelu:
		return OpRelu
	case ActivationRelu6:
		return OpRelu6
	case ActivationElu:
		return OpElu
	default:
		return OpOther
	}
}
