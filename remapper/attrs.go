package remapper

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Well known attribute names.
const (
	AttrT                = "T"
	AttrStrides          = "strides"
	AttrPadding          = "padding"
	AttrExplicitPaddings = "explicit_paddings"
	AttrDataFormat       = "data_format"
	AttrDilations        = "dilations"
	AttrUseCudnnOnGPU    = "use_cudnn_on_gpu"
	AttrTransposeA       = "transpose_a"
	AttrTransposeB       = "transpose_b"
	AttrNumArgs          = "num_args"
	AttrFusedOps         = "fused_ops"
	AttrShape            = "shape"
	AttrConstValue       = "value"
	AttrDType            = "dtype"
	AttrN                = "N"
	AttrOutputShapes     = "_output_shapes"
)

// AttrKind enumerates the kinds of values an attribute can hold.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrInt
	AttrFloat
	AttrBool
	AttrString
	AttrType
	AttrShapeKind
	AttrIntList
	AttrStringList
	AttrShapeList
	AttrTensor
)

var attrKindNames = [...]string{
	AttrInvalid:    "invalid",
	AttrInt:        "int",
	AttrFloat:      "float",
	AttrBool:       "bool",
	AttrString:     "string",
	AttrType:       "type",
	AttrShapeKind:  "shape",
	AttrIntList:    "list(int)",
	AttrStringList: "list(string)",
	AttrShapeList:  "list(shape)",
	AttrTensor:     "tensor",
}

// String implements fmt.Stringer.
func (k AttrKind) String() string {
	if k < 0 || int(k) >= len(attrKindNames) {
		return fmt.Sprintf("AttrKind(%d)", int(k))
	}
	return attrKindNames[k]
}

// AttrValue is a tagged variant holding one attribute value.
//
// The zero value is invalid. Use one of the constructors (IntAttr, StringAttr, ...) to create values.
type AttrValue struct {
	kind   AttrKind
	i      int64
	f      float64
	b      bool
	s      string
	dtype  dtypes.DType
	shape  TensorShape
	ints   []int64
	strs   []string
	shapes []TensorShape
	tensor *TensorValue
}

// TensorValue is a small dense constant, stored as float64 regardless of its declared DType.
//
// It is only used for Const nodes. Values are in row-major order.
type TensorValue struct {
	DType  dtypes.DType
	Dims   []int
	Values []float64
}

// Size returns the number of elements of the tensor.
func (t *TensorValue) Size() int {
	size := 1
	for _, d := range t.Dims {
		size *= d
	}
	return size
}

// Shape returns the fully known shape of the tensor.
func (t *TensorValue) Shape() TensorShape {
	return MakeShape(t.Dims...)
}

// Clone returns a deep copy.
func (t *TensorValue) Clone() *TensorValue {
	if t == nil {
		return nil
	}
	return &TensorValue{DType: t.DType, Dims: slices.Clone(t.Dims), Values: slices.Clone(t.Values)}
}

func IntAttr(v int64) AttrValue { return AttrValue{kind: AttrInt, i: v} }
func FloatAttr(v float64) AttrValue { return AttrValue{kind: AttrFloat, f: v} }
func BoolAttr(v bool) AttrValue { return AttrValue{kind: AttrBool, b: v} }
func StringAttr(v string) AttrValue { return AttrValue{kind: AttrString, s: v} }
func TypeAttr(v dtypes.DType) AttrValue { return AttrValue{kind: AttrType, dtype: v} }
func ShapeAttr(v TensorShape) AttrValue { return AttrValue{kind: AttrShapeKind, shape: v.Clone()} }
func IntListAttr(v ...int64) AttrValue { return AttrValue{kind: AttrIntList, ints: slices.Clone(v)} }
func StringListAttr(v ...string) AttrValue { return AttrValue{kind: AttrStringList, strs: slices.Clone(v)} }

func ShapeListAttr(v ...TensorShape) AttrValue {
	shapes := make([]TensorShape, len(v))
	for ii, s := range v {
		shapes[ii] = s.Clone()
	}
	return AttrValue{kind: AttrShapeList, shapes: shapes}
}

func TensorAttr(v *TensorValue) AttrValue { return AttrValue{kind: AttrTensor, tensor: v.Clone()} }

// Kind returns the kind of value held.
func (a AttrValue) Kind() AttrKind { return a.kind }

// IsValid returns whether the value was created by one of the constructors.
func (a AttrValue) IsValid() bool { return a.kind != AttrInvalid }

func (a AttrValue) Int() (int64, bool) { return a.i, a.kind == AttrInt }
func (a AttrValue) Float() (float64, bool) { return a.f, a.kind == AttrFloat }
func (a AttrValue) Bool() (bool, bool) { return a.b, a.kind == AttrBool }
func (a AttrValue) Str() (string, bool) { return a.s, a.kind == AttrString }
func (a AttrValue) Type() (dtypes.DType, bool) { return a.dtype, a.kind == AttrType }
func (a AttrValue) Shape() (TensorShape, bool) { return a.shape, a.kind == AttrShapeKind }
func (a AttrValue) IntList() ([]int64, bool) { return a.ints, a.kind == AttrIntList }
func (a AttrValue) StringList() ([]string, bool) { return a.strs, a.kind == AttrStringList }
func (a AttrValue) ShapeList() ([]TensorShape, bool) { return a.shapes, a.kind == AttrShapeList }
func (a AttrValue) Tensor() (*TensorValue, bool) { return a.tensor, a.kind == AttrTensor }

// Clone returns a deep copy of the value.
func (a AttrValue) Clone() AttrValue {
	c := a
	c.shape = a.shape.Clone()
	c.ints = slices.Clone(a.ints)
	c.strs = slices.Clone(a.strs)
	if a.shapes != nil {
		c.shapes = make([]TensorShape, len(a.shapes))
		for ii, s := range a.shapes {
			c.shapes[ii] = s.Clone()
		}
	}
	c.tensor = a.tensor.Clone()
	return c
}

// Equal returns whether both values hold the same kind and contents.
func (a AttrValue) Equal(b AttrValue) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case AttrInt:
		return a.i == b.i
	case AttrFloat:
		return a.f == b.f
	case AttrBool:
		return a.b == b.b
	case AttrString:
		return a.s == b.s
	case AttrType:
		return a.dtype == b.dtype
	case AttrShapeKind:
		return a.shape.Equal(b.shape)
	case AttrIntList:
		return slices.Equal(a.ints, b.ints)
	case AttrStringList:
		return slices.Equal(a.strs, b.strs)
	case AttrShapeList:
		return slices.EqualFunc(a.shapes, b.shapes, TensorShape.Equal)
	case AttrTensor:
		if a.tensor == nil || b.tensor == nil {
			return a.tensor == b.tensor
		}
		return a.tensor.DType == b.tensor.DType && slices.Equal(a.tensor.Dims, b.tensor.Dims) &&
			slices.Equal(a.tensor.Values, b.tensor.Values)
	}
	return true
}

// String implements fmt.Stringer.
func (a AttrValue) String() string {
	switch a.kind {
	case AttrInt:
		return fmt.Sprintf("%d", a.i)
	case AttrFloat:
		return fmt.Sprintf("%g", a.f)
	case AttrBool:
		return fmt.Sprintf("%v", a.b)
	case AttrString:
		return fmt.Sprintf("%q", a.s)
	case AttrType:
		return TFTypeName(a.dtype)
	case AttrShapeKind:
		return a.shape.String()
	case AttrIntList:
		return fmt.Sprintf("%v", a.ints)
	case AttrStringList:
		parts := make([]string, len(a.strs))
		for ii, s := range a.strs {
			parts[ii] = fmt.Sprintf("%q", s)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case AttrShapeList:
		parts := make([]string, len(a.shapes))
		for ii, s := range a.shapes {
			parts[ii] = s.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case AttrTensor:
		if a.tensor == nil {
			return "tensor(nil)"
		}
		return fmt.Sprintf("tensor(%s%v)", TFTypeName(a.tensor.DType), a.tensor.Dims)
	default:
		return "<invalid>"
	}
}
