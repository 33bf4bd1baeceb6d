package remapper

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DTypeForTF converts a TensorFlow data type name (e.g. "DT_FLOAT") to a GoMLX data type.
func DTypeForTF(name string) (dtypes.DType, error) {
	switch name {
	case "DT_FLOAT":
		return dtypes.Float32, nil
	case "DT_HALF":
		return dtypes.Float16, nil
	case "DT_BFLOAT16":
		return dtypes.BFloat16, nil
	case "DT_DOUBLE":
		return dtypes.Float64, nil
	case "DT_INT8":
		return dtypes.Int8, nil
	case "DT_INT16":
		return dtypes.Int16, nil
	case "DT_INT32":
		return dtypes.Int32, nil
	case "DT_INT64":
		return dtypes.Int64, nil
	case "DT_UINT8":
		return dtypes.Uint8, nil
	case "DT_UINT16":
		return dtypes.Uint16, nil
	case "DT_UINT32":
		return dtypes.Uint32, nil
	case "DT_UINT64":
		return dtypes.Uint64, nil
	case "DT_BOOL":
		return dtypes.Bool, nil
	case "DT_COMPLEX64":
		return dtypes.Complex64, nil
	case "DT_COMPLEX128":
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown TensorFlow data type %q", name)
	}
}

// TFTypeName returns the TensorFlow name for the GoMLX data type, or "DT_INVALID".
func TFTypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "DT_FLOAT"
	case dtypes.Float16:
		return "DT_HALF"
	case dtypes.BFloat16:
		return "DT_BFLOAT16"
	case dtypes.Float64:
		return "DT_DOUBLE"
	case dtypes.Int8:
		return "DT_INT8"
	case dtypes.Int16:
		return "DT_INT16"
	case dtypes.Int32:
		return "DT_INT32"
	case dtypes.Int64:
		return "DT_INT64"
	case dtypes.Uint8:
		return "DT_UINT8"
	case dtypes.Uint16:
		return "DT_UINT16"
	case dtypes.Uint32:
		return "DT_UINT32"
	case dtypes.Uint64:
		return "DT_UINT64"
	case dtypes.Bool:
		return "DT_BOOL"
	case dtypes.Complex64:
		return "DT_COMPLEX64"
	case dtypes.Complex128:
		return "DT_COMPLEX128"
	default:
		return "DT_INVALID"
	}
}

// IsFusableDType returns whether the fused kernels support the given element type.
func IsFusableDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.BFloat16, dtypes.Float16:
		return true
	default:
		return false
	}
}
