package tensor

import (
	"fmt"
	"math"
)

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}
		total *= d
	}

	if total > int64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MakeSlice allocates a typed backing slice for dtype with n elements.
// Allocators use it so their pools hold the same slice types Tensor wraps.
func MakeSlice(dtype DType, n int) (any, error) {
	return makeSlice(dtype, n)
}

func makeSlice(dtype DType, n int) (any, error) {
	switch dtype {
	case DTypeFloat32:
		return make([]float32, n), nil
	case DTypeFloat64:
		return make([]float64, n), nil
	case DTypeFloat16, DTypeUint16:
		return make([]uint16, n), nil
	case DTypeInt8:
		return make([]int8, n), nil
	case DTypeInt16:
		return make([]int16, n), nil
	case DTypeInt32:
		return make([]int32, n), nil
	case DTypeInt64:
		return make([]int64, n), nil
	case DTypeUint8:
		return make([]uint8, n), nil
	case DTypeUint32:
		return make([]uint32, n), nil
	case DTypeUint64:
		return make([]uint64, n), nil
	case DTypeBool:
		return make([]bool, n), nil
	case DTypeString:
		return make([]string, n), nil
	default:
		return nil, fmt.Errorf("tensor: cannot allocate dtype %s", dtype)
	}
}

func sliceLen(dtype DType, data any) (int, error) {
	switch d := data.(type) {
	case []float32:
		return len(d), nil
	case []float64:
		return len(d), nil
	case []uint16:
		return len(d), nil
	case []int8:
		return len(d), nil
	case []int16:
		return len(d), nil
	case []int32:
		return len(d), nil
	case []int64:
		return len(d), nil
	case []uint8:
		return len(d), nil
	case []uint32:
		return len(d), nil
	case []uint64:
		return len(d), nil
	case []bool:
		return len(d), nil
	case []string:
		return len(d), nil
	default:
		return 0, fmt.Errorf("tensor: unsupported buffer type %T for dtype %s", data, dtype)
	}
}

func cloneSlice(dtype DType, data any) (any, error) {
	switch d := data.(type) {
	case []float32:
		return append([]float32(nil), d...), nil
	case []float64:
		return append([]float64(nil), d...), nil
	case []uint16:
		return append([]uint16(nil), d...), nil
	case []int8:
		return append([]int8(nil), d...), nil
	case []int16:
		return append([]int16(nil), d...), nil
	case []int32:
		return append([]int32(nil), d...), nil
	case []int64:
		return append([]int64(nil), d...), nil
	case []uint8:
		return append([]uint8(nil), d...), nil
	case []uint32:
		return append([]uint32(nil), d...), nil
	case []uint64:
		return append([]uint64(nil), d...), nil
	case []bool:
		return append([]bool(nil), d...), nil
	case []string:
		return append([]string(nil), d...), nil
	default:
		return nil, fmt.Errorf("tensor: unsupported buffer type %T for dtype %s", data, dtype)
	}
}
