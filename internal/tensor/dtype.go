package tensor

import "fmt"

// DType enumerates the element types a Tensor can carry.
type DType int

const (
	DTypeInvalid DType = iota
	DTypeFloat32
	DTypeFloat64
	DTypeFloat16
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeUint8
	DTypeUint16
	DTypeUint32
	DTypeUint64
	DTypeBool
	DTypeString
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	case DTypeFloat16:
		return "float16"
	case DTypeInt8:
		return "int8"
	case DTypeInt16:
		return "int16"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeUint8:
		return "uint8"
	case DTypeUint16:
		return "uint16"
	case DTypeUint32:
		return "uint32"
	case DTypeUint64:
		return "uint64"
	case DTypeBool:
		return "bool"
	case DTypeString:
		return "string"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the byte width of one element. String elements are
// variable-length; Size returns 0 for them.
func (d DType) Size() int {
	switch d {
	case DTypeFloat32, DTypeInt32, DTypeUint32:
		return 4
	case DTypeFloat64, DTypeInt64, DTypeUint64:
		return 8
	case DTypeFloat16, DTypeInt16, DTypeUint16:
		return 2
	case DTypeInt8, DTypeUint8, DTypeBool:
		return 1
	default:
		return 0
	}
}

// ParseDType converts a textual dtype name (as used by the HTTP/JSON surface)
// to a DType.
func ParseDType(s string) (DType, error) {
	for d := DTypeFloat32; d <= DTypeString; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return DTypeInvalid, fmt.Errorf("unknown dtype %q", s)
}
