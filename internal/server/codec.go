package server

import (
	"fmt"

	"github.com/example/gonnx/internal/tensor"
)

// tensorJSON is the wire form of a tensor: a dtype, an optional shape
// (absent means scalar) and a flat row-major data array.
type tensorJSON struct {
	DType string    `json:"dtype"`
	Shape []int64   `json:"shape"`
	Data  []float64 `json:"data"`
	Bools []bool    `json:"bools,omitempty"`
	Strs  []string  `json:"strings,omitempty"`
}

func (tj tensorJSON) tensor() (*tensor.Tensor, error) {
	dtype, err := tensor.ParseDType(tj.DType)
	if err != nil {
		return nil, err
	}
	shape := tj.Shape
	if shape == nil {
		shape = []int64{}
	}

	switch dtype {
	case tensor.DTypeFloat32:
		data := make([]float32, len(tj.Data))
		for i, v := range tj.Data {
			data[i] = float32(v)
		}
		return tensor.New(data, shape)
	case tensor.DTypeFloat64:
		return tensor.New(append([]float64(nil), tj.Data...), shape)
	case tensor.DTypeInt32:
		data := make([]int32, len(tj.Data))
		for i, v := range tj.Data {
			data[i] = int32(v)
		}
		return tensor.New(data, shape)
	case tensor.DTypeInt64:
		data := make([]int64, len(tj.Data))
		for i, v := range tj.Data {
			data[i] = int64(v)
		}
		return tensor.New(data, shape)
	case tensor.DTypeBool:
		return tensor.New(append([]bool(nil), tj.Bools...), shape)
	case tensor.DTypeString:
		return tensor.NewString(append([]string(nil), tj.Strs...), shape)
	default:
		return nil, fmt.Errorf("dtype %s is not supported over JSON", dtype)
	}
}

func fromTensor(t *tensor.Tensor) (tensorJSON, error) {
	tj := tensorJSON{DType: t.DType().String(), Shape: t.Shape()}
	if tj.Shape == nil {
		tj.Shape = []int64{}
	}

	switch t.DType() {
	case tensor.DTypeBool:
		b, err := t.Bools()
		if err != nil {
			return tensorJSON{}, err
		}
		tj.Bools = b
	case tensor.DTypeString:
		s, err := t.Strings()
		if err != nil {
			return tensorJSON{}, err
		}
		tj.Strs = s
	case tensor.DTypeFloat64:
		d, err := t.Float64s()
		if err != nil {
			return tensorJSON{}, err
		}
		tj.Data = d
	case tensor.DTypeFloat32, tensor.DTypeFloat16:
		f, err := t.Float32s()
		if err != nil {
			return tensorJSON{}, err
		}
		tj.Data = make([]float64, len(f))
		for i, v := range f {
			tj.Data[i] = float64(v)
		}
	default:
		switch d := t.Raw().(type) {
		case []int8:
			tj.Data = widen(d)
		case []int16:
			tj.Data = widen(d)
		case []int32:
			tj.Data = widen(d)
		case []int64:
			tj.Data = widen(d)
		case []uint8:
			tj.Data = widen(d)
		case []uint16:
			tj.Data = widen(d)
		case []uint32:
			tj.Data = widen(d)
		case []uint64:
			tj.Data = widen(d)
		default:
			return tensorJSON{}, fmt.Errorf("dtype %s is not supported over JSON", t.DType())
		}
	}
	return tj, nil
}

func widen[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
