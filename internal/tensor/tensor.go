// Package tensor implements the dense, row-major tensor type that flows
// through the engine. A tensor is write-once: it is filled by exactly one
// producer (the caller, an initializer, or a kernel output) and only read
// afterwards.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DeviceKind identifies a class of compute device.
type DeviceKind int

const (
	DeviceCPU DeviceKind = iota
	DeviceGPU
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	default:
		return fmt.Sprintf("device(%d)", int(k))
	}
}

// Device locates a tensor's backing buffer.
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string { return fmt.Sprintf("%s:%d", d.Kind, d.Index) }

// CPU is the host device.
var CPU = Device{Kind: DeviceCPU}

// Ownership records who is responsible for releasing a tensor's buffer.
type Ownership int

const (
	// OwnedBySession marks graph-lifetime buffers (initializers, plan caches).
	OwnedBySession Ownership = iota
	// OwnedByRun marks intermediate buffers released when the run's scope ends.
	OwnedByRun
	// BorrowedFromCaller marks buffers the caller supplied and keeps.
	BorrowedFromCaller
)

// Tensor is a typed, shaped, dense buffer of values.
type Tensor struct {
	dtype  DType
	shape  []int64
	data   any // []float32, []float64, []uint16 (float16 bits), ..., []string
	device Device
	owner  Ownership
}

// New creates a CPU tensor from data and shape, inferring the dtype from the
// element type. The data slice is copied.
func New[T float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | bool](data []T, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	var dtype DType
	switch any(data).(type) {
	case []float32:
		dtype = DTypeFloat32
	case []float64:
		dtype = DTypeFloat64
	case []int8:
		dtype = DTypeInt8
	case []int16:
		dtype = DTypeInt16
	case []int32:
		dtype = DTypeInt32
	case []int64:
		dtype = DTypeInt64
	case []uint8:
		dtype = DTypeUint8
	case []uint16:
		dtype = DTypeUint16
	case []uint32:
		dtype = DTypeUint32
	case []uint64:
		dtype = DTypeUint64
	case []bool:
		dtype = DTypeBool
	}

	return &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
		data:  append([]T(nil), data...),
		owner: BorrowedFromCaller,
	}, nil
}

// NewString creates a CPU string tensor. String tensors own a variable-length
// table instead of a fixed-width buffer.
func NewString(data []string, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != total {
		return nil, fmt.Errorf("tensor: string table length %d does not match shape %v (%d elements)", len(data), shape, total)
	}
	return &Tensor{
		dtype: DTypeString,
		shape: append([]int64(nil), shape...),
		data:  append([]string(nil), data...),
		owner: BorrowedFromCaller,
	}, nil
}

// Zeros creates a zero-initialized CPU tensor of the given dtype and shape.
func Zeros(dtype DType, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	data, err := makeSlice(dtype, total)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
		data:  data,
	}, nil
}

// NewOwned wraps an already-typed slice without copying. The caller must not
// retain or mutate data afterwards; len(data) must match the shape. Used by
// allocator-backed run scopes.
func NewOwned(dtype DType, shape []int64, data any, device Device, owner Ownership) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	n, err := sliceLen(dtype, data)
	if err != nil {
		return nil, err
	}
	if n != total {
		return nil, fmt.Errorf("tensor: owned buffer has %d elements, shape %v needs %d", n, shape, total)
	}
	return &Tensor{
		dtype:  dtype,
		shape:  append([]int64(nil), shape...),
		data:   data,
		device: device,
		owner:  owner,
	}, nil
}

// FromRaw decodes a little-endian byte buffer (the ONNX raw_data layout) into
// a tensor.
func FromRaw(dtype DType, shape []int64, raw []byte) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if dtype == DTypeString {
		return nil, errors.New("tensor: string tensors have no raw encoding")
	}
	if want := total * dtype.Size(); len(raw) != want {
		return nil, fmt.Errorf("tensor: raw buffer is %d bytes, %s shape %v needs %d", len(raw), dtype, shape, want)
	}

	t := &Tensor{dtype: dtype, shape: append([]int64(nil), shape...)}
	switch dtype {
	case DTypeFloat32:
		out := make([]float32, total)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		t.data = out
	case DTypeFloat64:
		out := make([]float64, total)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		t.data = out
	case DTypeFloat16, DTypeUint16:
		out := make([]uint16, total)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		t.data = out
	case DTypeInt8:
		out := make([]int8, total)
		for i := range out {
			out[i] = int8(raw[i])
		}
		t.data = out
	case DTypeInt16:
		out := make([]int16, total)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		t.data = out
	case DTypeInt32:
		out := make([]int32, total)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		t.data = out
	case DTypeInt64:
		out := make([]int64, total)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		t.data = out
	case DTypeUint8:
		t.data = append([]byte(nil), raw...)
	case DTypeUint32:
		out := make([]uint32, total)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(raw[i*4:])
		}
		t.data = out
	case DTypeUint64:
		out := make([]uint64, total)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		t.data = out
	case DTypeBool:
		out := make([]bool, total)
		for i := range out {
			out[i] = raw[i] != 0
		}
		t.data = out
	default:
		return nil, fmt.Errorf("tensor: cannot decode raw buffer of dtype %s", dtype)
	}
	return t, nil
}

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Rank() int { return len(t.shape) }

// NumElements returns the element count, 1 for rank-0 scalars.
func (t *Tensor) NumElements() int {
	n, _ := shapeElemCount(t.shape)
	return n
}

// ByteSize returns the backing buffer size in bytes (0 for string tensors).
func (t *Tensor) ByteSize() int { return t.NumElements() * t.dtype.Size() }

// Strides returns row-major strides in elements.
func (t *Tensor) Strides() []int64 { return computeStrides(t.shape) }

func (t *Tensor) Device() Device { return t.device }

func (t *Tensor) Owner() Ownership { return t.owner }

// SetOwner retags the tensor's ownership. Only the session layer calls this,
// when an intermediate buffer is handed to the caller as a graph output.
func (t *Tensor) SetOwner(o Ownership) { t.owner = o }

// Raw exposes the typed backing slice ([]float32, []int64, ...).
func (t *Tensor) Raw() any { return t.data }

// Float32s returns the data as []float32, converting float16 storage. Other
// dtypes return an error rather than silently converting.
func (t *Tensor) Float32s() ([]float32, error) {
	switch d := t.data.(type) {
	case []float32:
		return d, nil
	case []uint16:
		if t.dtype != DTypeFloat16 {
			return nil, fmt.Errorf("tensor: %s tensor is not float-valued", t.dtype)
		}
		out := make([]float32, len(d))
		for i, bits := range d {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor: dtype is %s, not float32", t.dtype)
	}
}

// Float64s returns the data as []float64.
func (t *Tensor) Float64s() ([]float64, error) {
	if d, ok := t.data.([]float64); ok {
		return d, nil
	}
	return nil, fmt.Errorf("tensor: dtype is %s, not float64", t.dtype)
}

// Int64s returns the data as []int64.
func (t *Tensor) Int64s() ([]int64, error) {
	if d, ok := t.data.([]int64); ok {
		return d, nil
	}
	return nil, fmt.Errorf("tensor: dtype is %s, not int64", t.dtype)
}

// Bools returns the data as []bool.
func (t *Tensor) Bools() ([]bool, error) {
	if d, ok := t.data.([]bool); ok {
		return d, nil
	}
	return nil, fmt.Errorf("tensor: dtype is %s, not bool", t.dtype)
}

// Strings returns the variable-length string table.
func (t *Tensor) Strings() ([]string, error) {
	if d, ok := t.data.([]string); ok {
		return d, nil
	}
	return nil, fmt.Errorf("tensor: dtype is %s, not string", t.dtype)
}

// Clone deep-copies the tensor onto the host device.
func (t *Tensor) Clone() (*Tensor, error) {
	data, err := cloneSlice(t.dtype, t.data)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
		data:  data,
		owner: t.owner,
	}, nil
}

// WithDevice returns a shallow view of the tensor tagged with a device
// location. Providers use this after a transfer.
func (t *Tensor) WithDevice(d Device) *Tensor {
	c := *t
	c.device = d
	return &c
}
