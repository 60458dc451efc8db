// Package onnx decodes the ONNX model wire format (a protobuf message tree)
// into plain Go structs. The structs are hand-written against the onnx.proto
// field numbers and decoded with protowire, so no generated code is needed
// and malformed input is reported as a parse error instead of a panic.
package onnx

import (
	"fmt"

	"github.com/example/gonnx/internal/tensor"
)

// ModelProto is the top-level ONNX message.
type ModelProto struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []OperatorSetID
	MetadataProps   []StringStringEntry
}

// GraphProto is the computation graph.
type GraphProto struct {
	Name         string
	Nodes        []NodeProto
	Initializers []TensorProto
	Inputs       []ValueInfoProto
	Outputs      []ValueInfoProto
	ValueInfo    []ValueInfoProto
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []AttributeProto
}

// TensorProto carries an initializer (or attribute) tensor.
type TensorProto struct {
	Name       string
	DataType   int32
	Dims       []int64
	RawData    []byte
	FloatData  []float32
	Int32Data  []int32
	Int64Data  []int64
	DoubleData []float64
	Uint64Data []uint64
	StringData [][]byte
}

// ValueInfoProto declares a value slot's name, element type and shape.
// HasShape distinguishes a declared rank-0 scalar (shape present but empty)
// from a value with no shape information at all.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Dims     []Dimension
	HasType  bool
	HasShape bool
}

// Dimension is one entry of a tensor shape; either a static value or a
// symbolic parameter name.
type Dimension struct {
	Value int64
	Param string
}

// Attribute type codes (AttributeProto.type).
const (
	AttrFloat   = 1
	AttrInt     = 2
	AttrString  = 3
	AttrTensor  = 4
	AttrGraph   = 5
	AttrFloats  = 6
	AttrInts    = 7
	AttrStrings = 8
)

// AttributeProto is a named, typed constant attached to a node.
type AttributeProto struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// OperatorSetID pins an operator domain to an opset version.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringStringEntry is a key/value metadata pair.
type StringStringEntry struct {
	Key   string
	Value string
}

// TensorProto.DataType codes.
const (
	ProtoDataUndefined = 0
	ProtoDataFloat     = 1
	ProtoDataUint8     = 2
	ProtoDataInt8      = 3
	ProtoDataUint16    = 4
	ProtoDataInt16     = 5
	ProtoDataInt32     = 6
	ProtoDataInt64     = 7
	ProtoDataString    = 8
	ProtoDataBool      = 9
	ProtoDataFloat16   = 10
	ProtoDataDouble    = 11
	ProtoDataUint32    = 12
	ProtoDataUint64    = 13
)

// DTypeFromProto maps a TensorProto.DataType code to the engine dtype.
func DTypeFromProto(code int32) (tensor.DType, error) {
	switch code {
	case ProtoDataFloat:
		return tensor.DTypeFloat32, nil
	case ProtoDataUint8:
		return tensor.DTypeUint8, nil
	case ProtoDataInt8:
		return tensor.DTypeInt8, nil
	case ProtoDataUint16:
		return tensor.DTypeUint16, nil
	case ProtoDataInt16:
		return tensor.DTypeInt16, nil
	case ProtoDataInt32:
		return tensor.DTypeInt32, nil
	case ProtoDataInt64:
		return tensor.DTypeInt64, nil
	case ProtoDataString:
		return tensor.DTypeString, nil
	case ProtoDataBool:
		return tensor.DTypeBool, nil
	case ProtoDataFloat16:
		return tensor.DTypeFloat16, nil
	case ProtoDataDouble:
		return tensor.DTypeFloat64, nil
	case ProtoDataUint32:
		return tensor.DTypeUint32, nil
	case ProtoDataUint64:
		return tensor.DTypeUint64, nil
	default:
		return tensor.DTypeInvalid, fmt.Errorf("onnx: unsupported tensor data type code %d", code)
	}
}

// ProtoFromDType is the inverse of DTypeFromProto; used by the encoder.
func ProtoFromDType(d tensor.DType) (int32, error) {
	switch d {
	case tensor.DTypeFloat32:
		return ProtoDataFloat, nil
	case tensor.DTypeUint8:
		return ProtoDataUint8, nil
	case tensor.DTypeInt8:
		return ProtoDataInt8, nil
	case tensor.DTypeUint16:
		return ProtoDataUint16, nil
	case tensor.DTypeInt16:
		return ProtoDataInt16, nil
	case tensor.DTypeInt32:
		return ProtoDataInt32, nil
	case tensor.DTypeInt64:
		return ProtoDataInt64, nil
	case tensor.DTypeString:
		return ProtoDataString, nil
	case tensor.DTypeBool:
		return ProtoDataBool, nil
	case tensor.DTypeFloat16:
		return ProtoDataFloat16, nil
	case tensor.DTypeFloat64:
		return ProtoDataDouble, nil
	case tensor.DTypeUint32:
		return ProtoDataUint32, nil
	case tensor.DTypeUint64:
		return ProtoDataUint64, nil
	default:
		return 0, fmt.Errorf("onnx: dtype %s has no proto code", d)
	}
}

// OpsetVersion returns the version pinned for the default ONNX domain, or
// fallback 1 if the model declares none.
func (m *ModelProto) OpsetVersion() int64 {
	for _, o := range m.OpsetImport {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 1
}

// Metadata flattens producer info and metadata_props into one map.
func (m *ModelProto) Metadata() map[string]string {
	meta := make(map[string]string, len(m.MetadataProps)+3)
	for _, p := range m.MetadataProps {
		meta[p.Key] = p.Value
	}
	meta["producer_name"] = m.ProducerName
	meta["producer_version"] = m.ProducerVersion
	meta["domain"] = m.Domain
	return meta
}
