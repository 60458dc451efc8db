package onnx

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/tensor"
)

// Decode parses serialized ONNX model bytes. Any malformed or truncated
// input yields an errdefs.KindParse error.
func Decode(b []byte) (*ModelProto, error) {
	if len(b) == 0 {
		return nil, errdefs.New(errdefs.KindParse, "", "empty model")
	}

	m, err := decodeModel(b)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindParse, "", err)
	}
	if m.Graph == nil {
		return nil, errdefs.New(errdefs.KindParse, "", "model has no graph")
	}
	return m, nil
}

var errMalformed = errors.New("malformed protobuf field")

func split(b []byte, n int) ([]byte, error) {
	if n < 0 {
		return nil, errMalformed
	}
	return b[n:], nil
}

func decodeModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return nil, err
		}

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.IRVersion = int64(v)
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.ProducerName = string(s)
		case num == 3 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.ProducerVersion = string(s)
		case num == 4 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.Domain = string(s)
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.ModelVersion = int64(v)
		case num == 6 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			m.DocString = string(s)
		case num == 7 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			g, err := decodeGraph(s)
			if err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case num == 8 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			op, err := decodeOpsetID(s)
			if err != nil {
				return nil, fmt.Errorf("opset_import: %w", err)
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case num == 14 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			kv, err := decodeStringEntry(s)
			if err != nil {
				return nil, fmt.Errorf("metadata_props: %w", err)
			}
			m.MetadataProps = append(m.MetadataProps, kv)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func decodeGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return nil, err
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			continue
		}

		s, n := protowire.ConsumeBytes(b)
		if b, err = split(b, n); err != nil {
			return nil, err
		}

		switch num {
		case 1:
			nd, err := decodeNode(s)
			if err != nil {
				return nil, fmt.Errorf("node: %w", err)
			}
			g.Nodes = append(g.Nodes, nd)
		case 2:
			g.Name = string(s)
		case 5:
			t, err := decodeTensorProto(s)
			if err != nil {
				return nil, fmt.Errorf("initializer: %w", err)
			}
			g.Initializers = append(g.Initializers, t)
		case 11:
			vi, err := decodeValueInfo(s)
			if err != nil {
				return nil, fmt.Errorf("input: %w", err)
			}
			g.Inputs = append(g.Inputs, vi)
		case 12:
			vi, err := decodeValueInfo(s)
			if err != nil {
				return nil, fmt.Errorf("output: %w", err)
			}
			g.Outputs = append(g.Outputs, vi)
		case 13:
			vi, err := decodeValueInfo(s)
			if err != nil {
				return nil, fmt.Errorf("value_info: %w", err)
			}
			g.ValueInfo = append(g.ValueInfo, vi)
		}
	}
	return g, nil
}

func decodeNode(b []byte) (NodeProto, error) {
	var nd NodeProto
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return nd, err
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return nd, err
			}
			continue
		}

		s, n := protowire.ConsumeBytes(b)
		if b, err = split(b, n); err != nil {
			return nd, err
		}

		switch num {
		case 1:
			nd.Inputs = append(nd.Inputs, string(s))
		case 2:
			nd.Outputs = append(nd.Outputs, string(s))
		case 3:
			nd.Name = string(s)
		case 4:
			nd.OpType = string(s)
		case 5:
			a, err := decodeAttribute(s)
			if err != nil {
				return nd, fmt.Errorf("attribute: %w", err)
			}
			nd.Attributes = append(nd.Attributes, a)
		case 7:
			nd.Domain = string(s)
		}
	}
	return nd, nil
}

func decodeAttribute(b []byte) (AttributeProto, error) {
	var a AttributeProto
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return a, err
		}

		switch num {
		case 1:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.Name = string(s)
		case 2:
			v, n := protowire.ConsumeFixed32(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.F = math.Float32frombits(v)
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.I = int64(v)
		case 4:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.S = append([]byte(nil), s...)
		case 5:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			t, err := decodeTensorProto(s)
			if err != nil {
				return a, fmt.Errorf("tensor attribute: %w", err)
			}
			a.T = &t
		case 7:
			var vals []float32
			if vals, b, err = consumeFloats(b, typ); err != nil {
				return a, err
			}
			a.Floats = append(a.Floats, vals...)
		case 8:
			var vals []int64
			if vals, b, err = consumeInts(b, typ); err != nil {
				return a, err
			}
			a.Ints = append(a.Ints, vals...)
		case 9:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.Strings = append(a.Strings, append([]byte(nil), s...))
		case 20:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
			a.Type = int32(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return a, err
			}
		}
	}
	return a, nil
}

func decodeTensorProto(b []byte) (TensorProto, error) {
	var t TensorProto
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return t, err
		}

		switch num {
		case 1:
			var vals []int64
			if vals, b, err = consumeInts(b, typ); err != nil {
				return t, err
			}
			t.Dims = append(t.Dims, vals...)
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return t, err
			}
			t.DataType = int32(v)
		case 4:
			var vals []float32
			if vals, b, err = consumeFloats(b, typ); err != nil {
				return t, err
			}
			t.FloatData = append(t.FloatData, vals...)
		case 5:
			var vals []int64
			if vals, b, err = consumeInts(b, typ); err != nil {
				return t, err
			}
			for _, v := range vals {
				t.Int32Data = append(t.Int32Data, int32(v))
			}
		case 6:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return t, err
			}
			t.StringData = append(t.StringData, append([]byte(nil), s...))
		case 7:
			var vals []int64
			if vals, b, err = consumeInts(b, typ); err != nil {
				return t, err
			}
			t.Int64Data = append(t.Int64Data, vals...)
		case 8:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return t, err
			}
			t.Name = string(s)
		case 9:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return t, err
			}
			t.RawData = append([]byte(nil), s...)
		case 10:
			var vals []float64
			if vals, b, err = consumeDoubles(b, typ); err != nil {
				return t, err
			}
			t.DoubleData = append(t.DoubleData, vals...)
		case 11:
			var vals []int64
			if vals, b, err = consumeInts(b, typ); err != nil {
				return t, err
			}
			for _, v := range vals {
				t.Uint64Data = append(t.Uint64Data, uint64(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return t, err
			}
		}
	}
	return t, nil
}

func decodeValueInfo(b []byte) (ValueInfoProto, error) {
	var vi ValueInfoProto
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return vi, err
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return vi, err
			}
			continue
		}

		s, n := protowire.ConsumeBytes(b)
		if b, err = split(b, n); err != nil {
			return vi, err
		}

		switch num {
		case 1:
			vi.Name = string(s)
		case 2:
			if err := decodeTypeProto(s, &vi); err != nil {
				return vi, fmt.Errorf("type: %w", err)
			}
		}
	}
	return vi, nil
}

// decodeTypeProto unwraps TypeProto -> TypeProto.Tensor -> (elem_type, shape).
func decodeTypeProto(b []byte, vi *ValueInfoProto) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return err
		}
		if num == 1 && typ == protowire.BytesType {
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return err
			}
			if err := decodeTensorType(s, vi); err != nil {
				return err
			}
			vi.HasType = true
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if b, err = split(b, n); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensorType(b []byte, vi *ValueInfoProto) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return err
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return err
			}
			vi.ElemType = int32(v)
		case num == 2 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return err
			}
			dims, err := decodeShape(s)
			if err != nil {
				return err
			}
			vi.Dims = dims
			vi.HasShape = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeShape(b []byte) ([]Dimension, error) {
	var dims []Dimension
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return nil, err
		}
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return nil, err
			}
			continue
		}

		s, n := protowire.ConsumeBytes(b)
		if b, err = split(b, n); err != nil {
			return nil, err
		}

		var d Dimension
		for len(s) > 0 {
			dnum, dtyp, dn := protowire.ConsumeTag(s)
			if s, err = split(s, dn); err != nil {
				return nil, err
			}
			switch {
			case dnum == 1 && dtyp == protowire.VarintType:
				v, dn := protowire.ConsumeVarint(s)
				if s, err = split(s, dn); err != nil {
					return nil, err
				}
				d.Value = int64(v)
			case dnum == 2 && dtyp == protowire.BytesType:
				p, dn := protowire.ConsumeBytes(s)
				if s, err = split(s, dn); err != nil {
					return nil, err
				}
				d.Param = string(p)
			default:
				dn := protowire.ConsumeFieldValue(dnum, dtyp, s)
				if s, err = split(s, dn); err != nil {
					return nil, err
				}
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func decodeOpsetID(b []byte) (OperatorSetID, error) {
	var op OperatorSetID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return op, err
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeBytes(b)
			if b, err = split(b, n); err != nil {
				return op, err
			}
			op.Domain = string(s)
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if b, err = split(b, n); err != nil {
				return op, err
			}
			op.Version = int64(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return op, err
			}
		}
	}
	return op, nil
}

func decodeStringEntry(b []byte) (StringStringEntry, error) {
	var kv StringStringEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		var err error
		if b, err = split(b, n); err != nil {
			return kv, err
		}
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if b, err = split(b, n); err != nil {
				return kv, err
			}
			continue
		}
		s, n := protowire.ConsumeBytes(b)
		if b, err = split(b, n); err != nil {
			return kv, err
		}
		switch num {
		case 1:
			kv.Key = string(s)
		case 2:
			kv.Value = string(s)
		}
	}
	return kv, nil
}

// consumeFloats reads one float field occurrence: either a single fixed32 or
// a packed run of them.
func consumeFloats(b []byte, typ protowire.Type) ([]float32, []byte, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		return []float32{math.Float32frombits(v)}, rest, nil
	case protowire.BytesType:
		s, n := protowire.ConsumeBytes(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		if len(s)%4 != 0 {
			return nil, nil, errMalformed
		}
		out := make([]float32, 0, len(s)/4)
		for len(s) > 0 {
			v, n := protowire.ConsumeFixed32(s)
			if s, err = split(s, n); err != nil {
				return nil, nil, err
			}
			out = append(out, math.Float32frombits(v))
		}
		return out, rest, nil
	default:
		return nil, nil, errMalformed
	}
}

func consumeDoubles(b []byte, typ protowire.Type) ([]float64, []byte, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		return []float64{math.Float64frombits(v)}, rest, nil
	case protowire.BytesType:
		s, n := protowire.ConsumeBytes(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		if len(s)%8 != 0 {
			return nil, nil, errMalformed
		}
		out := make([]float64, 0, len(s)/8)
		for len(s) > 0 {
			v, n := protowire.ConsumeFixed64(s)
			if s, err = split(s, n); err != nil {
				return nil, nil, err
			}
			out = append(out, math.Float64frombits(v))
		}
		return out, rest, nil
	default:
		return nil, nil, errMalformed
	}
}

func consumeInts(b []byte, typ protowire.Type) ([]int64, []byte, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		return []int64{int64(v)}, rest, nil
	case protowire.BytesType:
		s, n := protowire.ConsumeBytes(b)
		rest, err := split(b, n)
		if err != nil {
			return nil, nil, err
		}
		var out []int64
		for len(s) > 0 {
			v, n := protowire.ConsumeVarint(s)
			if s, err = split(s, n); err != nil {
				return nil, nil, err
			}
			out = append(out, int64(v))
		}
		return out, rest, nil
	default:
		return nil, nil, errMalformed
	}
}

// TensorFromProto materializes an initializer into an engine tensor.
func TensorFromProto(tp *TensorProto) (*tensor.Tensor, error) {
	dtype, err := DTypeFromProto(tp.DataType)
	if err != nil {
		return nil, err
	}

	if tp.RawData != nil {
		return tensor.FromRaw(dtype, tp.Dims, tp.RawData)
	}

	switch dtype {
	case tensor.DTypeFloat32:
		return tensor.New(tp.FloatData, tp.Dims)
	case tensor.DTypeFloat64:
		return tensor.New(tp.DoubleData, tp.Dims)
	case tensor.DTypeInt64:
		return tensor.New(tp.Int64Data, tp.Dims)
	case tensor.DTypeInt32:
		return tensor.New(tp.Int32Data, tp.Dims)
	case tensor.DTypeInt8, tensor.DTypeInt16, tensor.DTypeUint8, tensor.DTypeUint16, tensor.DTypeBool, tensor.DTypeFloat16:
		// Narrow types ride in int32_data when raw_data is absent.
		out := make([]int64, len(tp.Int32Data))
		for i, v := range tp.Int32Data {
			out[i] = int64(v)
		}
		return widenedTensor(dtype, tp.Dims, out)
	case tensor.DTypeUint64:
		return tensor.New(tp.Uint64Data, tp.Dims)
	case tensor.DTypeUint32:
		out := make([]uint32, len(tp.Uint64Data))
		for i, v := range tp.Uint64Data {
			out[i] = uint32(v)
		}
		return tensor.New(out, tp.Dims)
	case tensor.DTypeString:
		out := make([]string, len(tp.StringData))
		for i, s := range tp.StringData {
			out[i] = string(s)
		}
		return tensor.NewString(out, tp.Dims)
	default:
		return nil, fmt.Errorf("onnx: initializer %q has unsupported dtype %s", tp.Name, dtype)
	}
}

func widenedTensor(dtype tensor.DType, dims []int64, vals []int64) (*tensor.Tensor, error) {
	switch dtype {
	case tensor.DTypeInt8:
		out := make([]int8, len(vals))
		for i, v := range vals {
			out[i] = int8(v)
		}
		return tensor.New(out, dims)
	case tensor.DTypeInt16:
		out := make([]int16, len(vals))
		for i, v := range vals {
			out[i] = int16(v)
		}
		return tensor.New(out, dims)
	case tensor.DTypeUint8:
		out := make([]uint8, len(vals))
		for i, v := range vals {
			out[i] = uint8(v)
		}
		return tensor.New(out, dims)
	case tensor.DTypeUint16, tensor.DTypeFloat16:
		out := make([]uint16, len(vals))
		for i, v := range vals {
			out[i] = uint16(v)
		}
		if dtype == tensor.DTypeFloat16 {
			return tensor.NewOwned(tensor.DTypeFloat16, dims, out, tensor.CPU, tensor.OwnedBySession)
		}
		return tensor.New(out, dims)
	case tensor.DTypeBool:
		out := make([]bool, len(vals))
		for i, v := range vals {
			out[i] = v != 0
		}
		return tensor.New(out, dims)
	default:
		return nil, fmt.Errorf("onnx: cannot widen into dtype %s", dtype)
	}
}
