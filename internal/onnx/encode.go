package onnx

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeModel serializes a ModelProto back to ONNX wire bytes. It covers the
// fields Decode understands; tests use it to build models in memory.
func EncodeModel(m *ModelProto) []byte {
	var b []byte
	if m.IRVersion != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.IRVersion))
	}
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.ModelVersion))
	}
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendBytes(b, 7, encodeGraph(m.Graph))
	}
	for _, op := range m.OpsetImport {
		b = appendBytes(b, 8, encodeOpsetID(op))
	}
	for _, kv := range m.MetadataProps {
		var e []byte
		e = appendString(e, 1, kv.Key)
		e = appendString(e, 2, kv.Value)
		b = appendBytes(b, 14, e)
	}
	return b
}

func encodeGraph(g *GraphProto) []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendBytes(b, 1, encodeNode(&g.Nodes[i]))
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendBytes(b, 5, encodeTensorProto(&g.Initializers[i]))
	}
	for i := range g.Inputs {
		b = appendBytes(b, 11, encodeValueInfo(&g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendBytes(b, 12, encodeValueInfo(&g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendBytes(b, 13, encodeValueInfo(&g.ValueInfo[i]))
	}
	return b
}

func encodeNode(nd *NodeProto) []byte {
	var b []byte
	for _, in := range nd.Inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range nd.Outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, nd.Name)
	b = appendString(b, 4, nd.OpType)
	for i := range nd.Attributes {
		b = appendBytes(b, 5, encodeAttribute(&nd.Attributes[i]))
	}
	b = appendString(b, 7, nd.Domain)
	return b
}

func encodeAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttrString:
		b = appendBytes(b, 4, a.S)
	case AttrTensor:
		if a.T != nil {
			b = appendBytes(b, 5, encodeTensorProto(a.T))
		}
	case AttrFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttrInts:
		for _, i := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(i))
		}
	case AttrStrings:
		for _, s := range a.Strings {
			b = appendBytes(b, 9, s)
		}
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	return b
}

func encodeTensorProto(t *TensorProto) []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	for _, f := range t.FloatData {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, v := range t.Int32Data {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	for _, s := range t.StringData {
		b = appendBytes(b, 6, s)
	}
	for _, v := range t.Int64Data {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	b = appendString(b, 8, t.Name)
	if t.RawData != nil {
		b = appendBytes(b, 9, t.RawData)
	}
	for _, v := range t.DoubleData {
		b = protowire.AppendTag(b, 10, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	for _, v := range t.Uint64Data {
		b = protowire.AppendTag(b, 11, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}
	return b
}

func encodeValueInfo(vi *ValueInfoProto) []byte {
	var b []byte
	b = appendString(b, 1, vi.Name)
	if vi.HasType || vi.ElemType != 0 || len(vi.Dims) > 0 {
		var tt []byte
		tt = protowire.AppendTag(tt, 1, protowire.VarintType)
		tt = protowire.AppendVarint(tt, uint64(vi.ElemType))

		if vi.HasShape || len(vi.Dims) > 0 {
			var shape []byte
			for _, d := range vi.Dims {
				var dim []byte
				if d.Param != "" {
					dim = appendString(dim, 2, d.Param)
				} else {
					dim = protowire.AppendTag(dim, 1, protowire.VarintType)
					dim = protowire.AppendVarint(dim, uint64(d.Value))
				}
				shape = appendBytes(shape, 1, dim)
			}
			tt = appendBytes(tt, 2, shape)
		}

		var tp []byte
		tp = appendBytes(tp, 1, tt)
		b = appendBytes(b, 2, tp)
	}
	return b
}

func encodeOpsetID(op OperatorSetID) []byte {
	var b []byte
	b = appendString(b, 1, op.Domain)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Version))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
