package graph

import (
	"fmt"

	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

// ValueMeta is the statically-known type and shape of one value slot during
// inference. Shape follows the Value conventions (nil unknown, -1 dims).
type ValueMeta struct {
	DType tensor.DType
	Shape []int64
}

// AttrSpec names an attribute a node must carry, with its proto type code.
type AttrSpec struct {
	Name string
	Type int32
}

// InferFunc propagates type and shape information through one node. Inputs
// arrive positionally (omitted optional inputs have invalid dtype).
type InferFunc func(g *Graph, n *Node, inputs []ValueMeta) ([]ValueMeta, error)

// Schema describes one operator's declared arity, required attributes and
// static inference rule.
type Schema struct {
	MinInputs  int
	MaxInputs  int // -1: unbounded
	MinOutputs int
	MaxOutputs int
	Required   []AttrSpec
	Infer      InferFunc
}

// LookupSchema returns the schema for (domain, opType). Unknown operators
// return ok=false; they fail later at partitioning, not at load.
func LookupSchema(domain, opType string) (Schema, bool) {
	if domain != "" && domain != "ai.onnx" {
		return Schema{}, false
	}
	s, ok := schemas[opType]
	return s, ok
}

var schemas = map[string]Schema{
	"Add":      binarySchema(),
	"Sub":      binarySchema(),
	"Mul":      binarySchema(),
	"Div":      binarySchema(),
	"Relu":     unarySchema(),
	"Sigmoid":  unarySchema(),
	"Exp":      unarySchema(),
	"Neg":      unarySchema(),
	"Identity": unarySchema(),
	"Softmax":  unarySchema(),
	"MatMul": {
		MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
		Infer: inferMatMul,
	},
	"Reshape": {
		MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
		Infer: inferReshape,
	},
	"Transpose": {
		MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
		Infer: inferTranspose,
	},
	"Concat": {
		MinInputs: 1, MaxInputs: -1, MinOutputs: 1, MaxOutputs: 1,
		Required: []AttrSpec{{Name: "axis", Type: onnx.AttrInt}},
		Infer:    inferConcat,
	},
	"Cast": {
		MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
		Required: []AttrSpec{{Name: "to", Type: onnx.AttrInt}},
		Infer:    inferCast,
	},
}

func binarySchema() Schema {
	return Schema{
		MinInputs: 2, MaxInputs: 2, MinOutputs: 1, MaxOutputs: 1,
		Infer: inferBroadcastBinary,
	}
}

func unarySchema() Schema {
	return Schema{
		MinInputs: 1, MaxInputs: 1, MinOutputs: 1, MaxOutputs: 1,
		Infer: inferSameAsInput,
	}
}

// cloneShape copies a shape, preserving the nil (unknown rank) vs empty
// (declared scalar) distinction.
func cloneShape(s []int64) []int64 {
	if s == nil {
		return nil
	}
	out := make([]int64, len(s))
	copy(out, s)
	return out
}

func inferSameAsInput(_ *Graph, _ *Node, in []ValueMeta) ([]ValueMeta, error) {
	return []ValueMeta{{DType: in[0].DType, Shape: cloneShape(in[0].Shape)}}, nil
}

func inferBroadcastBinary(_ *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	a, b := in[0], in[1]
	if a.DType != tensor.DTypeInvalid && b.DType != tensor.DTypeInvalid && a.DType != b.DType {
		return nil, fmt.Errorf("%s inputs have mismatched dtypes %s and %s", n.OpType, a.DType, b.DType)
	}

	dtype := a.DType
	if dtype == tensor.DTypeInvalid {
		dtype = b.DType
	}

	if a.Shape == nil || b.Shape == nil {
		return []ValueMeta{{DType: dtype}}, nil
	}
	shape, err := tensor.BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	return []ValueMeta{{DType: dtype, Shape: shape}}, nil
}

func inferMatMul(_ *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	a, b := in[0], in[1]
	if a.DType != tensor.DTypeInvalid && b.DType != tensor.DTypeInvalid && a.DType != b.DType {
		return nil, fmt.Errorf("MatMul inputs have mismatched dtypes %s and %s", a.DType, b.DType)
	}
	dtype := a.DType
	if dtype == tensor.DTypeInvalid {
		dtype = b.DType
	}

	if a.Shape == nil || b.Shape == nil {
		return []ValueMeta{{DType: dtype}}, nil
	}
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("MatMul requires rank >= 2 inputs, got %v x %v", a.Shape, b.Shape)
	}

	m, k1 := a.Shape[len(a.Shape)-2], a.Shape[len(a.Shape)-1]
	k2, nn := b.Shape[len(b.Shape)-2], b.Shape[len(b.Shape)-1]
	if k1 >= 0 && k2 >= 0 && k1 != k2 {
		return nil, fmt.Errorf("MatMul inner dimensions disagree: %v x %v", a.Shape, b.Shape)
	}

	batch, err := tensor.BroadcastShapes(a.Shape[:len(a.Shape)-2], b.Shape[:len(b.Shape)-2])
	if err != nil {
		return nil, fmt.Errorf("MatMul batch dims: %w", err)
	}
	shape := append(batch, m, nn)
	return []ValueMeta{{DType: dtype, Shape: shape}}, nil
}

func inferReshape(g *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	out := ValueMeta{DType: in[0].DType}

	// The target shape is only statically known when it is an initializer.
	spec, ok := g.Initializer(n.Inputs[1])
	if !ok {
		return []ValueMeta{out}, nil
	}
	dims, err := spec.Int64s()
	if err != nil {
		return nil, fmt.Errorf("Reshape shape input: %w", err)
	}
	if in[0].Shape == nil {
		return []ValueMeta{out}, nil
	}

	total := int64(1)
	for _, d := range in[0].Shape {
		if d < 0 {
			return []ValueMeta{out}, nil
		}
		total *= d
	}

	shape := make([]int64, len(dims))
	inferIdx := -1
	known := int64(1)
	for i, d := range dims {
		switch {
		case d == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("Reshape has more than one -1 dimension")
			}
			inferIdx = i
		case d == 0:
			// 0 copies the corresponding input dimension.
			if i >= len(in[0].Shape) {
				return nil, fmt.Errorf("Reshape dim 0 at %d exceeds input rank %d", i, len(in[0].Shape))
			}
			shape[i] = in[0].Shape[i]
			known *= shape[i]
		default:
			shape[i] = d
			known *= d
		}
	}
	if inferIdx >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("Reshape cannot infer -1: %d elements into %v", total, dims)
		}
		shape[inferIdx] = total / known
		known *= shape[inferIdx]
	}
	if known != total {
		return nil, fmt.Errorf("Reshape changes element count: %v -> %v", in[0].Shape, shape)
	}
	out.Shape = shape
	return []ValueMeta{out}, nil
}

func inferTranspose(_ *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	out := ValueMeta{DType: in[0].DType}
	if in[0].Shape == nil {
		return []ValueMeta{out}, nil
	}

	rank := len(in[0].Shape)
	perm := n.AttrInts("perm")
	if perm == nil {
		perm = make([]int64, rank)
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("Transpose perm %v does not match rank %d", perm, rank)
	}

	shape := make([]int64, rank)
	seen := make([]bool, rank)
	for i, p := range perm {
		if p < 0 || p >= int64(rank) || seen[p] {
			return nil, fmt.Errorf("Transpose perm %v is not a permutation of rank %d", perm, rank)
		}
		seen[p] = true
		shape[i] = in[0].Shape[p]
	}
	out.Shape = shape
	return []ValueMeta{out}, nil
}

func inferConcat(_ *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	dtype := tensor.DTypeInvalid
	for _, m := range in {
		if m.DType == tensor.DTypeInvalid {
			continue
		}
		if dtype == tensor.DTypeInvalid {
			dtype = m.DType
		} else if dtype != m.DType {
			return nil, fmt.Errorf("Concat inputs have mismatched dtypes %s and %s", dtype, m.DType)
		}
	}

	for _, m := range in {
		if m.Shape == nil {
			return []ValueMeta{{DType: dtype}}, nil
		}
	}

	rank := len(in[0].Shape)
	axis := n.AttrInt("axis", 0)
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return nil, fmt.Errorf("Concat axis %d out of range for rank %d", n.AttrInt("axis", 0), rank)
	}

	shape := append([]int64(nil), in[0].Shape...)
	for _, m := range in[1:] {
		if len(m.Shape) != rank {
			return nil, fmt.Errorf("Concat inputs have mismatched ranks %d and %d", rank, len(m.Shape))
		}
		for d := range m.Shape {
			if int64(d) == axis {
				continue
			}
			if shape[d] >= 0 && m.Shape[d] >= 0 && shape[d] != m.Shape[d] {
				return nil, fmt.Errorf("Concat inputs disagree on dim %d: %d vs %d", d, shape[d], m.Shape[d])
			}
		}
	}
	sum := int64(0)
	for _, m := range in {
		if m.Shape[axis] < 0 {
			sum = -1
			break
		}
		sum += m.Shape[axis]
	}
	shape[axis] = sum
	return []ValueMeta{{DType: dtype, Shape: shape}}, nil
}

func inferCast(_ *Graph, n *Node, in []ValueMeta) ([]ValueMeta, error) {
	to, err := onnx.DTypeFromProto(int32(n.AttrInt("to", 0)))
	if err != nil {
		return nil, fmt.Errorf("Cast: %w", err)
	}
	return []ValueMeta{{DType: to, Shape: cloneShape(in[0].Shape)}}, nil
}

