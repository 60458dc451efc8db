package graph

import (
	"fmt"
	"testing"

	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

// addFolder folds Add nodes by summing float32 inputs; everything else is
// declined.
type addFolder struct{}

func (addFolder) Fold(n *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if n.OpType != "Add" {
		return nil, ErrCannotFold
	}
	a, err := inputs[0].Float32s()
	if err != nil {
		return nil, err
	}
	b, err := inputs[1].Float32s()
	if err != nil {
		return nil, err
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("fold add: length mismatch")
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	t, err := tensor.New(out, inputs[0].Shape())
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{t}, nil
}

func TestOptimizeEliminatesIdentity(t *testing.T) {
	gp := &onnx.GraphProto{
		Name: "ident",
		Nodes: []onnx.NodeProto{
			{Name: "id", OpType: "Identity", Inputs: []string{"a"}, Outputs: []string{"mid"}},
			{Name: "act", OpType: "Relu", Inputs: []string{"mid"}, Outputs: []string{"y"}},
		},
		Inputs:  []onnx.ValueInfoProto{f32Input("a", 2)},
		Outputs: []onnx.ValueInfoProto{f32Input("y", 2)},
	}
	g := buildModel(t, gp)
	Optimize(g, OptBasic, nil)

	if len(g.Nodes()) != 1 {
		t.Fatalf("nodes = %d; want 1 after identity elimination", len(g.Nodes()))
	}
	act := g.Nodes()[0]
	if act.OpType != "Relu" || act.Inputs[0] != "a" {
		t.Fatalf("surviving node = %+v; want Relu reading a", act)
	}
	if _, ok := g.Value("mid"); ok {
		t.Fatalf("value mid still present after elimination")
	}
}

func TestOptimizeKeepsIdentityFeedingGraphOutput(t *testing.T) {
	gp := &onnx.GraphProto{
		Name: "ident-out",
		Nodes: []onnx.NodeProto{
			{Name: "id", OpType: "Identity", Inputs: []string{"a"}, Outputs: []string{"y"}},
		},
		Inputs:  []onnx.ValueInfoProto{f32Input("a", 2)},
		Outputs: []onnx.ValueInfoProto{f32Input("y", 2)},
	}
	g := buildModel(t, gp)
	Optimize(g, OptAll, addFolder{})

	if len(g.Nodes()) != 1 {
		t.Fatalf("nodes = %d; want output-feeding Identity kept", len(g.Nodes()))
	}
}

func TestOptimizeFoldsConstantSubgraph(t *testing.T) {
	gp := &onnx.GraphProto{
		Name: "fold",
		Nodes: []onnx.NodeProto{
			{Name: "pre", OpType: "Add", Inputs: []string{"w1", "w2"}, Outputs: []string{"wsum"}},
			{Name: "add_x", OpType: "Add", Inputs: []string{"x", "wsum"}, Outputs: []string{"y"}},
		},
		Initializers: []onnx.TensorProto{
			{Name: "w1", DataType: onnx.ProtoDataFloat, Dims: []int64{2}, FloatData: []float32{1, 2}},
			{Name: "w2", DataType: onnx.ProtoDataFloat, Dims: []int64{2}, FloatData: []float32{10, 20}},
		},
		Inputs:  []onnx.ValueInfoProto{f32Input("x", 2)},
		Outputs: []onnx.ValueInfoProto{f32Input("y", 2)},
	}
	g := buildModel(t, gp)
	Optimize(g, OptExtended, addFolder{})

	if len(g.Nodes()) != 1 {
		t.Fatalf("nodes = %d; want 1 after folding", len(g.Nodes()))
	}
	wsum, ok := g.Initializer("wsum")
	if !ok {
		t.Fatalf("wsum was not folded into an initializer")
	}
	d, _ := wsum.Float32s()
	if d[0] != 11 || d[1] != 22 {
		t.Fatalf("wsum = %v; want [11 22]", d)
	}
	v, _ := g.Value("wsum")
	if v.Kind != ValueInitializer || v.Producer != -1 {
		t.Fatalf("wsum value = %+v; want initializer with no producer", v)
	}
}

func TestOptimizeRemovesDeadNodes(t *testing.T) {
	gp := &onnx.GraphProto{
		Name: "dead",
		Nodes: []onnx.NodeProto{
			{Name: "live", OpType: "Relu", Inputs: []string{"a"}, Outputs: []string{"y"}},
			{Name: "dead1", OpType: "Neg", Inputs: []string{"a"}, Outputs: []string{"d1"}},
			{Name: "dead2", OpType: "Relu", Inputs: []string{"d1"}, Outputs: []string{"d2"}},
		},
		Inputs:  []onnx.ValueInfoProto{f32Input("a", 2)},
		Outputs: []onnx.ValueInfoProto{f32Input("y", 2)},
	}
	g := buildModel(t, gp)
	Optimize(g, OptExtended, nil)

	if len(g.Nodes()) != 1 {
		t.Fatalf("nodes = %d; want 1 after dead-node elimination", len(g.Nodes()))
	}
	if g.Nodes()[0].Name != "live" {
		t.Fatalf("surviving node = %q; want live", g.Nodes()[0].Name)
	}
}

func TestOptimizeNoneIsNoOp(t *testing.T) {
	gp := &onnx.GraphProto{
		Name: "ident",
		Nodes: []onnx.NodeProto{
			{Name: "id", OpType: "Identity", Inputs: []string{"a"}, Outputs: []string{"mid"}},
			{Name: "act", OpType: "Relu", Inputs: []string{"mid"}, Outputs: []string{"y"}},
		},
		Inputs:  []onnx.ValueInfoProto{f32Input("a", 2)},
		Outputs: []onnx.ValueInfoProto{f32Input("y", 2)},
	}
	g := buildModel(t, gp)
	Optimize(g, OptNone, nil)

	if len(g.Nodes()) != 2 {
		t.Fatalf("nodes = %d; want 2 with optimization disabled", len(g.Nodes()))
	}
}
