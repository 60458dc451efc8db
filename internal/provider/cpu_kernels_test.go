package provider

import (
	"math"
	"testing"

	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

func f32(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}
	return tt
}

// runOp executes the registered cpu kernel for the first node of gp, with
// pre-allocated outputs shaped like outShapes.
func runOp(t *testing.T, gp *onnx.GraphProto, inputs []*tensor.Tensor, outShape []int64, outDType tensor.DType) *tensor.Tensor {
	t.Helper()
	g := buildGraph(t, gp)
	n := g.Node(0)

	k, err := DefaultRegistry().Lookup(n.OpType, n.Domain, CPUName, g.Opset)
	if err != nil {
		t.Fatalf("lookup %s: %v", n.OpType, err)
	}
	out, err := tensor.Zeros(outDType, outShape)
	if err != nil {
		t.Fatalf("zeros: %v", err)
	}
	ctx := &ExecContext{Node: n, Opset: g.Opset, Inputs: inputs, Outputs: []*tensor.Tensor{out}, Threads: 2}
	if err := k(ctx); err != nil {
		t.Fatalf("%s kernel: %v", n.OpType, err)
	}
	return out
}

func singleNode(op string, inputs, outputs []string, attrs ...onnx.AttributeProto) *onnx.GraphProto {
	ins := make([]onnx.ValueInfoProto, 0, len(inputs))
	for _, name := range inputs {
		ins = append(ins, onnx.ValueInfoProto{Name: name, HasType: true, ElemType: onnx.ProtoDataFloat})
	}
	outs := make([]onnx.ValueInfoProto, 0, len(outputs))
	for _, name := range outputs {
		outs = append(outs, onnx.ValueInfoProto{Name: name, HasType: true, ElemType: onnx.ProtoDataFloat})
	}
	return &onnx.GraphProto{
		Name: "op",
		Nodes: []onnx.NodeProto{{
			Name: op + "_0", OpType: op,
			Inputs: inputs, Outputs: outputs,
			Attributes: attrs,
		}},
		Inputs:  ins,
		Outputs: outs,
	}
}

func wantF32(t *testing.T, out *tensor.Tensor, want []float32) {
	t.Helper()
	got, err := out.Float32s()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d elements; want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("got = %v; want %v", got, want)
		}
	}
}

func TestAddBroadcastsRowVector(t *testing.T) {
	a := f32(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := f32(t, []float32{10, 20, 30}, 3)
	out := runOp(t, singleNode("Add", []string{"a", "b"}, []string{"c"}), []*tensor.Tensor{a, b}, []int64{2, 3}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{11, 22, 33, 14, 25, 36})
}

func TestSubScalarOperand(t *testing.T) {
	a := f32(t, []float32{5, 7, 9}, 3)
	b := f32(t, []float32{2})
	out := runOp(t, singleNode("Sub", []string{"a", "b"}, []string{"c"}), []*tensor.Tensor{a, b}, []int64{3}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{3, 5, 7})
}

func TestDivInt64ByZeroFails(t *testing.T) {
	a, err := tensor.New([]int64{6}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tensor.New([]int64{0}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	out, err := tensor.Zeros(tensor.DTypeInt64, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	k, err := DefaultRegistry().Lookup("Div", "", CPUName, 13)
	if err != nil {
		t.Fatal(err)
	}
	ctx := &ExecContext{
		Node:    &graph.Node{Name: "div_0", OpType: "Div"},
		Opset:   13,
		Inputs:  []*tensor.Tensor{a, b},
		Outputs: []*tensor.Tensor{out},
	}
	if err := k(ctx); err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestReluClampsNegatives(t *testing.T) {
	in := f32(t, []float32{-2, -0.5, 0, 3}, 4)
	out := runOp(t, singleNode("Relu", []string{"x"}, []string{"y"}), []*tensor.Tensor{in}, []int64{4}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{0, 0, 0, 3})
}

func TestSigmoidMidpoint(t *testing.T) {
	in := f32(t, []float32{0}, 1)
	out := runOp(t, singleNode("Sigmoid", []string{"x"}, []string{"y"}), []*tensor.Tensor{in}, []int64{1}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{0.5})
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	in := f32(t, []float32{1, 2, 3, 1, 1, 1}, 2, 3)
	gp := singleNode("Softmax", []string{"x"}, []string{"y"},
		onnx.AttributeProto{Name: "axis", Type: onnx.AttrInt, I: -1})
	out := runOp(t, gp, []*tensor.Tensor{in}, []int64{2, 3}, tensor.DTypeFloat32)

	got, _ := out.Float32s()
	for row := 0; row < 2; row++ {
		var sum float32
		for j := 0; j < 3; j++ {
			sum += got[row*3+j]
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("row %d sums to %v; want 1", row, sum)
		}
	}
	if !(got[2] > got[1] && got[1] > got[0]) {
		t.Errorf("softmax not monotone over increasing logits: %v", got[:3])
	}
	wantF32(t, f32(t, got[3:], 3), []float32{1.0 / 3, 1.0 / 3, 1.0 / 3})
}

func TestMatMul2D(t *testing.T) {
	a := f32(t, []float32{1, 2, 3, 4}, 2, 2)
	b := f32(t, []float32{5, 6, 7, 8}, 2, 2)
	out := runOp(t, singleNode("MatMul", []string{"a", "b"}, []string{"c"}), []*tensor.Tensor{a, b}, []int64{2, 2}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{19, 22, 43, 50})
}

func TestMatMulBatchedBroadcastsSingleOperand(t *testing.T) {
	a := f32(t, []float32{
		1, 0, 0, 1, // batch 0: identity
		2, 0, 0, 2, // batch 1: 2*identity
	}, 2, 2, 2)
	b := f32(t, []float32{1, 2, 3, 4}, 1, 2, 2)
	out := runOp(t, singleNode("MatMul", []string{"a", "b"}, []string{"c"}), []*tensor.Tensor{a, b}, []int64{2, 2, 2}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{1, 2, 3, 4, 2, 4, 6, 8})
}

func TestTransposeDefaultReversesAxes(t *testing.T) {
	in := f32(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out := runOp(t, singleNode("Transpose", []string{"x"}, []string{"y"}), []*tensor.Tensor{in}, []int64{3, 2}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{1, 4, 2, 5, 3, 6})
}

func TestTransposeExplicitPerm(t *testing.T) {
	in := f32(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	gp := singleNode("Transpose", []string{"x"}, []string{"y"},
		onnx.AttributeProto{Name: "perm", Type: onnx.AttrInts, Ints: []int64{1, 0, 2}})
	out := runOp(t, gp, []*tensor.Tensor{in}, []int64{2, 2, 2}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{1, 2, 5, 6, 3, 4, 7, 8})
}

func TestConcatAlongAxisOne(t *testing.T) {
	a := f32(t, []float32{1, 2, 3, 4}, 2, 2)
	b := f32(t, []float32{5, 6}, 2, 1)
	gp := singleNode("Concat", []string{"a", "b"}, []string{"c"},
		onnx.AttributeProto{Name: "axis", Type: onnx.AttrInt, I: 1})
	out := runOp(t, gp, []*tensor.Tensor{a, b}, []int64{2, 3}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{1, 2, 5, 3, 4, 6})
}

func TestCastFloatToInt64Truncates(t *testing.T) {
	in := f32(t, []float32{1.9, -2.7, 3.0}, 3)
	gp := singleNode("Cast", []string{"x"}, []string{"y"},
		onnx.AttributeProto{Name: "to", Type: onnx.AttrInt, I: int64(onnx.ProtoDataInt64)})
	gp.Outputs[0].ElemType = onnx.ProtoDataInt64
	out := runOp(t, gp, []*tensor.Tensor{in}, []int64{3}, tensor.DTypeInt64)

	got, err := out.Int64s()
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, -2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got = %v; want %v", got, want)
		}
	}
}

func TestIdentityAndReshapePreserveElements(t *testing.T) {
	in := f32(t, []float32{1, 2, 3, 4}, 2, 2)
	out := runOp(t, singleNode("Identity", []string{"x"}, []string{"y"}), []*tensor.Tensor{in}, []int64{2, 2}, tensor.DTypeFloat32)
	wantF32(t, out, []float32{1, 2, 3, 4})

	k, err := DefaultRegistry().Lookup("Reshape", "", CPUName, 13)
	if err != nil {
		t.Fatal(err)
	}
	flat, err := tensor.Zeros(tensor.DTypeFloat32, []int64{4})
	if err != nil {
		t.Fatal(err)
	}
	ctx := &ExecContext{
		Node:    &graph.Node{Name: "reshape_0", OpType: "Reshape"},
		Opset:   13,
		Inputs:  []*tensor.Tensor{in},
		Outputs: []*tensor.Tensor{flat},
	}
	if err := k(ctx); err != nil {
		t.Fatal(err)
	}
	wantF32(t, flat, []float32{1, 2, 3, 4})
}
