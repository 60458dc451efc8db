package session

import (
	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/provider"
	"github.com/example/gonnx/internal/tensor"
)

// cpuFolder evaluates constant nodes at load time with the cpu provider's
// real kernels, so folding and runtime can never disagree on semantics.
type cpuFolder struct {
	graph   *graph.Graph
	cpu     provider.Provider
	opset   int64
	threads int
}

func (f *cpuFolder) Fold(n *graph.Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if !f.cpu.CanExecute(n, f.opset) {
		return nil, graph.ErrCannotFold
	}
	sch, ok := graph.LookupSchema(n.Domain, n.OpType)
	if !ok || sch.Infer == nil {
		return nil, graph.ErrCannotFold
	}

	metas := make([]graph.ValueMeta, len(inputs))
	for i, t := range inputs {
		metas[i] = graph.ValueMeta{DType: t.DType(), Shape: t.Shape()}
	}
	outMetas, err := sch.Infer(f.graph, n, metas)
	if err != nil {
		return nil, graph.ErrCannotFold
	}

	outs := make([]*tensor.Tensor, len(outMetas))
	for i, m := range outMetas {
		if m.DType == tensor.DTypeInvalid || !staticShape(m.Shape) {
			return nil, graph.ErrCannotFold
		}
		t, err := tensor.Zeros(m.DType, m.Shape)
		if err != nil {
			return nil, graph.ErrCannotFold
		}
		outs[i] = t
	}

	k, err := f.cpu.Kernel(n, f.opset)
	if err != nil {
		return nil, graph.ErrCannotFold
	}
	if err := k(&provider.ExecContext{
		Node:    n,
		Opset:   f.opset,
		Inputs:  inputs,
		Outputs: outs,
		Threads: f.threads,
	}); err != nil {
		return nil, err
	}
	return outs, nil
}

func staticShape(shape []int64) bool {
	if shape == nil {
		return false
	}
	for _, d := range shape {
		if d < 0 {
			return false
		}
	}
	return true
}
