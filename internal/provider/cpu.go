package provider

import (
	"runtime"

	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/memory"
	"github.com/example/gonnx/internal/tensor"
)

// CPUName is the built-in host provider; it is the default partition
// fallback.
const CPUName = "cpu"

type cpuProvider struct {
	arena    *memory.Arena
	threads  int
	registry *Registry
}

func init() {
	RegisterProvider(CPUName, newCPUProvider)
	RegisterCPUKernels(defaultRegistry)
}

func newCPUProvider(opts Options) (Provider, error) {
	threads := opts.IntraOpThreads
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	registry := opts.Registry
	if registry == nil {
		registry = defaultRegistry
	}
	return &cpuProvider{
		arena:    memory.NewArena(tensor.CPU, opts.ArenaSizeBytes),
		threads:  threads,
		registry: registry,
	}, nil
}

func (p *cpuProvider) Name() string                { return CPUName }
func (p *cpuProvider) Device() tensor.Device       { return tensor.CPU }
func (p *cpuProvider) Allocator() memory.Allocator { return p.arena }

func (p *cpuProvider) CanExecute(n *graph.Node, opset int64) bool {
	return p.registry.Supports(n.OpType, n.Domain, CPUName, opset)
}

func (p *cpuProvider) Kernel(n *graph.Node, opset int64) (Kernel, error) {
	return p.registry.Lookup(n.OpType, n.Domain, CPUName, opset)
}

// Host provider: tensors are already in host memory.
func (p *cpuProvider) CopyToDevice(t *tensor.Tensor) (*tensor.Tensor, error) { return t, nil }
func (p *cpuProvider) CopyToHost(t *tensor.Tensor) (*tensor.Tensor, error)  { return t, nil }

func (p *cpuProvider) Close() error { return nil }

// Threads reports the intra-op pool width used by parallel kernels.
func (p *cpuProvider) Threads() int { return p.threads }
