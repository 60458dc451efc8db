// Package provider defines execution providers (pluggable compute backends),
// the kernel registry that maps (operator, domain, version, provider) to an
// implementation, and the partitioner that assigns graph nodes to providers.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/memory"
	"github.com/example/gonnx/internal/tensor"
)

// ExecContext carries one kernel invocation: materialized inputs and
// pre-allocated output tensors the kernel must fill.
type ExecContext struct {
	Node    *graph.Node
	Opset   int64
	Inputs  []*tensor.Tensor
	Outputs []*tensor.Tensor
	Threads int
}

// Kernel is one operator implementation on one provider.
type Kernel func(*ExecContext) error

// Provider is a compute backend that claims and executes a subset of graph
// nodes, typically tied to one device.
type Provider interface {
	Name() string
	Device() tensor.Device
	Allocator() memory.Allocator

	// CanExecute is the capability predicate used during partitioning.
	CanExecute(n *graph.Node, opset int64) bool

	// Kernel resolves the implementation for a claimed node.
	Kernel(n *graph.Node, opset int64) (Kernel, error)

	// CopyToDevice stages a host tensor on the provider's device; CopyToHost
	// brings a result back. Both are identity for host providers.
	CopyToDevice(t *tensor.Tensor) (*tensor.Tensor, error)
	CopyToHost(t *tensor.Tensor) (*tensor.Tensor, error)

	Close() error
}

// Options configures a provider instance.
type Options struct {
	DeviceIndex    int
	ArenaSizeBytes int64
	IntraOpThreads int
	Registry       *Registry // nil: the process-wide default registry
}

// Factory builds a provider instance.
type Factory func(Options) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterProvider registers a provider factory under a name. Registering a
// name twice is a programming error.
func RegisterProvider(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[name]; ok {
		panic("provider: provider already registered: " + name)
	}
	factories[name] = f
}

// New instantiates a registered provider.
func New(name string, opts Options) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q (registered: %v)", name, Names())
	}
	return f(opts)
}

// Names lists registered provider names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
