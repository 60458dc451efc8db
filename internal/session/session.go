// Package session wires the engine together: it decodes a serialized model,
// builds and optimizes the graph, partitions it across execution providers,
// plans the run and executes it. A Session is immutable after creation and
// safe for concurrent Runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/memory"
	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/planner"
	"github.com/example/gonnx/internal/provider"
	"github.com/example/gonnx/internal/tensor"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Options configures session creation.
type Options struct {
	// OptLevel selects the graph rewrite catalog. The zero value disables
	// rewrites.
	OptLevel graph.OptLevel

	// Providers is the partition priority order. Empty means cpu only; the
	// cpu provider is always appended as the fallback claimant.
	Providers []string

	DeviceIndex    int
	ArenaSizeBytes int64
	IntraOpThreads int

	// Registry overrides the process-wide kernel registry, mainly for tests.
	Registry *provider.Registry

	Logger *slog.Logger
}

// ValueInfo describes one graph input or output as seen by callers. Shape
// follows the graph conventions: nil for unknown rank, -1 for unknown dims.
type ValueInfo struct {
	Name  string
	DType tensor.DType
	Shape []int64
}

// Session is one loaded, planned model.
type Session struct {
	logger *slog.Logger

	graph      *graph.Graph
	providers  []provider.Provider
	assignment map[int]provider.Provider
	plan       *planner.Plan
	threads    int

	mu     sync.RWMutex // held shared by Run, exclusively by Close
	closed bool
}

// New builds a session from serialized model bytes.
func New(model []byte, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m, err := onnx.Decode(model)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(m)
	if err != nil {
		return nil, err
	}

	names := append([]string(nil), opts.Providers...)
	if !contains(names, provider.CPUName) {
		names = append(names, provider.CPUName)
	}
	provs := make([]provider.Provider, 0, len(names))
	for _, name := range names {
		p, err := provider.New(name, provider.Options{
			DeviceIndex:    opts.DeviceIndex,
			ArenaSizeBytes: opts.ArenaSizeBytes,
			IntraOpThreads: opts.IntraOpThreads,
			Registry:       opts.Registry,
		})
		if err != nil {
			closeAll(provs)
			return nil, err
		}
		provs = append(provs, p)
	}

	threads := opts.IntraOpThreads
	if threads <= 0 {
		threads = 1
		if tp, ok := provs[len(provs)-1].(interface{ Threads() int }); ok {
			threads = tp.Threads()
		}
	}

	before := len(g.Nodes())
	graph.Optimize(g, opts.OptLevel, &cpuFolder{
		graph:   g,
		cpu:     provs[len(provs)-1],
		opset:   g.Opset,
		threads: threads,
	})
	g.Finalize()

	assignment, err := provider.Partition(g, provs)
	if err != nil {
		closeAll(provs)
		return nil, err
	}
	plan, err := planner.Build(g, assignment)
	if err != nil {
		closeAll(provs)
		return nil, err
	}

	logger.Info("session ready",
		"graph", g.Name,
		"opset", g.Opset,
		"nodes", len(g.Nodes()),
		"rewritten_away", before-len(g.Nodes()),
		"steps", len(plan.Steps),
		"slots", len(plan.Slots),
		"providers", names,
	)

	return &Session{
		logger:     logger,
		graph:      g,
		providers:  provs,
		assignment: assignment,
		plan:       plan,
		threads:    threads,
	}, nil
}

// Open is New over a model file.
func Open(path string, opts Options) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read model: %w", err)
	}
	return New(b, opts)
}

// Inputs lists the graph's required run inputs in declaration order.
func (s *Session) Inputs() []ValueInfo { return s.valueInfos(s.graph.InputNames()) }

// Outputs lists the graph's outputs in declaration order.
func (s *Session) Outputs() []ValueInfo { return s.valueInfos(s.graph.OutputNames()) }

func (s *Session) valueInfos(names []string) []ValueInfo {
	out := make([]ValueInfo, 0, len(names))
	for _, name := range names {
		v, ok := s.graph.Value(name)
		if !ok {
			continue
		}
		out = append(out, ValueInfo{Name: name, DType: v.DType, Shape: v.Shape})
	}
	return out
}

// Metadata returns the model's metadata properties.
func (s *Session) Metadata() map[string]string { return s.graph.Metadata() }

// Opset returns the default-domain operator set version the model declares.
func (s *Session) Opset() int64 { return s.graph.Opset }

// Run executes the plan over the given inputs and returns the graph outputs
// as host tensors. Inputs are borrowed for the duration of the call. Any
// error leaves the session usable for further runs.
func (s *Session) Run(ctx context.Context, inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	if err := s.checkInputs(inputs); err != nil {
		return nil, err
	}

	r := &run{
		s:      s,
		values: make(map[string]*tensor.Tensor, len(inputs)),
		staged: make(map[stageKey]*tensor.Tensor),
		slots:  make([]any, len(s.plan.Slots)),
		scopes: make(map[string]*memory.Scope, len(s.providers)),
	}
	defer r.release()

	for name, t := range s.graph.Initializers() {
		r.values[name] = t
	}
	for name, t := range inputs {
		r.values[name] = t
	}

	for i := range s.plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindCancelled, "", err)
		}
		step := &s.plan.Steps[i]
		var err error
		switch step.Kind {
		case planner.StepTransfer:
			err = r.transfer(step)
		case planner.StepKernel:
			err = r.kernel(step)
		}
		if err != nil {
			return nil, err
		}
	}

	return r.collectOutputs()
}

// Close releases provider resources. It blocks until in-flight runs finish
// and is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// checkInputs validates the caller's feed against the graph contract: every
// graph input present, no strays, dtypes equal, shapes compatible with the
// declared dims.
func (s *Session) checkInputs(inputs map[string]*tensor.Tensor) error {
	for _, name := range s.graph.InputNames() {
		t, ok := inputs[name]
		if !ok {
			return errdefs.New(errdefs.KindInputMismatch, name, "required input is missing")
		}
		v, _ := s.graph.Value(name)
		if v.DType != tensor.DTypeInvalid && t.DType() != v.DType {
			return errdefs.New(errdefs.KindInputMismatch, name, "dtype %s does not match %s", t.DType(), v.DType)
		}
		if err := shapeMatches(t.Shape(), v.Shape); err != nil {
			return errdefs.New(errdefs.KindInputMismatch, name, "%v", err)
		}
		if t.Device() != tensor.CPU {
			return errdefs.New(errdefs.KindInputMismatch, name, "inputs must be host tensors, got %s", t.Device())
		}
	}
	for name := range inputs {
		if v, ok := s.graph.Value(name); !ok || v.Kind != graph.ValueInput {
			return errdefs.New(errdefs.KindInputMismatch, name, "not a graph input")
		}
	}
	return nil
}

// shapeMatches checks a concrete shape against a declared one; -1 dims admit
// anything, a nil declaration admits any rank.
func shapeMatches(got, declared []int64) error {
	if declared == nil {
		return nil
	}
	if len(got) != len(declared) {
		return fmt.Errorf("shape %v does not match %v", got, declared)
	}
	for i, d := range declared {
		if d >= 0 && got[i] != d {
			return fmt.Errorf("shape %v does not match %v", got, declared)
		}
	}
	return nil
}

type stageKey struct {
	value  string
	device tensor.Device
}

// run is the per-Run execution state. The plan and graph are shared and
// read-only; everything here is owned by one Run call.
type run struct {
	s      *Session
	values map[string]*tensor.Tensor
	staged map[stageKey]*tensor.Tensor
	slots  []any // lazily allocated slot buffers
	scopes map[string]*memory.Scope
}

func (r *run) scope(p provider.Provider) *memory.Scope {
	sc, ok := r.scopes[p.Name()]
	if !ok {
		sc = memory.NewScope(p.Allocator())
		r.scopes[p.Name()] = sc
	}
	return sc
}

func (r *run) release() {
	for _, sc := range r.scopes {
		sc.Release()
	}
}

func (r *run) transfer(step *planner.Step) error {
	t, ok := r.values[step.Value]
	if !ok {
		return errdefs.New(errdefs.KindKernelExecution, step.Value, "transfer source was never produced")
	}

	// Route through the host when crossing between two devices.
	if step.From != nil && t.Device() != tensor.CPU {
		host, err := step.From.CopyToHost(t)
		if err != nil {
			return errdefs.Wrap(errdefs.KindKernelExecution, step.Value, err)
		}
		t = host
	}
	if step.To.Device() != tensor.CPU {
		staged, err := step.To.CopyToDevice(t)
		if err != nil {
			return errdefs.Wrap(errdefs.KindKernelExecution, step.Value, err)
		}
		t = staged
	}
	r.staged[stageKey{value: step.Value, device: step.To.Device()}] = t
	return nil
}

func (r *run) kernel(step *planner.Step) error {
	s := r.s
	node := s.graph.Node(step.Node)
	prov := step.Provider

	ins := make([]*tensor.Tensor, len(node.Inputs))
	for i, name := range node.Inputs {
		if name == "" {
			continue
		}
		if t, ok := r.staged[stageKey{value: name, device: prov.Device()}]; ok {
			ins[i] = t
			continue
		}
		t, ok := r.values[name]
		if !ok {
			return errdefs.New(errdefs.KindKernelExecution, node.Name, "input %q was never produced", name)
		}
		ins[i] = t
	}

	outs := make([]*tensor.Tensor, len(node.Outputs))
	for i, name := range node.Outputs {
		if name == "" {
			continue
		}
		t, err := r.outputTensor(name, prov)
		if err != nil {
			return err
		}
		outs[i] = t
	}

	k, err := prov.Kernel(node, s.graph.Opset)
	if err != nil {
		return errdefs.Wrap(errdefs.KindKernelExecution, node.Name, err)
	}
	if err := k(&provider.ExecContext{
		Node:    node,
		Opset:   s.graph.Opset,
		Inputs:  ins,
		Outputs: outs,
		Threads: s.threads,
	}); err != nil {
		return errdefs.Wrap(errdefs.KindKernelExecution, node.Name, err)
	}

	for i, name := range node.Outputs {
		if name != "" {
			r.values[name] = outs[i]
		}
	}
	return nil
}

// outputTensor materializes the buffer for one node output: graph outputs
// get a fresh allocation the caller will keep, intermediates share plan
// slots.
func (r *run) outputTensor(name string, prov provider.Provider) (*tensor.Tensor, error) {
	s := r.s
	v, _ := s.graph.Value(name)
	sc := r.scope(prov)

	if idx, pooled := s.plan.SlotOf[name]; pooled {
		if r.slots[idx] == nil {
			slot := s.plan.Slots[idx]
			buf, err := sc.Alloc(slot.DType, slot.Elems)
			if err != nil {
				return nil, err
			}
			r.slots[idx] = buf
		}
		return tensor.NewOwned(v.DType, v.Shape, r.slots[idx], prov.Device(), tensor.OwnedByRun)
	}

	elems := 1
	for _, d := range v.Shape {
		elems *= int(d)
	}
	buf, err := sc.Alloc(v.DType, elems)
	if err != nil {
		return nil, err
	}
	t, err := tensor.NewOwned(v.DType, v.Shape, buf, prov.Device(), tensor.OwnedByRun)
	if err != nil {
		return nil, err
	}
	// Survives scope release; from here the caller owns it. If the scope
	// cannot transfer ownership the tensor stays run-owned and
	// collectOutputs clones it before the buffer is reclaimed.
	if sc.Forget(buf) {
		t.SetOwner(tensor.BorrowedFromCaller)
	}
	return t, nil
}

// collectOutputs gathers the graph outputs as host tensors. Outputs that are
// also initializers (after folding) or aliases of inputs are cloned so the
// caller never holds session-owned memory.
func (r *run) collectOutputs() (map[string]*tensor.Tensor, error) {
	s := r.s
	out := make(map[string]*tensor.Tensor, len(s.graph.OutputNames()))
	for _, name := range s.graph.OutputNames() {
		t, ok := r.values[name]
		if !ok {
			return nil, errdefs.New(errdefs.KindKernelExecution, name, "graph output was never produced")
		}
		if t.Device() != tensor.CPU {
			host, err := s.assignmentFor(name).CopyToHost(t)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindKernelExecution, name, err)
			}
			t = host
		}
		if t.Owner() != tensor.BorrowedFromCaller {
			clone, err := t.Clone()
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindKernelExecution, name, err)
			}
			t = clone
		}
		out[name] = t
	}
	return out, nil
}

func (s *Session) assignmentFor(name string) provider.Provider {
	if v, ok := s.graph.Value(name); ok && v.Producer >= 0 {
		if p, ok := s.assignment[v.Producer]; ok {
			return p
		}
	}
	return s.providers[len(s.providers)-1]
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func closeAll(provs []provider.Provider) {
	for _, p := range provs {
		p.Close()
	}
}
