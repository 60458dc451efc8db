// Package graph builds and validates the in-memory computation graph from a
// decoded model: nodes (operator invocations), values (named tensor slots)
// and initializers (constant tensors owned for the session lifetime). After
// Finalize the graph is immutable and safe to share across concurrent runs.
package graph

import (
	"fmt"

	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

// OptLevel selects which graph rewrites run after validation.
type OptLevel int

const (
	OptNone OptLevel = iota
	OptBasic
	OptExtended
	OptAll
)

func (l OptLevel) String() string {
	switch l {
	case OptNone:
		return "none"
	case OptBasic:
		return "basic"
	case OptExtended:
		return "extended"
	case OptAll:
		return "all"
	default:
		return fmt.Sprintf("optlevel(%d)", int(l))
	}
}

// ValueKind distinguishes how a value slot gets its contents.
type ValueKind int

const (
	// ValueInput is fed by the caller at Run time.
	ValueInput ValueKind = iota
	// ValueInitializer is a constant tensor loaded with the model.
	ValueInitializer
	// ValueInternal is produced by a node during a run.
	ValueInternal
)

// Value is a named tensor slot with exactly one producer. Shape conventions:
// nil means unknown rank, an empty non-nil slice is a declared rank-0 scalar,
// and -1 entries are unknown dimensions.
type Value struct {
	Name      string
	DType     tensor.DType
	Shape     []int64
	Kind      ValueKind
	Producer  int // producing node index, -1 for inputs and initializers
	Consumers []int
	IsOutput  bool
}

// HasStaticShape reports whether the rank and every dimension are known.
func (v *Value) HasStaticShape() bool {
	if v.Shape == nil {
		return false
	}
	for _, d := range v.Shape {
		if d < 0 {
			return false
		}
	}
	return true
}

// Node is one operator invocation.
type Node struct {
	Index   int
	Name    string
	OpType  string
	Domain  string
	Inputs  []string // value names, "" for omitted optional inputs
	Outputs []string
	attrs   map[string]onnx.AttributeProto
}

// Attr returns the raw attribute and whether it exists.
func (n *Node) Attr(name string) (onnx.AttributeProto, bool) {
	a, ok := n.attrs[name]
	return a, ok
}

// AttrInt returns an INT attribute or def.
func (n *Node) AttrInt(name string, def int64) int64 {
	if a, ok := n.attrs[name]; ok && a.Type == onnx.AttrInt {
		return a.I
	}
	return def
}

// AttrFloat returns a FLOAT attribute or def.
func (n *Node) AttrFloat(name string, def float32) float32 {
	if a, ok := n.attrs[name]; ok && a.Type == onnx.AttrFloat {
		return a.F
	}
	return def
}

// AttrString returns a STRING attribute or def.
func (n *Node) AttrString(name, def string) string {
	if a, ok := n.attrs[name]; ok && a.Type == onnx.AttrString {
		return string(a.S)
	}
	return def
}

// AttrInts returns an INTS attribute or nil.
func (n *Node) AttrInts(name string) []int64 {
	if a, ok := n.attrs[name]; ok && a.Type == onnx.AttrInts {
		return a.Ints
	}
	return nil
}

// Graph owns the nodes, values and initializers of one loaded model.
type Graph struct {
	Name  string
	Opset int64

	nodes        []*Node
	values       map[string]*Value
	inputs       []string // declared order
	outputs      []string
	initializers map[string]*tensor.Tensor
	metadata     map[string]string
	order        []int
	finalized    bool
}

// Nodes returns the node list in declaration order. Callers must not mutate
// entries after Finalize.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node at index i.
func (g *Graph) Node(i int) *Node { return g.nodes[i] }

// TopoOrder returns node indices in a dependency-respecting execution order.
// Nodes already declared in dependency order keep their declaration order, so
// the result is deterministic for a given model. Callers must not mutate it.
func (g *Graph) TopoOrder() []int { return g.order }

// Value looks up a value slot by name.
func (g *Graph) Value(name string) (*Value, bool) {
	v, ok := g.values[name]
	return v, ok
}

// InputNames returns graph input names in declared order (initializer-backed
// inputs excluded).
func (g *Graph) InputNames() []string { return append([]string(nil), g.inputs...) }

// OutputNames returns graph output names in declared order.
func (g *Graph) OutputNames() []string { return append([]string(nil), g.outputs...) }

// Initializer returns the constant tensor backing a value, if any.
func (g *Graph) Initializer(name string) (*tensor.Tensor, bool) {
	t, ok := g.initializers[name]
	return t, ok
}

// Initializers returns the full constant table. Session-lifetime ownership.
func (g *Graph) Initializers() map[string]*tensor.Tensor { return g.initializers }

// Metadata returns model metadata (producer, domain, custom props).
func (g *Graph) Metadata() map[string]string { return g.metadata }

// Finalize freezes the graph. Mutating rewrites must run before this.
func (g *Graph) Finalize() { g.finalized = true }

func (g *Graph) mustMutable() {
	if g.finalized {
		panic("graph: mutation after Finalize")
	}
}
