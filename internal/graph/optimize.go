package graph

import (
	"errors"
	"fmt"

	"github.com/example/gonnx/internal/tensor"
)

// Folder evaluates one node whose inputs are all constants. The session wires
// the CPU provider in here so constant folding reuses the real kernels.
type Folder interface {
	Fold(n *Node, inputs []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// ErrCannotFold is returned by a Folder for nodes it has no kernel for; the
// node is simply left in place.
var ErrCannotFold = errors.New("graph: node cannot be folded")

// Optimize runs the rewrite catalog selected by level. Rewrites preserve the
// graph's external input/output contract; a rewrite that produces an invalid
// graph is an implementation defect and panics.
func Optimize(g *Graph, level OptLevel, folder Folder) {
	g.mustMutable()
	if level == OptNone {
		return
	}

	eliminateIdentity(g)
	if level >= OptExtended && folder != nil {
		foldConstants(g, folder)
	}
	if level >= OptExtended {
		eliminateDeadNodes(g)
	}

	rebuild(g)
}

// eliminateIdentity rewires consumers of Identity outputs to read the input
// directly. Identity nodes feeding a graph output keep their name visible and
// are left alone.
func eliminateIdentity(g *Graph) {
	for _, node := range g.nodes {
		if node == nil || node.OpType != "Identity" || (node.Domain != "" && node.Domain != "ai.onnx") {
			continue
		}
		in, out := node.Inputs[0], node.Outputs[0]
		if in == "" || g.values[out].IsOutput {
			continue
		}

		for _, other := range g.nodes {
			if other == nil || other == node {
				continue
			}
			for i, name := range other.Inputs {
				if name == out {
					other.Inputs[i] = in
				}
			}
		}
		delete(g.values, out)
		g.nodes[node.Index] = nil
	}
}

// foldConstants evaluates nodes whose inputs are all initializers and
// replaces their outputs with initializers.
func foldConstants(g *Graph, folder Folder) {
	for _, node := range g.nodes {
		if node == nil {
			continue
		}

		inputs := make([]*tensor.Tensor, 0, len(node.Inputs))
		constant := true
		for _, in := range node.Inputs {
			if in == "" {
				constant = false
				break
			}
			t, ok := g.initializers[in]
			if !ok {
				constant = false
				break
			}
			inputs = append(inputs, t)
		}
		if !constant || len(node.Outputs) == 0 {
			continue
		}

		outs, err := folder.Fold(node, inputs)
		if err != nil {
			// ErrCannotFold and kernel failures both leave the node for
			// runtime, where failures are properly attributed.
			continue
		}
		if len(outs) != len(node.Outputs) {
			panic(fmt.Sprintf("graph: folding %s produced %d outputs, node declares %d", node.Name, len(outs), len(node.Outputs)))
		}

		for i, name := range node.Outputs {
			if name == "" {
				continue
			}
			t := outs[i]
			t.SetOwner(tensor.OwnedBySession)
			g.initializers[name] = t
			v := g.values[name]
			v.Kind = ValueInitializer
			v.Producer = -1
			v.DType = t.DType()
			v.Shape = append([]int64{}, t.Shape()...)
		}
		g.nodes[node.Index] = nil
	}
}

// eliminateDeadNodes removes nodes none of whose outputs are read or
// exported. Runs to a fixpoint so chains die in one call.
func eliminateDeadNodes(g *Graph) {
	for {
		refs := make(map[string]int, len(g.values))
		for _, node := range g.nodes {
			if node == nil {
				continue
			}
			for _, in := range node.Inputs {
				if in != "" {
					refs[in]++
				}
			}
		}

		removed := false
		for _, node := range g.nodes {
			if node == nil {
				continue
			}
			dead := true
			for _, out := range node.Outputs {
				if out == "" {
					continue
				}
				if refs[out] > 0 || g.values[out].IsOutput {
					dead = false
					break
				}
			}
			if !dead {
				continue
			}
			for _, out := range node.Outputs {
				delete(g.values, out)
			}
			g.nodes[node.Index] = nil
			removed = true
		}
		if !removed {
			return
		}
	}
}

// rebuild compacts the node list, renumbers indices, recomputes producer and
// consumer edges and re-checks acyclicity. Rewrites must leave the graph
// valid; anything else is an internal defect.
func rebuild(g *Graph) {
	kept := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node != nil {
			kept = append(kept, node)
		}
	}
	g.nodes = kept

	for _, v := range g.values {
		v.Consumers = nil
		if v.Kind == ValueInternal {
			v.Producer = -1
		}
	}
	for i, node := range g.nodes {
		node.Index = i
		for _, out := range node.Outputs {
			if out == "" {
				continue
			}
			v, ok := g.values[out]
			if !ok {
				panic(fmt.Sprintf("graph: rewrite dropped value %q still produced by %s", out, node.Name))
			}
			v.Producer = i
		}
	}
	for _, node := range g.nodes {
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			v, ok := g.values[in]
			if !ok {
				panic(fmt.Sprintf("graph: rewrite left %s reading unknown value %q", node.Name, in))
			}
			v.Consumers = append(v.Consumers, node.Index)
		}
	}

	order, err := topoOrder(g)
	if err != nil {
		panic(fmt.Sprintf("graph: rewrite produced an invalid graph: %v", err))
	}
	g.order = order
}
