package provider

import (
	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/graph"
)

// Partition assigns every graph node to a provider. Providers are consulted
// in priority order; each claims the connected components of the nodes its
// capability predicate admits among those still unassigned. The first
// claimant wins a node exclusively. Any node left after all providers have
// been consulted fails with an unsupported-operator error naming the
// operator and domain.
func Partition(g *graph.Graph, providers []Provider) (map[int]Provider, error) {
	if len(providers) == 0 {
		return nil, errdefs.New(errdefs.KindUnsupportedOperator, "", "no execution providers configured")
	}

	nodes := g.Nodes()
	assignment := make(map[int]Provider, len(nodes))

	for _, p := range providers {
		capable := make(map[int]bool, len(nodes))
		for _, n := range nodes {
			if _, taken := assignment[n.Index]; taken {
				continue
			}
			if p.CanExecute(n, g.Opset) {
				capable[n.Index] = true
			}
		}

		// Claim whole connected components; a component is executable
		// end-to-end on this provider without host synchronization in
		// between.
		for _, n := range nodes {
			if !capable[n.Index] {
				continue
			}
			for _, idx := range component(g, n.Index, capable) {
				assignment[idx] = p
				delete(capable, idx)
			}
		}
	}

	for _, n := range nodes {
		if _, ok := assignment[n.Index]; !ok {
			domain := n.Domain
			if domain == "" {
				domain = "ai.onnx"
			}
			return nil, errdefs.New(errdefs.KindUnsupportedOperator, n.Name,
				"no execution provider supports operator %s (domain %s)", n.OpType, domain)
		}
	}
	return assignment, nil
}

// component walks value edges among capable nodes, collecting the connected
// component containing start in deterministic (stack DFS, declaration-biased)
// order.
func component(g *graph.Graph, start int, capable map[int]bool) []int {
	var out []int
	seen := map[int]bool{start: true}
	stack := []int{start}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, idx)

		node := g.Node(idx)
		var neighbors []int
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			if v, ok := g.Value(in); ok && v.Producer >= 0 && capable[v.Producer] {
				neighbors = append(neighbors, v.Producer)
			}
		}
		for _, outName := range node.Outputs {
			if outName == "" {
				continue
			}
			if v, ok := g.Value(outName); ok {
				for _, c := range v.Consumers {
					if capable[c] {
						neighbors = append(neighbors, c)
					}
				}
			}
		}
		for _, nb := range neighbors {
			if !seen[nb] {
				seen[nb] = true
				stack = append(stack, nb)
			}
		}
	}
	return out
}
