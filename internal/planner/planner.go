// Package planner turns a finalized graph and a provider assignment into an
// execution plan: a deterministic step sequence with cross-provider transfer
// steps spliced in, plus a buffer slot assignment that lets non-overlapping
// intermediate values share allocations.
package planner

import (
	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/provider"
	"github.com/example/gonnx/internal/tensor"
)

// StepKind discriminates plan steps.
type StepKind int

const (
	// StepKernel runs one node's kernel on its assigned provider.
	StepKernel StepKind = iota
	// StepTransfer stages one value on a consumer's device before use.
	StepTransfer
)

func (k StepKind) String() string {
	switch k {
	case StepKernel:
		return "kernel"
	case StepTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Step is one unit of work during a run.
type Step struct {
	Kind StepKind

	// Kernel steps.
	Node     int // graph node index
	Provider provider.Provider

	// Transfer steps.
	Value string
	From  provider.Provider // nil: value lives on the host (input or initializer)
	To    provider.Provider
}

// Slot is a reusable buffer class. Every intermediate value is mapped to a
// slot; values mapped to the same slot have disjoint lifetimes and identical
// dtype, element count and device, so one allocation can back them all.
type Slot struct {
	DType  tensor.DType
	Elems  int
	Device tensor.Device
}

// Plan is the immutable execution schedule for one loaded model. It is
// computed once at session creation and shared by concurrent runs.
type Plan struct {
	Steps []Step
	Slots []Slot

	// SlotOf maps intermediate value names to Slots indices. Graph inputs,
	// outputs and initializers are absent: their buffers are never pooled.
	SlotOf map[string]int
}

// Build lays out the plan for g under the given node-to-provider assignment.
// Nodes are scheduled in the graph's topological order, so a model whose
// nodes are declared out of dependency order still runs producers first; the
// ordering is deterministic for a given model.
func Build(g *graph.Graph, assignment map[int]provider.Provider) (*Plan, error) {
	nodes := make([]*graph.Node, 0, len(g.TopoOrder()))
	for _, idx := range g.TopoOrder() {
		nodes = append(nodes, g.Node(idx))
	}

	p := &Plan{SlotOf: make(map[string]int)}

	// Track staging so a value consumed by two nodes on the same provider is
	// transferred once, not once per consumer.
	staged := make(map[string]map[string]bool) // value -> provider name -> staged

	producerStep := make(map[string]int)
	lastUseStep := make(map[string]int)

	for _, n := range nodes {
		prov, ok := assignment[n.Index]
		if !ok {
			return nil, errdefs.New(errdefs.KindPlanning, n.Name, "node has no provider assignment")
		}

		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			v, ok := g.Value(in)
			if !ok {
				return nil, errdefs.New(errdefs.KindPlanning, n.Name, "input %q is not a graph value", in)
			}

			var srcProv provider.Provider
			if v.Producer >= 0 {
				srcProv = assignment[v.Producer]
			}
			if needsTransfer(srcProv, prov) && !staged[in][prov.Name()] {
				p.Steps = append(p.Steps, Step{
					Kind:  StepTransfer,
					Node:  -1,
					Value: in,
					From:  srcProv,
					To:    prov,
				})
				if staged[in] == nil {
					staged[in] = make(map[string]bool)
				}
				staged[in][prov.Name()] = true
			}
			lastUseStep[in] = len(p.Steps)
		}

		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			v, ok := g.Value(out)
			if !ok {
				return nil, errdefs.New(errdefs.KindPlanning, n.Name, "output %q is not a graph value", out)
			}
			if !v.HasStaticShape() {
				return nil, errdefs.New(errdefs.KindPlanning, n.Name,
					"output %q has no static shape (%v); dynamic shapes are not plannable", out, v.Shape)
			}
			producerStep[out] = len(p.Steps)
			lastUseStep[out] = len(p.Steps)
		}

		p.Steps = append(p.Steps, Step{Kind: StepKernel, Node: n.Index, Provider: prov})
	}

	assignSlots(g, assignment, p, producerStep, lastUseStep)
	return p, nil
}

// needsTransfer reports whether a value produced by (or resident on) src must
// be staged before dst can consume it. Host values feed host providers
// directly.
func needsTransfer(src, dst provider.Provider) bool {
	srcDev := tensor.CPU
	if src != nil {
		srcDev = src.Device()
	}
	return srcDev != dst.Device()
}

// assignSlots greedily maps intermediate values to buffer slots, linear-scan
// style: a slot freed when its value's last consumer has run is reused by the
// next value of the same dtype, element count and device.
func assignSlots(g *graph.Graph, assignment map[int]provider.Provider, p *Plan, producerStep, lastUseStep map[string]int) {
	type pending struct {
		name string
		slot Slot
	}

	// Values ordered by producer step; walking nodes in plan order yields
	// exactly that order.
	var order []pending
	for _, idx := range g.TopoOrder() {
		n := g.Node(idx)
		prov := assignment[n.Index]
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			v, _ := g.Value(out)
			if v.IsOutput {
				// Run outputs are handed to the caller; their buffers must
				// survive the run and are never pooled.
				continue
			}
			elems := 1
			for _, d := range v.Shape {
				elems *= int(d)
			}
			order = append(order, pending{
				name: out,
				slot: Slot{DType: v.DType, Elems: elems, Device: prov.Device()},
			})
		}
	}

	free := make(map[Slot][]int)
	type active struct {
		name string
		slot int
	}
	var live []active

	for _, pv := range order {
		start := producerStep[pv.name]

		// Retire values whose lifetime ended before this one starts.
		kept := live[:0]
		for _, a := range live {
			if lastUseStep[a.name] < start {
				s := p.Slots[a.slot]
				free[s] = append(free[s], a.slot)
				continue
			}
			kept = append(kept, a)
		}
		live = kept

		var idx int
		if avail := free[pv.slot]; len(avail) > 0 {
			idx = avail[len(avail)-1]
			free[pv.slot] = avail[:len(avail)-1]
		} else {
			idx = len(p.Slots)
			p.Slots = append(p.Slots, pv.slot)
		}
		p.SlotOf[pv.name] = idx
		live = append(live, active{name: pv.name, slot: idx})
	}
}
