package graph

import (
	"fmt"
	"strings"

	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

// Build constructs and validates a Graph from a decoded model. Structural
// problems (duplicate producers, missing producers, arity or attribute
// violations, dtype conflicts, cycles) surface as errdefs.KindValidation
// errors naming the offending node or value.
func Build(m *onnx.ModelProto) (*Graph, error) {
	g := &Graph{
		Name:         m.Graph.Name,
		Opset:        m.OpsetVersion(),
		values:       make(map[string]*Value),
		initializers: make(map[string]*tensor.Tensor),
		metadata:     m.Metadata(),
	}

	inits, nodeProtos, err := hoistConstants(m.Graph)
	if err != nil {
		return nil, err
	}

	for i := range inits {
		tp := &inits[i]
		if tp.Name == "" {
			return nil, errdefs.New(errdefs.KindValidation, "", "initializer without a name")
		}
		if _, dup := g.values[tp.Name]; dup {
			return nil, errdefs.New(errdefs.KindValidation, tp.Name, "value has multiple producers")
		}
		t, err := onnx.TensorFromProto(tp)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidation, tp.Name, err)
		}
		t.SetOwner(tensor.OwnedBySession)
		g.initializers[tp.Name] = t
		g.values[tp.Name] = &Value{
			Name:     tp.Name,
			DType:    t.DType(),
			Shape:    append([]int64{}, tp.Dims...),
			Kind:     ValueInitializer,
			Producer: -1,
		}
	}

	for _, vi := range m.Graph.Inputs {
		if vi.Name == "" {
			return nil, errdefs.New(errdefs.KindValidation, "", "graph input without a name")
		}
		if _, isInit := g.initializers[vi.Name]; isInit {
			// An initializer listed as a graph input is a constant default;
			// the caller does not have to feed it.
			continue
		}
		if _, dup := g.values[vi.Name]; dup {
			return nil, errdefs.New(errdefs.KindValidation, vi.Name, "duplicate graph input")
		}
		dtype, shape, err := valueInfoMeta(vi)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindValidation, vi.Name, err)
		}
		g.values[vi.Name] = &Value{
			Name:     vi.Name,
			DType:    dtype,
			Shape:    shape,
			Kind:     ValueInput,
			Producer: -1,
		}
		g.inputs = append(g.inputs, vi.Name)
	}

	for i := range nodeProtos {
		np := &nodeProtos[i]
		node := &Node{
			Index:   i,
			Name:    np.Name,
			OpType:  np.OpType,
			Domain:  np.Domain,
			Inputs:  append([]string(nil), np.Inputs...),
			Outputs: append([]string(nil), np.Outputs...),
			attrs:   make(map[string]onnx.AttributeProto, len(np.Attributes)),
		}
		if node.Name == "" {
			node.Name = fmt.Sprintf("%s_%d", np.OpType, i)
		}
		if node.OpType == "" {
			return nil, errdefs.New(errdefs.KindValidation, node.Name, "node has no operator type")
		}
		for _, a := range np.Attributes {
			node.attrs[a.Name] = a
		}

		if err := checkSchema(node); err != nil {
			return nil, err
		}

		for _, out := range node.Outputs {
			if out == "" {
				continue
			}
			if _, dup := g.values[out]; dup {
				return nil, errdefs.New(errdefs.KindValidation, out, "value has multiple producers")
			}
			g.values[out] = &Value{
				Name:     out,
				Kind:     ValueInternal,
				Producer: i,
			}
		}
		g.nodes = append(g.nodes, node)
	}

	for _, node := range g.nodes {
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			v, ok := g.values[in]
			if !ok {
				return nil, errdefs.New(errdefs.KindValidation, node.Name, "input %q has no producer", in)
			}
			v.Consumers = append(v.Consumers, node.Index)
		}
	}

	for _, vi := range m.Graph.Outputs {
		v, ok := g.values[vi.Name]
		if !ok {
			return nil, errdefs.New(errdefs.KindValidation, vi.Name, "graph output has no producer")
		}
		v.IsOutput = true
		g.outputs = append(g.outputs, vi.Name)
	}
	if len(g.outputs) == 0 {
		return nil, errdefs.New(errdefs.KindValidation, g.Name, "graph declares no outputs")
	}

	order, err := topoOrder(g)
	if err != nil {
		return nil, err
	}
	g.order = order

	declared := declaredMeta(m.Graph)
	if err := inferShapes(g, order, declared); err != nil {
		return nil, err
	}

	return g, nil
}

// hoistConstants turns Constant nodes into initializers before graph
// construction; they behave identically afterwards.
func hoistConstants(gp *onnx.GraphProto) ([]onnx.TensorProto, []onnx.NodeProto, error) {
	inits := append([]onnx.TensorProto(nil), gp.Initializers...)
	nodes := make([]onnx.NodeProto, 0, len(gp.Nodes))
	for _, np := range gp.Nodes {
		if np.OpType == "Constant" && (np.Domain == "" || np.Domain == "ai.onnx") {
			if len(np.Outputs) != 1 {
				return nil, nil, errdefs.New(errdefs.KindValidation, np.Name, "Constant node must have exactly one output")
			}
			tp, err := constantTensor(np)
			if err != nil {
				return nil, nil, err
			}
			tp.Name = np.Outputs[0]
			inits = append(inits, *tp)
			continue
		}
		nodes = append(nodes, np)
	}
	return inits, nodes, nil
}

// constantTensor extracts a Constant node's payload. Besides the tensor
// form it accepts the opset-12 scalar and list attribute forms
// (value_float, value_floats, value_int, value_ints, value_string,
// value_strings); any other attribute is rejected by name.
func constantTensor(np onnx.NodeProto) (*onnx.TensorProto, error) {
	for _, a := range np.Attributes {
		switch a.Name {
		case "value":
			if a.T == nil {
				return nil, errdefs.New(errdefs.KindValidation, nodeDisplayName(np), "Constant value attribute carries no tensor")
			}
			tp := *a.T
			return &tp, nil
		case "value_float":
			return &onnx.TensorProto{DataType: onnx.ProtoDataFloat, FloatData: []float32{a.F}}, nil
		case "value_floats":
			return &onnx.TensorProto{
				DataType:  onnx.ProtoDataFloat,
				Dims:      []int64{int64(len(a.Floats))},
				FloatData: append([]float32(nil), a.Floats...),
			}, nil
		case "value_int":
			return &onnx.TensorProto{DataType: onnx.ProtoDataInt64, Int64Data: []int64{a.I}}, nil
		case "value_ints":
			return &onnx.TensorProto{
				DataType:  onnx.ProtoDataInt64,
				Dims:      []int64{int64(len(a.Ints))},
				Int64Data: append([]int64(nil), a.Ints...),
			}, nil
		case "value_string":
			return &onnx.TensorProto{DataType: onnx.ProtoDataString, StringData: [][]byte{a.S}}, nil
		case "value_strings":
			return &onnx.TensorProto{
				DataType:   onnx.ProtoDataString,
				Dims:       []int64{int64(len(a.Strings))},
				StringData: append([][]byte(nil), a.Strings...),
			}, nil
		default:
			return nil, errdefs.New(errdefs.KindValidation, nodeDisplayName(np),
				"Constant node has unsupported attribute %q", a.Name)
		}
	}
	return nil, errdefs.New(errdefs.KindValidation, nodeDisplayName(np), "Constant node is missing the value attribute")
}

func nodeDisplayName(np onnx.NodeProto) string {
	if np.Name != "" {
		return np.Name
	}
	return np.OpType
}

func checkSchema(node *Node) error {
	schema, known := LookupSchema(node.Domain, node.OpType)
	if !known {
		// Unknown operators pass load and fail at partitioning, where the
		// provider set is known.
		return nil
	}

	nIn := len(node.Inputs)
	if nIn < schema.MinInputs || (schema.MaxInputs >= 0 && nIn > schema.MaxInputs) {
		return errdefs.New(errdefs.KindValidation, node.Name,
			"%s expects between %d and %d inputs, got %d", node.OpType, schema.MinInputs, schema.MaxInputs, nIn)
	}
	nOut := len(node.Outputs)
	if nOut < schema.MinOutputs || (schema.MaxOutputs >= 0 && nOut > schema.MaxOutputs) {
		return errdefs.New(errdefs.KindValidation, node.Name,
			"%s expects between %d and %d outputs, got %d", node.OpType, schema.MinOutputs, schema.MaxOutputs, nOut)
	}
	for _, req := range schema.Required {
		a, ok := node.attrs[req.Name]
		if !ok {
			return errdefs.New(errdefs.KindValidation, node.Name, "%s is missing required attribute %q", node.OpType, req.Name)
		}
		if a.Type != req.Type {
			return errdefs.New(errdefs.KindValidation, node.Name,
				"%s attribute %q has type code %d, want %d", node.OpType, req.Name, a.Type, req.Type)
		}
	}
	return nil
}

func valueInfoMeta(vi onnx.ValueInfoProto) (tensor.DType, []int64, error) {
	if !vi.HasType {
		return tensor.DTypeInvalid, nil, fmt.Errorf("value has no declared tensor type")
	}
	dtype, err := onnx.DTypeFromProto(vi.ElemType)
	if err != nil {
		return tensor.DTypeInvalid, nil, err
	}
	if !vi.HasShape {
		return dtype, nil, nil
	}
	shape := make([]int64, 0, len(vi.Dims))
	for _, d := range vi.Dims {
		if d.Param != "" {
			shape = append(shape, -1)
			continue
		}
		shape = append(shape, d.Value)
	}
	return dtype, shape, nil
}

// topoOrder verifies acyclicity and returns a valid node ordering. It scans
// in declaration order until no node becomes ready, so the result is
// deterministic. A stuck graph has a cycle, which is reported by name.
func topoOrder(g *Graph) ([]int, error) {
	order := make([]int, 0, len(g.nodes))
	done := make([]bool, len(g.nodes))
	ready := make(map[string]bool, len(g.values))
	for name, v := range g.values {
		if v.Producer < 0 {
			ready[name] = true
		}
	}

	for {
		progress := false
		for _, node := range g.nodes {
			if done[node.Index] {
				continue
			}
			ok := true
			for _, in := range node.Inputs {
				if in != "" && !ready[in] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			done[node.Index] = true
			for _, out := range node.Outputs {
				if out != "" {
					ready[out] = true
				}
			}
			order = append(order, node.Index)
			progress = true
		}
		if !progress {
			break
		}
	}

	if len(order) != len(g.nodes) {
		cycle := findCycle(g, done)
		return nil, errdefs.New(errdefs.KindValidation, cycle[0], "graph contains a cycle: %s", strings.Join(cycle, " -> "))
	}
	return order, nil
}

// findCycle walks producer edges among unfinished nodes until one repeats.
func findCycle(g *Graph, done []bool) []string {
	start := -1
	for _, node := range g.nodes {
		if !done[node.Index] {
			start = node.Index
			break
		}
	}
	if start < 0 {
		return []string{"unknown"}
	}

	seenAt := map[int]int{}
	var path []string
	cur := start
	for {
		if at, seen := seenAt[cur]; seen {
			return append(path[at:], g.nodes[cur].Name)
		}
		seenAt[cur] = len(path)
		path = append(path, g.nodes[cur].Name)

		next := -1
		for _, in := range g.nodes[cur].Inputs {
			if in == "" {
				continue
			}
			v := g.values[in]
			if v != nil && v.Producer >= 0 && !done[v.Producer] {
				next = v.Producer
				break
			}
		}
		if next < 0 {
			return append(path, "unknown")
		}
		cur = next
	}
}

func declaredMeta(gp *onnx.GraphProto) map[string]ValueMeta {
	declared := make(map[string]ValueMeta)
	for _, list := range [][]onnx.ValueInfoProto{gp.Outputs, gp.ValueInfo} {
		for _, vi := range list {
			dtype, shape, err := valueInfoMeta(vi)
			if err != nil {
				continue // declared metadata is advisory; inference fills gaps
			}
			declared[vi.Name] = ValueMeta{DType: dtype, Shape: shape}
		}
	}
	return declared
}

// inferShapes propagates dtype/shape through the graph in topological order
// and cross-checks against declared metadata. A conflict between what a
// producer emits and what a consumer (or declaration) requires is a
// validation error.
func inferShapes(g *Graph, order []int, declared map[string]ValueMeta) error {
	for _, idx := range order {
		node := g.nodes[idx]
		schema, known := LookupSchema(node.Domain, node.OpType)

		in := make([]ValueMeta, len(node.Inputs))
		for i, name := range node.Inputs {
			if name == "" {
				continue
			}
			v := g.values[name]
			in[i] = ValueMeta{DType: v.DType, Shape: v.Shape}
		}

		var out []ValueMeta
		if known && schema.Infer != nil {
			var err error
			out, err = schema.Infer(g, node, in)
			if err != nil {
				return errdefs.Wrap(errdefs.KindValidation, node.Name, err)
			}
		}

		for i, name := range node.Outputs {
			if name == "" {
				continue
			}
			v := g.values[name]
			if out != nil && i < len(out) {
				v.DType = out[i].DType
				v.Shape = out[i].Shape
			}
			if d, ok := declared[name]; ok {
				if d.DType != tensor.DTypeInvalid && v.DType != tensor.DTypeInvalid && d.DType != v.DType {
					return errdefs.New(errdefs.KindValidation, name,
						"declared dtype %s conflicts with inferred %s", d.DType, v.DType)
				}
				if v.DType == tensor.DTypeInvalid {
					v.DType = d.DType
				}
				if v.Shape == nil {
					v.Shape = d.Shape
				} else if d.Shape != nil && !shapesAgree(d.Shape, v.Shape) {
					return errdefs.New(errdefs.KindValidation, name,
						"declared shape %v conflicts with inferred %v", d.Shape, v.Shape)
				}
			}
		}
	}
	return nil
}

func shapesAgree(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] >= 0 && b[i] >= 0 && a[i] != b[i] {
			return false
		}
	}
	return true
}
