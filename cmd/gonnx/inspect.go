package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/gonnx/internal/graph"
	"github.com/example/gonnx/internal/onnx"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a model's graph contract without executing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(cfg.Paths.ModelPath)
			if err != nil {
				return fmt.Errorf("read model: %w", err)
			}
			m, err := onnx.Decode(raw)
			if err != nil {
				return err
			}
			g, err := graph.Build(m)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "graph: %s\n", g.Name)
			fmt.Fprintf(out, "opset: %d\n", g.Opset)
			if m.ProducerName != "" {
				fmt.Fprintf(out, "producer: %s %s\n", m.ProducerName, m.ProducerVersion)
			}
			fmt.Fprintf(out, "nodes: %d\n", len(g.Nodes()))
			fmt.Fprintf(out, "initializers: %d\n", len(g.Initializers()))

			fmt.Fprintln(out, "inputs:")
			for _, name := range g.InputNames() {
				v, _ := g.Value(name)
				fmt.Fprintf(out, "  %s %s %s\n", name, v.DType, formatShape(v.Shape))
			}
			fmt.Fprintln(out, "outputs:")
			for _, name := range g.OutputNames() {
				v, _ := g.Value(name)
				fmt.Fprintf(out, "  %s %s %s\n", name, v.DType, formatShape(v.Shape))
			}

			ops := make(map[string]int)
			for _, n := range g.Nodes() {
				ops[n.OpType]++
			}
			if len(ops) > 0 {
				fmt.Fprintln(out, "operators:")
				for _, op := range sortedKeys(ops) {
					fmt.Fprintf(out, "  %s x%d\n", op, ops[op])
				}
			}
			return nil
		},
	}
	return cmd
}

func formatShape(shape []int64) string {
	if shape == nil {
		return "[?]"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			parts[i] = "?"
			continue
		}
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
