package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/gonnx/internal/config"
	"github.com/example/gonnx/internal/onnx"
)

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"inspect", "run", "serve", "health"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		setupLogger(level)
	}
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(_ *testing.T) {
	// Should not panic on invalid level.
	setupLogger("not-a-level")
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	orig := activeCfg

	t.Cleanup(func() { activeCfg = orig })

	// A zero-value config has no model path and must be rejected.
	activeCfg = config.Config{}

	_, err := requireConfig()
	if err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

// writeAddModel serializes a small a+b model to a temp file.
func writeAddModel(t *testing.T) string {
	t.Helper()

	f32 := func(name string, dims ...int64) onnx.ValueInfoProto {
		vi := onnx.ValueInfoProto{Name: name, ElemType: onnx.ProtoDataFloat, HasType: true, HasShape: true}
		for _, d := range dims {
			vi.Dims = append(vi.Dims, onnx.Dimension{Value: d})
		}
		return vi
	}
	raw := onnx.EncodeModel(&onnx.ModelProto{
		IRVersion:    8,
		ProducerName: "gonnx-test",
		OpsetImport:  []onnx.OperatorSetID{{Version: 13}},
		Graph: &onnx.GraphProto{
			Name: "add",
			Nodes: []onnx.NodeProto{{
				Name: "add_0", OpType: "Add",
				Inputs: []string{"a", "b"}, Outputs: []string{"c"},
			}},
			Inputs:  []onnx.ValueInfoProto{f32("a", 2), f32("b", 2)},
			Outputs: []onnx.ValueInfoProto{f32("c", 2)},
		},
	})

	path := filepath.Join(t.TempDir(), "add.onnx")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func TestInspectCommand(t *testing.T) {
	path := writeAddModel(t)

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"inspect", "--paths-model-path", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("inspect: %v", err)
	}

	text := out.String()
	for _, want := range []string{"graph: add", "opset: 13", "Add x1", "a float32 [2]"} {
		if !strings.Contains(text, want) {
			t.Errorf("inspect output missing %q:\n%s", want, text)
		}
	}
}

func TestRunCommand(t *testing.T) {
	path := writeAddModel(t)

	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(`{
		"a": {"dtype": "float32", "shape": [2], "data": [1, 2]},
		"b": {"dtype": "float32", "shape": [2], "data": [10, 20]}
	}`))
	root.SetArgs([]string{"run", "--paths-model-path", path})

	if err := root.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}

	var result map[string]feedTensor
	if err := json.NewDecoder(&out).Decode(&result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	c, ok := result["c"]
	if !ok {
		t.Fatalf("output missing c: %v", result)
	}
	if len(c.Data) != 2 || c.Data[0] != 11 || c.Data[1] != 22 {
		t.Errorf("c = %v; want [11 22]", c.Data)
	}
}
