package provider

import (
	"strings"
	"testing"
)

func noopKernel(*ExecContext) error { return nil }

func TestRegistryPicksHighestAdmissibleVersion(t *testing.T) {
	r := NewRegistry()

	var hits []string
	named := func(tag string) Kernel {
		return func(*ExecContext) error {
			hits = append(hits, tag)
			return nil
		}
	}
	r.Register("Softmax", "", 1, 12, CPUName, named("v1"))
	r.Register("Softmax", "", 13, -1, CPUName, named("v13"))

	cases := []struct {
		opset int64
		want  string
	}{
		{opset: 7, want: "v1"},
		{opset: 12, want: "v1"},
		{opset: 13, want: "v13"},
		{opset: 19, want: "v13"},
	}
	for _, tc := range cases {
		k, err := r.Lookup("Softmax", "", CPUName, tc.opset)
		if err != nil {
			t.Fatalf("Lookup(opset=%d): %v", tc.opset, err)
		}
		hits = hits[:0]
		if err := k(nil); err != nil {
			t.Fatal(err)
		}
		if len(hits) != 1 || hits[0] != tc.want {
			t.Errorf("opset %d resolved %v; want [%s]", tc.opset, hits, tc.want)
		}
	}
}

func TestRegistryClosedRangeExcludesLaterOpsets(t *testing.T) {
	r := NewRegistry()
	r.Register("Upsample", "", 7, 9, CPUName, noopKernel)

	if !r.Supports("Upsample", "", CPUName, 9) {
		t.Error("opset 9 should be admissible")
	}
	if r.Supports("Upsample", "", CPUName, 10) {
		t.Error("opset 10 should not be admissible past maxVer 9")
	}
}

func TestRegistryCanonicalizesDefaultDomain(t *testing.T) {
	r := NewRegistry()
	r.Register("Add", "ai.onnx", 1, -1, CPUName, noopKernel)

	if !r.Supports("Add", "", CPUName, 13) {
		t.Error(`empty domain should resolve kernels registered under "ai.onnx"`)
	}
	if !r.Supports("Add", "ai.onnx", CPUName, 13) {
		t.Error(`"ai.onnx" should resolve kernels registered under "ai.onnx"`)
	}
}

func TestRegistryLookupUnknownOperator(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("Frobulate", "", CPUName, 13)
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
	if !strings.Contains(err.Error(), "Frobulate") {
		t.Errorf("err = %v; want operator named", err)
	}
}

func TestDefaultRegistryHasBuiltinCatalog(t *testing.T) {
	for _, op := range []string{"Add", "Sub", "Mul", "Div", "MatMul", "Relu", "Sigmoid", "Exp", "Neg", "Softmax", "Identity", "Reshape", "Transpose", "Concat", "Cast"} {
		if !DefaultRegistry().Supports(op, "", CPUName, 13) {
			t.Errorf("no built-in cpu kernel for %s", op)
		}
	}
}
