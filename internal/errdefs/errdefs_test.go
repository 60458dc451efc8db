package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSentinelMatch(t *testing.T) {
	err := New(KindValidation, "node_b", "cycle detected")
	if !errors.Is(err, KindValidation) {
		t.Fatalf("errors.Is(err, KindValidation) = false; want true")
	}
	if errors.Is(err, KindParse) {
		t.Fatalf("errors.Is(err, KindParse) = true; want false")
	}
}

func TestWrappedKindSurvivesFmtErrorf(t *testing.T) {
	inner := New(KindKernelExecution, "matmul_0", "dimension mismatch")
	outer := fmt.Errorf("run failed: %w", inner)

	if !IsKind(outer, KindKernelExecution) {
		t.Fatalf("IsKind = false after wrapping; want true")
	}
	if got := Subject(outer); got != "matmul_0" {
		t.Fatalf("Subject = %q; want %q", got, "matmul_0")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("short buffer")
	err := Wrap(KindParse, "", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause not found in chain")
	}
	if !errors.Is(err, KindParse) {
		t.Fatalf("kind not found in chain")
	}
}

func TestErrorMessageNamesSubject(t *testing.T) {
	err := New(KindInputMismatch, "input_a", "shape [4] does not match [3]")

	got := err.Error()
	want := `input-mismatch "input_a": shape [4] does not match [3]`
	if got != want {
		t.Fatalf("Error() = %q; want %q", got, want)
	}
}

func TestKindStrings(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindParse, "parse"},
		{KindValidation, "validation"},
		{KindUnsupportedOperator, "unsupported-operator"},
		{KindPlanning, "planning"},
		{KindInputMismatch, "input-mismatch"},
		{KindKernelExecution, "kernel-execution"},
		{KindResource, "resource"},
		{KindCancelled, "cancelled"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("%d.String() = %q; want %q", int(tc.kind), got, tc.want)
		}
	}
}
