package memory

import (
	"errors"
	"testing"

	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/tensor"
)

func TestArenaReusesFreedBuffer(t *testing.T) {
	a := NewArena(tensor.CPU, 0)

	buf1, err := a.Alloc(tensor.DTypeFloat32, 16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	s1 := buf1.([]float32)
	s1[0] = 42
	a.Free(tensor.DTypeFloat32, buf1)

	buf2, err := a.Alloc(tensor.DTypeFloat32, 16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	s2 := buf2.([]float32)
	if &s1[0] != &s2[0] {
		t.Fatalf("second alloc did not reuse pooled buffer")
	}
}

func TestArenaSizeHintEnforced(t *testing.T) {
	a := NewArena(tensor.CPU, 64)

	if _, err := a.Alloc(tensor.DTypeFloat32, 8); err != nil { // 32 bytes
		t.Fatalf("alloc within budget: %v", err)
	}
	_, err := a.Alloc(tensor.DTypeFloat32, 16) // 64 more bytes, over 64 limit
	if !errors.Is(err, errdefs.KindResource) {
		t.Fatalf("err = %v; want resource kind", err)
	}
}

func TestArenaStats(t *testing.T) {
	a := NewArena(tensor.CPU, 0)

	buf, _ := a.Alloc(tensor.DTypeFloat64, 4) // 32 bytes
	st := a.Stats()
	if st.InUseBytes != 32 {
		t.Errorf("InUseBytes = %d; want 32", st.InUseBytes)
	}
	if st.HighWaterBytes != 32 {
		t.Errorf("HighWaterBytes = %d; want 32", st.HighWaterBytes)
	}

	a.Free(tensor.DTypeFloat64, buf)
	st = a.Stats()
	if st.InUseBytes != 0 {
		t.Errorf("InUseBytes after free = %d; want 0", st.InUseBytes)
	}
	if st.HighWaterBytes != 32 {
		t.Errorf("HighWaterBytes after free = %d; want 32", st.HighWaterBytes)
	}
	if st.PooledBuffers != 1 {
		t.Errorf("PooledBuffers = %d; want 1", st.PooledBuffers)
	}
}

func TestScopeReleasesEverythingOnce(t *testing.T) {
	a := NewArena(tensor.CPU, 0)
	sc := a.NewScope()

	for i := 0; i < 3; i++ {
		if _, err := sc.Alloc(tensor.DTypeFloat32, 8); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if got := a.Stats().InUseBytes; got != 96 {
		t.Fatalf("InUseBytes = %d; want 96", got)
	}

	sc.Release()
	if got := a.Stats().InUseBytes; got != 0 {
		t.Fatalf("InUseBytes after release = %d; want 0", got)
	}

	// Second release is a no-op.
	sc.Release()
	if got := a.Stats().PooledBuffers; got != 3 {
		t.Fatalf("PooledBuffers = %d; want 3 (no double free)", got)
	}
}

func TestScopeForgetTransfersOwnership(t *testing.T) {
	a := NewArena(tensor.CPU, 0)
	sc := a.NewScope()

	buf, _ := sc.Alloc(tensor.DTypeFloat32, 4)
	out := buf.([]float32)
	out[0] = 7
	sc.Forget(buf)
	sc.Release()

	// The forgotten buffer must not be recycled into the next allocation.
	buf2, _ := a.Alloc(tensor.DTypeFloat32, 4)
	s2 := buf2.([]float32)
	if len(s2) > 0 && len(out) > 0 && &s2[0] == &out[0] {
		t.Fatalf("forgotten buffer was recycled")
	}
	if out[0] != 7 {
		t.Fatalf("forgotten buffer mutated")
	}
}

func TestScopeForgetCoversEveryDType(t *testing.T) {
	dtypes := []tensor.DType{
		tensor.DTypeFloat32, tensor.DTypeFloat64, tensor.DTypeFloat16,
		tensor.DTypeInt8, tensor.DTypeInt16, tensor.DTypeInt32, tensor.DTypeInt64,
		tensor.DTypeUint8, tensor.DTypeUint16, tensor.DTypeUint32, tensor.DTypeUint64,
		tensor.DTypeBool, tensor.DTypeString,
	}
	for _, dt := range dtypes {
		a := NewArena(tensor.CPU, 0)
		sc := a.NewScope()
		buf, err := sc.Alloc(dt, 2)
		if err != nil {
			t.Fatalf("%s: alloc: %v", dt, err)
		}
		if !sc.Forget(buf) {
			t.Fatalf("%s: Forget did not find the buffer", dt)
		}
		sc.Release()
		if got := a.Stats().PooledBuffers; got != 0 {
			t.Fatalf("%s: PooledBuffers = %d; want 0 after Forget", dt, got)
		}
	}
}

func TestScopeForgetUnknownBuffer(t *testing.T) {
	a := NewArena(tensor.CPU, 0)
	sc := a.NewScope()
	if _, err := sc.Alloc(tensor.DTypeFloat32, 2); err != nil {
		t.Fatal(err)
	}

	if sc.Forget(make([]float32, 2)) {
		t.Fatal("Forget matched a buffer the scope never allocated")
	}
	sc.Release()
	if got := a.Stats().PooledBuffers; got != 1 {
		t.Fatalf("PooledBuffers = %d; want 1", got)
	}
}

func TestScopeAllocAfterRelease(t *testing.T) {
	a := NewArena(tensor.CPU, 0)
	sc := a.NewScope()
	sc.Release()

	if _, err := sc.Alloc(tensor.DTypeFloat32, 4); !errors.Is(err, errdefs.KindResource) {
		t.Fatalf("err = %v; want resource kind", err)
	}
}
