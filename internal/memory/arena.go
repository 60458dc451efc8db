// Package memory provides per-device arena allocators. Intermediate run
// buffers come from run scopes that release everything on every exit path;
// weights and plan caches come straight from the session-lifetime arena.
package memory

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/example/gonnx/internal/errdefs"
	"github.com/example/gonnx/internal/tensor"
)

// Allocator hands out typed buffers for one device. Tensors reference their
// allocator's buffers but never own the allocator; the allocator must outlive
// every tensor it backs.
type Allocator interface {
	Alloc(dtype tensor.DType, n int) (any, error)
	Free(dtype tensor.DType, buf any)
	Device() tensor.Device
}

// Stats is a point-in-time accounting snapshot.
type Stats struct {
	InUseBytes     int64
	HighWaterBytes int64
	PooledBuffers  int
}

type poolKey struct {
	dtype tensor.DType
	n     int
}

// Arena is a pooling allocator: freed buffers are kept per (dtype, size)
// and handed back on the next matching Alloc. A size hint of 0 means
// unbounded.
type Arena struct {
	device tensor.Device
	limit  int64

	mu        sync.Mutex
	free      map[poolKey][]any
	inUse     int64
	highWater int64
	pooled    int
}

func NewArena(device tensor.Device, sizeHintBytes int64) *Arena {
	return &Arena{
		device: device,
		limit:  sizeHintBytes,
		free:   make(map[poolKey][]any),
	}
}

func (a *Arena) Device() tensor.Device { return a.device }

func (a *Arena) Alloc(dtype tensor.DType, n int) (any, error) {
	if n < 0 {
		return nil, errdefs.New(errdefs.KindResource, "", "negative allocation of %d %s elements", n, dtype)
	}
	bytes := int64(n) * int64(dtype.Size())

	a.mu.Lock()
	key := poolKey{dtype, n}
	if bufs := a.free[key]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		a.free[key] = bufs[:len(bufs)-1]
		a.pooled--
		a.inUse += bytes
		if a.inUse > a.highWater {
			a.highWater = a.inUse
		}
		a.mu.Unlock()
		return buf, nil
	}
	if a.limit > 0 && a.inUse+bytes > a.limit {
		inUse := a.inUse
		a.mu.Unlock()
		return nil, errdefs.New(errdefs.KindResource, "",
			"arena %s over budget: %d bytes in use, %d requested, %d limit", a.device, inUse, bytes, a.limit)
	}
	a.inUse += bytes
	if a.inUse > a.highWater {
		a.highWater = a.inUse
	}
	a.mu.Unlock()

	buf, err := tensor.MakeSlice(dtype, n)
	if err != nil {
		a.mu.Lock()
		a.inUse -= bytes
		a.mu.Unlock()
		return nil, errdefs.Wrap(errdefs.KindResource, "", err)
	}
	return buf, nil
}

func (a *Arena) Free(dtype tensor.DType, buf any) {
	if buf == nil {
		return
	}
	n := bufLen(buf)

	a.mu.Lock()
	defer a.mu.Unlock()
	key := poolKey{dtype, n}
	a.free[key] = append(a.free[key], buf)
	a.pooled++
	a.inUse -= int64(n) * int64(dtype.Size())
	if a.inUse < 0 {
		a.inUse = 0
	}
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{InUseBytes: a.inUse, HighWaterBytes: a.highWater, PooledBuffers: a.pooled}
}

func bufLen(buf any) int {
	switch b := buf.(type) {
	case []float32:
		return len(b)
	case []float64:
		return len(b)
	case []uint16:
		return len(b)
	case []int8:
		return len(b)
	case []int16:
		return len(b)
	case []int32:
		return len(b)
	case []int64:
		return len(b)
	case []uint8:
		return len(b)
	case []uint32:
		return len(b)
	case []uint64:
		return len(b)
	case []bool:
		return len(b)
	case []string:
		return len(b)
	default:
		panic(fmt.Sprintf("memory: unsupported buffer type %T", buf))
	}
}

type scopedBuf struct {
	dtype tensor.DType
	buf   any
}

// Scope ties allocations to one Run. Release returns every buffer to the
// backing allocator exactly once and is safe to defer on all exit paths.
type Scope struct {
	alloc Allocator

	mu       sync.Mutex
	allocs   []scopedBuf
	released bool
}

// NewScope wraps any allocator, typically a provider's arena.
func NewScope(a Allocator) *Scope {
	return &Scope{alloc: a}
}

func (a *Arena) NewScope() *Scope {
	return NewScope(a)
}

func (s *Scope) Alloc(dtype tensor.DType, n int) (any, error) {
	buf, err := s.alloc.Alloc(dtype, n)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		s.alloc.Free(dtype, buf)
		return nil, errdefs.New(errdefs.KindResource, "", "allocation from a released scope")
	}
	s.allocs = append(s.allocs, scopedBuf{dtype, buf})
	s.mu.Unlock()
	return buf, nil
}

// Forget drops a buffer from the scope without freeing it, transferring
// ownership to the caller. Used when a run output is handed to the user.
// It reports whether the buffer was found; on false, ownership stays with
// the scope and the buffer is freed at Release.
func (s *Scope) Forget(buf any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.allocs {
		if sameBuf(s.allocs[i].buf, buf) {
			s.allocs = append(s.allocs[:i], s.allocs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	allocs := s.allocs
	s.allocs = nil
	s.mu.Unlock()

	for _, a := range allocs {
		s.alloc.Free(a.dtype, a.buf)
	}
}

// sameBuf reports whether a and b are the same slice allocation, compared
// by dynamic type and data pointer so every dtype MakeSlice can produce is
// covered. Zero-length slices have no distinct data pointer and never match.
func sameBuf(a, b any) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Kind() != reflect.Slice || bv.Kind() != reflect.Slice {
		return false
	}
	if av.Type() != bv.Type() || av.Len() == 0 || bv.Len() == 0 {
		return false
	}
	return av.Pointer() == bv.Pointer()
}
