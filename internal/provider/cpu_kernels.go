package provider

import (
	"fmt"
	"math"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/example/gonnx/internal/onnx"
	"github.com/example/gonnx/internal/tensor"
)

// RegisterCPUKernels installs the built-in host kernel catalog into a
// registry. The default registry gets it from init; tests use private
// registries.
func RegisterCPUKernels(r *Registry) {
	r.Register("Add", "", 1, -1, CPUName, binaryKernel("Add"))
	r.Register("Sub", "", 1, -1, CPUName, binaryKernel("Sub"))
	r.Register("Mul", "", 1, -1, CPUName, binaryKernel("Mul"))
	r.Register("Div", "", 1, -1, CPUName, binaryKernel("Div"))
	r.Register("Relu", "", 1, -1, CPUName, unaryKernel(func(x float64) float64 { return math.Max(x, 0) }))
	r.Register("Sigmoid", "", 1, -1, CPUName, unaryKernel(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }))
	r.Register("Exp", "", 1, -1, CPUName, unaryKernel(math.Exp))
	r.Register("Neg", "", 1, -1, CPUName, unaryKernel(func(x float64) float64 { return -x }))
	r.Register("Softmax", "", 1, -1, CPUName, softmaxKernel)
	r.Register("Identity", "", 1, -1, CPUName, copyKernel)
	r.Register("Reshape", "", 5, -1, CPUName, copyKernel)
	r.Register("MatMul", "", 1, -1, CPUName, matMulKernel)
	r.Register("Transpose", "", 1, -1, CPUName, transposeKernel)
	r.Register("Concat", "", 4, -1, CPUName, concatKernel)
	r.Register("Cast", "", 6, -1, CPUName, castKernel)
}

func kernelErr(ctx *ExecContext, format string, args ...any) error {
	return fmt.Errorf("%s %s: %s", ctx.Node.OpType, ctx.Node.Name, fmt.Sprintf(format, args...))
}

// binaryKernel implements the broadcasting elementwise arithmetic ops for
// float32, float64 and int64 operands.
func binaryKernel(op string) Kernel {
	return func(ctx *ExecContext) error {
		a, b, out := ctx.Inputs[0], ctx.Inputs[1], ctx.Outputs[0]
		if a.DType() != b.DType() {
			return kernelErr(ctx, "operand dtypes differ: %s vs %s", a.DType(), b.DType())
		}

		switch a.DType() {
		case tensor.DTypeFloat32:
			ad := a.Raw().([]float32)
			bd := b.Raw().([]float32)
			od := out.Raw().([]float32)
			var fn func(x, y float32) float32
			switch op {
			case "Add":
				fn = func(x, y float32) float32 { return x + y }
			case "Sub":
				fn = func(x, y float32) float32 { return x - y }
			case "Mul":
				fn = func(x, y float32) float32 { return x * y }
			case "Div":
				fn = func(x, y float32) float32 { return x / y }
			}
			tensor.BroadcastOffsets(a.Shape(), b.Shape(), out.Shape(), func(i int, aOff, bOff int64) {
				od[i] = fn(ad[aOff], bd[bOff])
			})
		case tensor.DTypeFloat64:
			ad := a.Raw().([]float64)
			bd := b.Raw().([]float64)
			od := out.Raw().([]float64)
			var fn func(x, y float64) float64
			switch op {
			case "Add":
				fn = func(x, y float64) float64 { return x + y }
			case "Sub":
				fn = func(x, y float64) float64 { return x - y }
			case "Mul":
				fn = func(x, y float64) float64 { return x * y }
			case "Div":
				fn = func(x, y float64) float64 { return x / y }
			}
			tensor.BroadcastOffsets(a.Shape(), b.Shape(), out.Shape(), func(i int, aOff, bOff int64) {
				od[i] = fn(ad[aOff], bd[bOff])
			})
		case tensor.DTypeInt64:
			ad := a.Raw().([]int64)
			bd := b.Raw().([]int64)
			od := out.Raw().([]int64)
			var err error
			var fn func(x, y int64) int64
			switch op {
			case "Add":
				fn = func(x, y int64) int64 { return x + y }
			case "Sub":
				fn = func(x, y int64) int64 { return x - y }
			case "Mul":
				fn = func(x, y int64) int64 { return x * y }
			case "Div":
				fn = func(x, y int64) int64 {
					if y == 0 {
						err = kernelErr(ctx, "integer division by zero")
						return 0
					}
					return x / y
				}
			}
			tensor.BroadcastOffsets(a.Shape(), b.Shape(), out.Shape(), func(i int, aOff, bOff int64) {
				od[i] = fn(ad[aOff], bd[bOff])
			})
			if err != nil {
				return err
			}
		default:
			return kernelErr(ctx, "unsupported dtype %s", a.DType())
		}
		return nil
	}
}

func unaryKernel(fn func(float64) float64) Kernel {
	return func(ctx *ExecContext) error {
		in, out := ctx.Inputs[0], ctx.Outputs[0]
		switch in.DType() {
		case tensor.DTypeFloat32:
			id := in.Raw().([]float32)
			od := out.Raw().([]float32)
			for i, v := range id {
				od[i] = float32(fn(float64(v)))
			}
		case tensor.DTypeFloat64:
			id := in.Raw().([]float64)
			od := out.Raw().([]float64)
			for i, v := range id {
				od[i] = fn(v)
			}
		default:
			return kernelErr(ctx, "unsupported dtype %s", in.DType())
		}
		return nil
	}
}

func softmaxKernel(ctx *ExecContext) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	if in.DType() != tensor.DTypeFloat32 {
		return kernelErr(ctx, "unsupported dtype %s", in.DType())
	}

	shape := in.Shape()
	rank := len(shape)
	axis := ctx.Node.AttrInt("axis", -1)
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return kernelErr(ctx, "axis %d out of range for rank %d", ctx.Node.AttrInt("axis", -1), rank)
	}

	id := in.Raw().([]float32)
	od := out.Raw().([]float32)

	inner := int64(1)
	for d := axis + 1; d < int64(rank); d++ {
		inner *= shape[d]
	}
	n := shape[axis]
	outer := int64(len(id))
	if n*inner > 0 {
		outer = int64(len(id)) / (n * inner)
	}

	for o := int64(0); o < outer; o++ {
		for i := int64(0); i < inner; i++ {
			base := o*n*inner + i
			max := float32(math.Inf(-1))
			for j := int64(0); j < n; j++ {
				if v := id[base+j*inner]; v > max {
					max = v
				}
			}
			var sum float32
			for j := int64(0); j < n; j++ {
				e := float32(math.Exp(float64(id[base+j*inner] - max)))
				od[base+j*inner] = e
				sum += e
			}
			for j := int64(0); j < n; j++ {
				od[base+j*inner] /= sum
			}
		}
	}
	return nil
}

// copyKernel serves Identity and Reshape: same elements, possibly new shape.
func copyKernel(ctx *ExecContext) error {
	return copyElems(ctx.Outputs[0], 0, ctx.Inputs[0], 0, ctx.Inputs[0].NumElements())
}

func matMulKernel(ctx *ExecContext) error {
	a, b, out := ctx.Inputs[0], ctx.Inputs[1], ctx.Outputs[0]
	if a.DType() != tensor.DTypeFloat32 || b.DType() != tensor.DTypeFloat32 {
		return kernelErr(ctx, "unsupported dtypes %s x %s", a.DType(), b.DType())
	}
	aShape, bShape, oShape := a.Shape(), b.Shape(), out.Shape()
	if len(aShape) < 2 || len(bShape) < 2 {
		return kernelErr(ctx, "rank %d x %d inputs", len(aShape), len(bShape))
	}

	m := aShape[len(aShape)-2]
	k := aShape[len(aShape)-1]
	n := bShape[len(bShape)-1]
	if bShape[len(bShape)-2] != k {
		return kernelErr(ctx, "inner dimensions disagree: %v x %v", aShape, bShape)
	}

	ad := a.Raw().([]float32)
	bd := b.Raw().([]float32)
	od := out.Raw().([]float32)

	batch := int64(1)
	for _, d := range oShape[:len(oShape)-2] {
		batch *= d
	}
	aBatch := int64(1)
	for _, d := range aShape[:len(aShape)-2] {
		aBatch *= d
	}
	bBatch := int64(1)
	for _, d := range bShape[:len(bShape)-2] {
		bBatch *= d
	}

	var g errgroup.Group
	threads := ctx.Threads
	if threads <= 0 {
		threads = 1
	}
	g.SetLimit(threads)

	for bi := int64(0); bi < batch; bi++ {
		// Degenerate batch dims broadcast: a single-batch operand is reused.
		aBase := (bi % aBatch) * m * k
		bBase := (bi % bBatch) * k * n
		oBase := bi * m * n
		for i := int64(0); i < m; i++ {
			aRow := aBase + i*k
			oRow := oBase + i*n
			g.Go(func() error {
				for j := int64(0); j < n; j++ {
					var acc float32
					for kk := int64(0); kk < k; kk++ {
						acc += ad[aRow+kk] * bd[bBase+kk*n+j]
					}
					od[oRow+j] = acc
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func transposeKernel(ctx *ExecContext) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]
	inShape := in.Shape()
	rank := len(inShape)

	perm := ctx.Node.AttrInts("perm")
	if perm == nil {
		perm = make([]int64, rank)
		for i := range perm {
			perm[i] = int64(rank - 1 - i)
		}
	}
	if len(perm) != rank {
		return kernelErr(ctx, "perm %v does not match rank %d", perm, rank)
	}

	inStrides := in.Strides()
	outShape := out.Shape()
	outStrides := out.Strides()
	total := in.NumElements()

	coord := make([]int64, rank)
	for i := 0; i < total; i++ {
		for d := 0; d < rank; d++ {
			if outShape[d] == 0 {
				coord[d] = 0
				continue
			}
			coord[d] = (int64(i) / outStrides[d]) % outShape[d]
		}
		var src int64
		for d := 0; d < rank; d++ {
			src += coord[d] * inStrides[perm[d]]
		}
		if err := copyElems(out, i, in, int(src), 1); err != nil {
			return err
		}
	}
	return nil
}

func concatKernel(ctx *ExecContext) error {
	out := ctx.Outputs[0]
	outShape := out.Shape()
	rank := len(outShape)

	axis := ctx.Node.AttrInt("axis", 0)
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return kernelErr(ctx, "axis %d out of range for rank %d", ctx.Node.AttrInt("axis", 0), rank)
	}

	inner := int64(1)
	for d := axis + 1; d < int64(rank); d++ {
		inner *= outShape[d]
	}
	outer := int64(1)
	for d := int64(0); d < axis; d++ {
		outer *= outShape[d]
	}

	axisOff := int64(0)
	for _, in := range ctx.Inputs {
		inAxis := in.Shape()[axis]
		blk := inAxis * inner
		for o := int64(0); o < outer; o++ {
			dst := o*outShape[axis]*inner + axisOff*inner
			src := o * blk
			if err := copyElems(out, int(dst), in, int(src), int(blk)); err != nil {
				return err
			}
		}
		axisOff += inAxis
	}
	return nil
}

func castKernel(ctx *ExecContext) error {
	in, out := ctx.Inputs[0], ctx.Outputs[0]

	to, err := onnx.DTypeFromProto(int32(ctx.Node.AttrInt("to", 0)))
	if err != nil {
		return kernelErr(ctx, "%v", err)
	}
	if to != out.DType() {
		return kernelErr(ctx, "output dtype %s does not match cast target %s", out.DType(), to)
	}

	src, err := asFloat64s(in)
	if err != nil {
		return kernelErr(ctx, "%v", err)
	}

	switch out.DType() {
	case tensor.DTypeFloat32:
		od := out.Raw().([]float32)
		for i, v := range src {
			od[i] = float32(v)
		}
	case tensor.DTypeFloat64:
		od := out.Raw().([]float64)
		copy(od, src)
	case tensor.DTypeFloat16:
		od := out.Raw().([]uint16)
		for i, v := range src {
			od[i] = float16.Fromfloat32(float32(v)).Bits()
		}
	case tensor.DTypeInt64:
		od := out.Raw().([]int64)
		for i, v := range src {
			od[i] = int64(v)
		}
	case tensor.DTypeInt32:
		od := out.Raw().([]int32)
		for i, v := range src {
			od[i] = int32(v)
		}
	case tensor.DTypeBool:
		od := out.Raw().([]bool)
		for i, v := range src {
			od[i] = v != 0
		}
	default:
		return kernelErr(ctx, "unsupported cast target %s", out.DType())
	}
	return nil
}

// asFloat64s widens any numeric tensor for casting.
func asFloat64s(t *tensor.Tensor) ([]float64, error) {
	switch d := t.Raw().(type) {
	case []float32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []float64:
		return d, nil
	case []int8:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []uint16:
		out := make([]float64, len(d))
		if t.DType() == tensor.DTypeFloat16 {
			for i, bits := range d {
				out[i] = float64(float16.Frombits(bits).Float32())
			}
		} else {
			for i, v := range d {
				out[i] = float64(v)
			}
		}
		return out, nil
	case []uint32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []uint64:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out, nil
	case []bool:
		out := make([]float64, len(d))
		for i, v := range d {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dtype %s is not numeric", t.DType())
	}
}

// copyElems copies n elements between same-dtype tensors at element offsets.
func copyElems(dst *tensor.Tensor, dstOff int, src *tensor.Tensor, srcOff, n int) error {
	if dst.DType() != src.DType() {
		return fmt.Errorf("provider: copy between dtypes %s and %s", dst.DType(), src.DType())
	}
	switch sd := src.Raw().(type) {
	case []float32:
		copy(dst.Raw().([]float32)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []float64:
		copy(dst.Raw().([]float64)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []uint16:
		copy(dst.Raw().([]uint16)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []int8:
		copy(dst.Raw().([]int8)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []int16:
		copy(dst.Raw().([]int16)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []int32:
		copy(dst.Raw().([]int32)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []int64:
		copy(dst.Raw().([]int64)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []uint8:
		copy(dst.Raw().([]uint8)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []uint32:
		copy(dst.Raw().([]uint32)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []uint64:
		copy(dst.Raw().([]uint64)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []bool:
		copy(dst.Raw().([]bool)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	case []string:
		copy(dst.Raw().([]string)[dstOff:dstOff+n], sd[srcOff:srcOff+n])
	default:
		return fmt.Errorf("provider: unsupported buffer type %T", src.Raw())
	}
	return nil
}
