package tensor

import "fmt"

// BroadcastShapes resolves the NumPy-style broadcast result of two shapes.
// Unknown dimensions (-1) broadcast only against 1 or an equal -1.
func BroadcastShapes(a, b []int64) ([]int64, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}

	out := make([]int64, rank)
	for i := 0; i < rank; i++ {
		ad := int64(1)
		if i >= rank-len(a) {
			ad = a[i-(rank-len(a))]
		}
		bd := int64(1)
		if i >= rank-len(b) {
			bd = b[i-(rank-len(b))]
		}

		switch {
		case ad == bd:
			out[i] = ad
		case ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("tensor: shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// LeftPadShape pads a shape with leading ones up to rank.
func LeftPadShape(shape []int64, rank int) []int64 {
	if len(shape) >= rank {
		return append([]int64(nil), shape...)
	}
	out := make([]int64, rank)
	for i := range out {
		out[i] = 1
	}
	copy(out[rank-len(shape):], shape)
	return out
}

// BroadcastOffsets walks the broadcast output space, yielding for each output
// element the linear offsets into the two (padded) operands. Used by the
// elementwise CPU kernels.
func BroadcastOffsets(aShape, bShape, outShape []int64, visit func(outIdx int, aOff, bOff int64)) {
	total, _ := shapeElemCount(outShape)

	aPad := LeftPadShape(aShape, len(outShape))
	bPad := LeftPadShape(bShape, len(outShape))
	aStrides := computeStrides(aPad)
	bStrides := computeStrides(bPad)
	outStrides := computeStrides(outShape)

	coord := make([]int64, len(outShape))
	for i := 0; i < total; i++ {
		for d := range outShape {
			if outShape[d] == 0 {
				coord[d] = 0
				continue
			}
			coord[d] = (int64(i) / outStrides[d]) % outShape[d]
		}

		var aOff, bOff int64
		for d := range coord {
			ac := coord[d]
			if aPad[d] == 1 {
				ac = 0
			}
			bc := coord[d]
			if bPad[d] == 1 {
				bc = 0
			}
			aOff += ac * aStrides[d]
			bOff += bc * bStrides[d]
		}
		visit(i, aOff, bOff)
	}
}
