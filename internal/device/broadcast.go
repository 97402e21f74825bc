package device

import "fmt"

// matMulPlan is the resolved form of a torch-style matmul: 1-D operands
// promoted to matrices and leading batch dimensions broadcast against each
// other. Both the CPU and WebGPU backends execute from the same plan.
type matMulPlan struct {
	batch   Shape // broadcast batch dims, possibly empty
	m, k, n int

	batchA Shape // operand batch dims, right-aligned to len(batch)
	batchB Shape

	outShape Shape // final shape after squeezing promoted dims
}

func (p *matMulPlan) batchElems() int { return p.batch.Elems() }

// opBatchOffset maps a flat index in the broadcast batch space to the flat
// batch index of one operand, treating size-1 operand dims as stride zero.
func opBatchOffset(batch, opBatch Shape, flat int) int {
	off := 0
	stride := 1
	// Walk dims innermost-first so operand strides accumulate naturally.
	rem := make([]int, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		rem[i] = flat % batch[i]
		flat /= batch[i]
	}
	for i := len(opBatch) - 1; i >= 0; i-- {
		if opBatch[i] != 1 {
			off += rem[i] * stride
		}
		stride *= opBatch[i]
	}
	return off
}

// broadcastBatch aligns two batch shapes right-to-left and broadcasts them.
// The returned operand shapes are padded with leading 1s to the result rank.
func broadcastBatch(a, b Shape) (out, pa, pb Shape, err error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out = make(Shape, n)
	pa = make(Shape, n)
	pb = make(Shape, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i >= n-len(a) {
			da = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			db = b[i-(n-len(b))]
		}
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, nil, nil, fmt.Errorf("%w: cannot broadcast batch dims %v and %v", ErrShapeMismatch, a, b)
		}
		pa[i] = da
		pb[i] = db
	}
	return out, pa, pb, nil
}

// resolveMatMul validates operand shapes and produces the execution plan.
func resolveMatMul(sa, sb Shape) (*matMulPlan, error) {
	ra, rb := sa.Rank(), sb.Rank()
	if ra == 0 || rb == 0 {
		return nil, fmt.Errorf("%w: matmul operands must have rank >= 1", ErrShapeMismatch)
	}

	squeezeA := ra == 1 // vector promoted to [1, k]
	squeezeB := rb == 1 // vector promoted to [k, 1]

	var m, k, n, k2 int
	var ba, bb Shape
	if squeezeA {
		m, k = 1, sa[0]
	} else {
		m, k = sa[ra-2], sa[ra-1]
		ba = sa.BatchDims()
	}
	if squeezeB {
		k2, n = sb[0], 1
	} else {
		k2, n = sb[rb-2], sb[rb-1]
		bb = sb.BatchDims()
	}

	if k != k2 {
		return nil, fmt.Errorf("%w: inner dims %d and %d (shapes %v @ %v)", ErrShapeMismatch, k, k2, sa, sb)
	}

	batch, pa, pb, err := broadcastBatch(ba, bb)
	if err != nil {
		return nil, err
	}

	out := batch.Clone()
	if !squeezeA {
		out = append(out, m)
	}
	if !squeezeB {
		out = append(out, n)
	}

	return &matMulPlan{
		batch:    batch,
		m:        m,
		k:        k,
		n:        n,
		batchA:   pa,
		batchB:   pb,
		outShape: out,
	}, nil
}
