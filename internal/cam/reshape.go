package cam

// The kernel writes results in the even-stack physical layout: cores
// (sub-shape index) outermost, then the per-core block in row-major order.
// When one outer shape overhangs the other, the overhang dimensions end up
// folded into a row axis and have to be moved back in front of the
// sub-shape dimensions to restore the logical broadcast shape. Three
// mutually exclusive cases, resolved from the Analysis relation:
//
//  1. equal outer shapes: the buffer already is the logical layout.
//  2. inputs oversize cam: the overhang was folded into the input rows, so
//     the per-core block factors as (overhang..., inputRows[, camRows]).
//  3. cam oversizes inputs: the overhang was folded into the cam rows, so
//     the per-core block factors as (inputRows, overhang...[, camRows]).
//
// In both non-trivial cases the fix is a pure index relabeling: reinterpret
// the flat buffer under the factored shape, then permute the overhang block
// in front of the sub shape while the trailing row axes keep their order.
// Reductions carry no camRows axis; the same permutations apply without it.

// reshapeResults rearranges the kernel-ordered buffer of results into the
// final logical shape. The stack's shape is already the final one; only the
// data order changes. Cases 2 and 3 materialize one copy.
func reshapeResults(results *Stack, a Analysis, inputRows, camRows int, reduction bool) *Stack {
	if a.Relation == RelEqual {
		return results
	}

	k := len(a.Sub)
	var phys Shape
	var perm []int

	switch a.Relation {
	case RelInputsSuperset:
		ov := a.InputsOverhang
		h := len(ov)
		phys = append(append(a.Sub.Clone(), ov...), inputRows)
		if !reduction {
			phys = append(phys, camRows)
		}
		// overhang first, then sub, row axes stay trailing
		perm = seq(k, k+h)
		perm = append(perm, seq(0, k)...)
		perm = append(perm, k+h)
		if !reduction {
			perm = append(perm, k+h+1)
		}

	case RelCamSuperset:
		ov := a.CamOverhang
		h := len(ov)
		phys = append(append(a.Sub.Clone(), inputRows), ov...)
		if !reduction {
			phys = append(phys, camRows)
		}
		// overhang first, then sub, then inputRows back in front
		perm = seq(k+1, k+1+h)
		perm = append(perm, seq(0, k)...)
		perm = append(perm, k)
		if !reduction {
			perm = append(perm, k+1+h)
		}
	}

	results.data = permuteBytes(results.data, phys, perm, results.dtype.Size())
	return results
}

// seq returns [lo, hi) as a slice.
func seq(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

// permuteBytes materializes the dimension permutation perm of a flat
// row-major buffer interpreted under shape. Element d of the output shape
// is shape[perm[d]].
func permuteBytes(data []byte, shape Shape, perm []int, elemSize int) []byte {
	rank := len(shape)
	srcStrides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		srcStrides[i] = stride
		stride *= shape[i]
	}

	outShape := make([]int, rank)
	// stride (in source elements) to advance when output dim d increments
	outStrides := make([]int, rank)
	for d, p := range perm {
		outShape[d] = shape[p]
		outStrides[d] = srcStrides[p]
	}

	total := Shape(outShape).Product()
	out := make([]byte, total*elemSize)
	coord := make([]int, rank)
	src := 0
	for i := 0; i < total; i++ {
		copy(out[i*elemSize:(i+1)*elemSize], data[src*elemSize:(src+1)*elemSize])

		// odometer increment over the output coordinate, tracking the
		// source offset incrementally
		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			src += outStrides[d]
			if coord[d] < outShape[d] {
				break
			}
			coord[d] = 0
			src -= outShape[d] * outStrides[d]
		}
	}
	return out
}
