package simd

// Row comparison primitives for the CAM kernels. These are the innermost
// loops of every dispatch, kept branch-light and free of allocations.
//
// NaN is the wildcard encoding: a NaN TCAM cell matches any input value,
// and a NaN ACAM bound leaves that side of the range open. NaN is detected
// with x != x to avoid the math.IsNaN call in the hot path.

// TCAMMatchRow reports whether every input value matches the corresponding
// TCAM cell. A cell matches when it is NaN or equal to the input value.
func TCAMMatchRow(input, cam []float32) bool {
	for i, v := range input {
		c := cam[i]
		if c == c && c != v {
			return false
		}
	}
	return true
}

// TCAMMismatches counts the input columns that fail to match their TCAM cell.
func TCAMMismatches(input, cam []float32) int {
	n := 0
	i := 0
	for ; i <= len(input)-4; i += 4 {
		n += tcamMiss(input[i], cam[i])
		n += tcamMiss(input[i+1], cam[i+1])
		n += tcamMiss(input[i+2], cam[i+2])
		n += tcamMiss(input[i+3], cam[i+3])
	}
	for ; i < len(input); i++ {
		n += tcamMiss(input[i], cam[i])
	}
	return n
}

func tcamMiss(v, c float32) int {
	if c == c && c != v {
		return 1
	}
	return 0
}

// ACAMMatchRow reports whether every input value falls inside the
// corresponding ACAM range cell. cam holds interleaved (low, high) pairs,
// so len(cam) == 2*len(input).
func ACAMMatchRow(input, cam []float32) bool {
	for i, v := range input {
		lo, hi := cam[2*i], cam[2*i+1]
		if lo == lo && v < lo {
			return false
		}
		if hi == hi && v > hi {
			return false
		}
	}
	return true
}

// ACAMMismatches counts the input columns outside their ACAM range cell.
func ACAMMismatches(input, cam []float32) int {
	n := 0
	for i, v := range input {
		lo, hi := cam[2*i], cam[2*i+1]
		if (lo == lo && v < lo) || (hi == hi && v > hi) {
			n++
		}
	}
	return n
}
