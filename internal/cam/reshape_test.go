package cam

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermuteBytes_Transpose(t *testing.T) {
	// (2,3) -> (3,2)
	data := float32Bytes([]float32{0, 1, 2, 3, 4, 5})
	out := permuteBytes(data, Shape{2, 3}, []int{1, 0}, 4)

	got := unsafeFloat32s(out)
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, got)
}

func TestPermuteBytes_Identity(t *testing.T) {
	data := float32Bytes([]float32{7, 8, 9, 10})
	out := permuteBytes(data, Shape{2, 2}, []int{0, 1}, 4)
	assert.Equal(t, data, out)
}

// naivePermute recomputes the source offset from scratch for every output
// element; the incremental odometer in permuteBytes must agree with it.
func naivePermute(data []byte, shape Shape, perm []int, elemSize int) []byte {
	rank := len(shape)
	srcStrides := make([]int, rank)
	stride := 1
	for i := rank - 1; i >= 0; i-- {
		srcStrides[i] = stride
		stride *= shape[i]
	}
	outShape := make(Shape, rank)
	for d, p := range perm {
		outShape[d] = shape[p]
	}

	total := outShape.Product()
	out := make([]byte, total*elemSize)
	for i := 0; i < total; i++ {
		rem := i
		src := 0
		for d := rank - 1; d >= 0; d-- {
			src += (rem % outShape[d]) * srcStrides[perm[d]]
			rem /= outShape[d]
		}
		copy(out[i*elemSize:(i+1)*elemSize], data[src*elemSize:(src+1)*elemSize])
	}
	return out
}

func TestPermuteBytes_AgainstNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	cases := []struct {
		shape Shape
		perm  []int
	}{
		{Shape{4, 5}, []int{1, 0}},
		{Shape{2, 3, 4}, []int{2, 0, 1}},
		{Shape{2, 3, 4, 5}, []int{1, 0, 2, 3}},
		{Shape{3, 1, 2, 2, 4}, []int{4, 2, 0, 3, 1}},
	}
	for _, tc := range cases {
		data := make([]byte, tc.shape.Product()*4)
		rng.Read(data)
		assert.Equal(t,
			naivePermute(data, tc.shape, tc.perm, 4),
			permuteBytes(data, tc.shape, tc.perm, 4),
			"shape %v perm %v", tc.shape, tc.perm)
	}
}

func TestReshapeResults_Equal(t *testing.T) {
	a := Analyze(Shape{2}, Shape{2})
	s := NewStack(Float32, Shape{2, 3, 4})
	before := s.Bytes()
	got := reshapeResults(s, a, 3, 4, false)
	assert.Same(t, s, got)
	assert.Same(t, &before[0], &got.Bytes()[0], "equal relation should not copy")
}

func TestReshapeResults_InputsSuperset(t *testing.T) {
	// inputs outer (3,2) over cam outer (2,): sub=(2,), overhang=(3,),
	// inputRows=1, camRows=2. Kernel order per core: (overhang, rows, camRows).
	a := Analyze(Shape{3, 2}, Shape{2})
	require.Equal(t, RelInputsSuperset, a.Relation)

	iR, cR := 1, 2
	s := NewStack(Float32, Shape{3, 2, iR, cR})
	phys := s.Float32s()
	// physical index (sub s0, overhang o, i, c)
	idx := 0
	for s0 := 0; s0 < 2; s0++ {
		for o := 0; o < 3; o++ {
			for i := 0; i < iR; i++ {
				for c := 0; c < cR; c++ {
					phys[idx] = float32(1000*o + 100*s0 + 10*i + c)
					idx++
				}
			}
		}
	}

	got := reshapeResults(s, a, iR, cR, false).Float32s()
	// logical index (o, s0, i, c)
	idx = 0
	for o := 0; o < 3; o++ {
		for s0 := 0; s0 < 2; s0++ {
			for i := 0; i < iR; i++ {
				for c := 0; c < cR; c++ {
					assert.Equal(t, float32(1000*o+100*s0+10*i+c), got[idx])
					idx++
				}
			}
		}
	}
}

func TestReshapeResults_CamSuperset(t *testing.T) {
	// cam outer (4,2) over inputs outer (2,): sub=(2,), overhang=(4,),
	// inputRows=3, camRows=1. Kernel order per core: (rows, overhang, camRows).
	a := Analyze(Shape{2}, Shape{4, 2})
	require.Equal(t, RelCamSuperset, a.Relation)

	iR, cR := 3, 1
	s := NewStack(Float32, Shape{4, 2, iR, cR})
	phys := s.Float32s()
	idx := 0
	for s0 := 0; s0 < 2; s0++ {
		for i := 0; i < iR; i++ {
			for o := 0; o < 4; o++ {
				for c := 0; c < cR; c++ {
					phys[idx] = float32(1000*o + 100*s0 + 10*i + c)
					idx++
				}
			}
		}
	}

	got := reshapeResults(s, a, iR, cR, false).Float32s()
	idx = 0
	for o := 0; o < 4; o++ {
		for s0 := 0; s0 < 2; s0++ {
			for i := 0; i < iR; i++ {
				for c := 0; c < cR; c++ {
					assert.Equal(t, float32(1000*o+100*s0+10*i+c), got[idx])
					idx++
				}
			}
		}
	}
}

func TestReshapeResults_CamSupersetReduction(t *testing.T) {
	// plain inputs against a stacked CAM (5 matrices), reduced: the kernel
	// emits (inputRows, 5) per core and the logical shape is (5, inputRows).
	a := Analyze(Shape{}, Shape{5})
	require.Equal(t, RelCamSuperset, a.Relation)

	iR := 2
	s := NewStack(Float32, Shape{5, iR})
	phys := s.Float32s()
	for e := 0; e < iR; e++ {
		for o := 0; o < 5; o++ {
			phys[e*5+o] = float32(10*e + o)
		}
	}

	got := reshapeResults(s, a, iR, 4, true).Float32s()
	for o := 0; o < 5; o++ {
		for e := 0; e < iR; e++ {
			assert.Equal(t, float32(10*e+o), got[o*iR+e])
		}
	}
}

func TestReshapeResults_InputsSupersetReduction(t *testing.T) {
	// inputs outer (3,) over plain cam: kernel emits (overhang, inputRows)
	// in one core; logical shape is already (3, inputRows), so the permute
	// must be the identity relabeling.
	a := Analyze(Shape{3}, Shape{})
	require.Equal(t, RelInputsSuperset, a.Relation)

	iR := 2
	s := NewStack(Float32, Shape{3, iR})
	phys := s.Float32s()
	for i := range phys {
		phys[i] = float32(i)
	}

	got := reshapeResults(s, a, iR, 7, true).Float32s()
	for i := range got {
		assert.Equal(t, float32(i), got[i])
	}
}

func unsafeFloat32s(b []byte) []float32 {
	s := NewStack(Float32, Shape{len(b) / 4})
	copy(s.Bytes(), b)
	return s.Float32s()
}
