package cam

import (
	"fmt"
	"unsafe"
)

// Stack is a stack of matrices: the trailing two dimensions are
// (rows, columns), everything in front of them is the outer shape. Data is
// stored flat and row-major on the host; a device copy is created lazily
// and kept, so repeated dispatches against the same device do not
// re-transfer.
type Stack struct {
	shape Shape
	dtype DType
	data  []byte

	// cached device residency
	dev Device
	buf Buffer
}

// NewStack allocates a zero-initialized stack.
func NewStack(dtype DType, shape Shape) *Stack {
	return &Stack{
		shape: shape.Clone(),
		dtype: dtype,
		data:  make([]byte, shape.Product()*dtype.Size()),
	}
}

// FromFloat32 wraps float32 host data as a stack. The data is copied.
func FromFloat32(shape Shape, data []float32) (*Stack, error) {
	if len(data) != shape.Product() {
		return nil, fmt.Errorf("cam: %d values do not fill shape %v (%d elements)",
			len(data), shape, shape.Product())
	}
	s := NewStack(Float32, shape)
	copy(s.Float32s(), data)
	return s, nil
}

func (s *Stack) Shape() Shape { return s.shape }
func (s *Stack) DType() DType { return s.dtype }
func (s *Stack) Rank() int    { return len(s.shape) }

// Len returns the element count.
func (s *Stack) Len() int { return len(s.data) / s.dtype.Size() }

// Dim returns the size of dimension i; negative i counts from the end.
func (s *Stack) Dim(i int) int {
	if i < 0 {
		i += len(s.shape)
	}
	return s.shape[i]
}

// OuterShape returns the batch dimensions, excluding the trailing
// (rows, columns) pair.
func (s *Stack) OuterShape() Shape {
	return s.shape[:len(s.shape)-2].Clone()
}

// Rows returns the per-matrix row count.
func (s *Stack) Rows() int { return s.Dim(-2) }

// Cols returns the per-matrix column count (physical, i.e. already
// multiplied by the cell encoding width for CAM stacks).
func (s *Stack) Cols() int { return s.Dim(-1) }

// Bytes returns the raw host data.
func (s *Stack) Bytes() []byte { return s.data }

// Float32s returns the host data as a float32 view. Panics on other dtypes.
func (s *Stack) Float32s() []float32 {
	if s.dtype != Float32 {
		panic(fmt.Sprintf("cam: float32 view of %s stack", s.dtype))
	}
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&s.data[0])), s.Len())
}

// Int32s returns the host data as an int32 view. Panics on other dtypes.
func (s *Stack) Int32s() []int32 {
	if s.dtype != Int32 {
		panic(fmt.Sprintf("cam: int32 view of %s stack", s.dtype))
	}
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&s.data[0])), s.Len())
}

// Uint8s returns the host data as a uint8 view. Panics on other dtypes.
func (s *Stack) Uint8s() []uint8 {
	if s.dtype != Uint8 {
		panic(fmt.Sprintf("cam: uint8 view of %s stack", s.dtype))
	}
	return s.data
}

// ValueAt returns element i of the flat data widened to float64, for
// dtype-agnostic reads.
func (s *Stack) ValueAt(i int) float64 {
	switch s.dtype {
	case Float32:
		return float64(s.Float32s()[i])
	case Int32:
		return float64(s.Int32s()[i])
	case Uint8:
		return float64(s.data[i])
	default:
		panic(fmt.Sprintf("cam: unknown dtype %d", s.dtype))
	}
}

// EnsureResident uploads the flat host data to dev and returns the device
// buffer. The upload is idempotent: repeated calls against the same device
// return the cached buffer without transferring again. Switching devices
// replaces the cached copy.
func (s *Stack) EnsureResident(dev Device) (Buffer, error) {
	if s.buf != nil && s.dev == dev {
		return s.buf, nil
	}
	buf, err := dev.Upload(s.data)
	if err != nil {
		return nil, fmt.Errorf("cam: uploading %v stack to %s: %w", s.shape, dev.Name(), err)
	}
	s.dev = dev
	s.buf = buf
	return buf, nil
}
