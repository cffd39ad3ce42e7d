package cam

// Buffer is a flat device-resident array. Bytes returns the host view for
// host-memory devices and nil when the data lives on an accelerator;
// kernels type-assert buffers to their own concrete types.
type Buffer interface {
	// ByteLen returns the buffer length in bytes.
	ByteLen() int

	// Bytes returns the underlying bytes if host-visible (nil if on GPU).
	Bytes() []byte

	// ToHost copies the buffer contents into dst.
	ToHost(dst []byte) error
}

// Device allocates buffers and hands out kernel handles. Kernel handles are
// cached per (variant, op) by the implementation.
type Device interface {
	Name() string

	// NewBuffer allocates a zero-initialized buffer of n elements.
	NewBuffer(dtype DType, n int) (Buffer, error)

	// Upload copies host bytes into a new device buffer.
	Upload(data []byte) (Buffer, error)

	// Kernel returns the kernel handle for the given variant and op.
	Kernel(variant Variant, op Op) (Kernel, error)
}

// Kernel is one compiled CAM kernel.
type Kernel interface {
	// Device returns the device the kernel is compiled for.
	Device() Device

	// MaxThreadsPerBlock is the device-reported block size limit.
	MaxThreadsPerBlock() int

	// Launch runs the kernel with the given geometry. The kernel mutates
	// args.Results in place using the even-stack physical layout and
	// performs no shape interpretation of its own.
	Launch(grid, block Dim3, args Args) error
}

// Args is the kernel argument bundle. Row counts are effective, i.e.
// already stretched by the overhang factors; ReductionValues is nil unless
// the op is a reduction.
type Args struct {
	Inputs Buffer
	Cam    Buffer

	// Columns is the logical column count shared by both operands.
	Columns int

	// InputRows and CamRows are the effective per-core row counts.
	InputRows int
	CamRows   int

	Results Buffer

	ReductionValues Buffer
}
