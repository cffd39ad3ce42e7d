package device

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-quiver/internal/cam"
	"github.com/23skdu/longbow-quiver/internal/simd"
)

// ensure interface compliance
var _ cam.Device = (*CPU)(nil)
var _ cam.Buffer = (*hostBuffer)(nil)
var _ cam.Kernel = (*cpuKernel)(nil)

// numWorkers defines the default parallelism for CPU kernel execution
var numWorkers = runtime.NumCPU()

// cpuMaxThreadsPerBlock mirrors a common GPU block limit so the launch
// geometry is derived identically on the reference device.
const cpuMaxThreadsPerBlock = 1024

// CPU is the host reference device. Its kernels implement the even-stack
// contract exactly: per core one contiguous block of effective input rows
// is compared against one contiguous block of effective CAM rows.
type CPU struct {
	kernels *kernelCache
}

func NewCPU() *CPU {
	return &CPU{kernels: newKernelCache()}
}

func (d *CPU) Name() string {
	return "CPU"
}

func (d *CPU) NewBuffer(dtype cam.DType, n int) (cam.Buffer, error) {
	return &hostBuffer{data: make([]byte, n*dtype.Size()), dtype: dtype}, nil
}

func (d *CPU) Upload(data []byte) (cam.Buffer, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &hostBuffer{data: buf, dtype: cam.Float32}, nil
}

func (d *CPU) Kernel(variant cam.Variant, op cam.Op) (cam.Kernel, error) {
	switch variant {
	case cam.VariantTCAM, cam.VariantACAM:
	default:
		return nil, fmt.Errorf("device: unknown variant %d", int(variant))
	}
	switch op {
	case cam.OpMatch, cam.OpCountMismatches, cam.OpReduceSum:
	default:
		return nil, fmt.Errorf("device: unknown op %d", int(op))
	}
	return d.kernels.GetOrCreate(variant, op, func() cam.Kernel {
		return &cpuKernel{dev: d, variant: variant, op: op}
	}), nil
}

// hostBuffer is CPU memory. The dtype is only meaningful for result
// buffers, where the kernel needs to know the element width to store into.
type hostBuffer struct {
	data  []byte
	dtype cam.DType
}

func (b *hostBuffer) ByteLen() int  { return len(b.data) }
func (b *hostBuffer) Bytes() []byte { return b.data }

func (b *hostBuffer) ToHost(dst []byte) error {
	if len(dst) != len(b.data) {
		return fmt.Errorf("device: copying %d buffer bytes into %d", len(b.data), len(dst))
	}
	copy(dst, b.data)
	return nil
}

func (b *hostBuffer) float32s() []float32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// store writes v at element index i converted to the buffer's dtype.
func (b *hostBuffer) store(i int, v float64) {
	switch b.dtype {
	case cam.Float32:
		*(*float32)(unsafe.Pointer(&b.data[i*4])) = float32(v)
	case cam.Int32:
		*(*int32)(unsafe.Pointer(&b.data[i*4])) = int32(v)
	case cam.Uint8:
		b.data[i] = uint8(v)
	}
}

type cpuKernel struct {
	dev     *CPU
	variant cam.Variant
	op      cam.Op
}

func (k *cpuKernel) Device() cam.Device { return k.dev }

func (k *cpuKernel) MaxThreadsPerBlock() int { return cpuMaxThreadsPerBlock }

func (k *cpuKernel) Launch(grid, block cam.Dim3, args cam.Args) error {
	inputs, ok := args.Inputs.(*hostBuffer)
	if !ok {
		return fmt.Errorf("device: inputs buffer is not CPU-resident")
	}
	camBuf, ok := args.Cam.(*hostBuffer)
	if !ok {
		return fmt.Errorf("device: cam buffer is not CPU-resident")
	}
	results, ok := args.Results.(*hostBuffer)
	if !ok {
		return fmt.Errorf("device: results buffer is not CPU-resident")
	}

	cores := grid.Y
	effIR, effCR := args.InputRows, args.CamRows
	width := k.variant.CellEncodingWidth()
	camCols := args.Columns * width

	if grid.X*block.X < effIR*effCR {
		return fmt.Errorf("device: launch geometry %dx%d does not cover %d threads per core",
			grid.X, block.X, effIR*effCR)
	}
	if got, want := inputs.ByteLen(), cores*effIR*args.Columns*4; got != want {
		return fmt.Errorf("device: inputs buffer holds %d bytes, launch expects %d", got, want)
	}
	if got, want := camBuf.ByteLen(), cores*effCR*camCols*4; got != want {
		return fmt.Errorf("device: cam buffer holds %d bytes, launch expects %d", got, want)
	}

	in := inputs.float32s()
	cm := camBuf.float32s()

	var rv []float32
	groups := 1
	if k.op.IsReduction() {
		rvBuf, ok := args.ReductionValues.(*hostBuffer)
		if !ok || rvBuf.ByteLen() == 0 {
			return fmt.Errorf("device: reduction launch without reduction values")
		}
		rv = rvBuf.float32s()
		if effCR%len(rv) != 0 {
			return fmt.Errorf("device: %d effective cam rows not grouped by %d reduction values", effCR, len(rv))
		}
		groups = effCR / len(rv)
	}

	cellsPerCore := effIR * effCR
	if k.op.IsReduction() {
		cellsPerCore = effIR * groups
	}
	if got, want := results.ByteLen(), cores*cellsPerCore*results.dtype.Size(); got != want {
		return fmt.Errorf("device: results buffer holds %d bytes, launch expects %d", got, want)
	}

	workers := numWorkers
	if cores < workers {
		workers = cores
	}
	coresPerWorker := (cores + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startCore := w * coresPerWorker
		endCore := startCore + coresPerWorker
		if startCore >= cores {
			break
		}
		if endCore > cores {
			endCore = cores
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for c := start; c < end; c++ {
				k.runCore(c, in, cm, rv, results, args.Columns, camCols, effIR, effCR, groups, cellsPerCore)
			}
		}(startCore, endCore)
	}
	wg.Wait()
	return nil
}

// runCore evaluates one inputs/CAM matrix pair of the even stack.
func (k *cpuKernel) runCore(c int, in, cm, rv []float32, results *hostBuffer, columns, camCols, effIR, effCR, groups, cellsPerCore int) {
	inBase := c * effIR * columns
	camBase := c * effCR * camCols
	outBase := c * cellsPerCore

	var acc []float64
	if k.op.IsReduction() {
		acc = make([]float64, cellsPerCore)
	}

	for e := 0; e < effIR; e++ {
		row := in[inBase+e*columns : inBase+(e+1)*columns]
		for j := 0; j < effCR; j++ {
			camRow := cm[camBase+j*camCols : camBase+(j+1)*camCols]

			switch k.op {
			case cam.OpMatch:
				v := 0.0
				if k.matchRow(row, camRow) {
					v = 1.0
				}
				results.store(outBase+e*effCR+j, v)
			case cam.OpCountMismatches:
				results.store(outBase+e*effCR+j, float64(k.mismatches(row, camRow)))
			case cam.OpReduceSum:
				if k.matchRow(row, camRow) {
					acc[e*groups+j/len(rv)] += float64(rv[j%len(rv)])
				}
			}
		}
	}

	if k.op.IsReduction() {
		for i, v := range acc {
			results.store(outBase+i, v)
		}
	}
}

func (k *cpuKernel) matchRow(input, camRow []float32) bool {
	if k.variant == cam.VariantACAM {
		return simd.ACAMMatchRow(input, camRow)
	}
	return simd.TCAMMatchRow(input, camRow)
}

func (k *cpuKernel) mismatches(input, camRow []float32) int {
	if k.variant == cam.VariantACAM {
		return simd.ACAMMismatches(input, camRow)
	}
	return simd.TCAMMismatches(input, camRow)
}
