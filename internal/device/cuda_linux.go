//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -L. -lquiver_cam -lcudart
#include "cam_bridge.h"
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/23skdu/longbow-quiver/internal/cam"
)

// Check interface compliance
var _ cam.Device = (*Cuda)(nil)
var _ cam.Buffer = (*cudaBuffer)(nil)
var _ cam.Kernel = (*cudaKernel)(nil)

type Cuda struct {
	ctx     C.CamContextRef
	kernels *kernelCache
}

func NewCuda() *Cuda {
	ctx := C.Cam_Init()
	if ctx == nil {
		panic("Failed to initialize CUDA device")
	}
	return &Cuda{ctx: ctx, kernels: newKernelCache()}
}

func (d *Cuda) Name() string {
	return "CUDA"
}

func (d *Cuda) NewBuffer(dtype cam.DType, n int) (cam.Buffer, error) {
	return d.alloc(n*dtype.Size(), dtype)
}

func (d *Cuda) Upload(data []byte) (cam.Buffer, error) {
	buf, err := d.alloc(len(data), cam.Float32)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if rc := C.Cam_CopyToDevice(buf.ref, 0, unsafe.Pointer(&data[0]), C.int(len(data))); rc != 0 {
			return nil, fmt.Errorf("device: cudaMemcpy to device failed with %d", int(rc))
		}
	}
	return buf, nil
}

func (d *Cuda) alloc(sizeBytes int, dtype cam.DType) (*cudaBuffer, error) {
	ref := C.Cam_Alloc(d.ctx, C.int(sizeBytes))
	if ref == nil {
		return nil, fmt.Errorf("device: failed to allocate %d bytes of CUDA memory", sizeBytes)
	}
	buf := &cudaBuffer{dev: d, ref: ref, sizeBytes: sizeBytes, dtype: dtype}
	runtime.SetFinalizer(buf, func(b *cudaBuffer) {
		C.Cam_FreeBuffer(b.dev.ctx, b.ref)
	})
	return buf, nil
}

func (d *Cuda) Kernel(variant cam.Variant, op cam.Op) (cam.Kernel, error) {
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
		return &cudaKernel{dev: d, variant: variant, op: op}
	}), nil
}

func (d *Cuda) DeviceCount() int {
	return int(C.Cam_GetDeviceCount())
}

func (d *Cuda) Synchronize() {
	C.Cam_Synchronize(d.ctx)
}

type cudaBuffer struct {
	dev       *Cuda
	ref       C.CamBufferRef
	sizeBytes int
	dtype     cam.DType
}

func (b *cudaBuffer) ByteLen() int { return b.sizeBytes }

func (b *cudaBuffer) Bytes() []byte {
	return nil // Resident on GPU
}

func (b *cudaBuffer) ToHost(dst []byte) error {
	if len(dst) != b.sizeBytes {
		return fmt.Errorf("device: copying %d buffer bytes into %d", b.sizeBytes, len(dst))
	}
	if len(dst) == 0 {
		return nil
	}
	if rc := C.Cam_CopyToHost(b.ref, 0, unsafe.Pointer(&dst[0]), C.int(b.sizeBytes)); rc != 0 {
		return fmt.Errorf("device: cudaMemcpy to host failed with %d", int(rc))
	}
	return nil
}

type cudaKernel struct {
	dev     *Cuda
	variant cam.Variant
	op      cam.Op
}

func (k *cudaKernel) Device() cam.Device { return k.dev }

func (k *cudaKernel) MaxThreadsPerBlock() int {
	return int(C.Cam_MaxThreadsPerBlock(k.dev.ctx))
}

func (k *cudaKernel) Launch(grid, block cam.Dim3, args cam.Args) error {
	inputs, ok := args.Inputs.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("device: inputs buffer is not CUDA-resident")
	}
	camBuf, ok := args.Cam.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("device: cam buffer is not CUDA-resident")
	}
	results, ok := args.Results.(*cudaBuffer)
	if !ok {
		return fmt.Errorf("device: results buffer is not CUDA-resident")
	}

	var rvRef C.CamBufferRef
	rvLen := 0
	if args.ReductionValues != nil {
		rv, ok := args.ReductionValues.(*cudaBuffer)
		if !ok {
			return fmt.Errorf("device: reduction values buffer is not CUDA-resident")
		}
		rvRef = rv.ref
		rvLen = rv.sizeBytes / 4
	}

	rc := C.Cam_Launch(k.dev.ctx,
		C.int(k.variant), C.int(k.op), C.int(results.dtype),
		C.int(grid.X), C.int(grid.Y), C.int(grid.Z),
		C.int(block.X), C.int(block.Y), C.int(block.Z),
		inputs.ref, camBuf.ref,
		C.int(args.Columns), C.int(args.InputRows), C.int(args.CamRows),
		results.ref, rvRef, C.int(rvLen))
	if rc != 0 {
		return fmt.Errorf("device: CUDA launch failed with %d", int(rc))
	}
	C.Cam_Synchronize(k.dev.ctx)
	return nil
}
