package cam

import (
	"context"
	"fmt"
	"time"
	"unsafe"
)

// Run dispatches one CAM operation between an inputs stack and a CAM stack.
//
// The outer shapes of the two stacks may differ as long as the shorter one
// is a trailing suffix of the longer one; the result comes back in the
// broadcast shape super + (inputRows,) for reductions and
// super + (inputRows, camRows) otherwise, with the requested element type.
//
// Run performs at most one kernel launch and treats it as synchronous. The
// results buffer is owned by Run until it is returned; the caller keeps
// ownership of the operands. Invoking a reduction op without reduction
// values is a programming error and panics before any device work.
func Run(ctx context.Context, k Kernel, variant Variant, op Op, inputs, camStack *Stack, resultType DType, reductionValues []float32) (*Stack, error) {
	if op.IsReduction() && reductionValues == nil {
		panic("cam: " + op.String() + " invoked without reduction values")
	}
	if err := CheckParams(variant, op, inputs, camStack, reductionValues); err != nil {
		return nil, err
	}

	dev := k.Device()
	inputRows, camRows := inputs.Rows(), camStack.Rows()
	columns := camStack.Cols() / variant.CellEncodingWidth()

	a := Analyze(inputs.OuterShape(), camStack.OuterShape())

	// Allocate the results up front in the final logical shape. The kernel
	// fills the same number of cells in even-stack order; only the shape
	// interpretation differs until the reshape below.
	resultShape := a.Super.Clone()
	resultShape = append(resultShape, inputRows)
	if !op.IsReduction() {
		resultShape = append(resultShape, camRows)
	}
	results := NewStack(resultType, resultShape)

	launch, err := PlanLaunch(inputRows, camRows, a.InputsFactor, a.CamFactor,
		a.Sub.Product(), k.MaxThreadsPerBlock())
	if err != nil {
		return nil, err
	}

	inBuf, err := residentEvenStack(inputs, a.InputsOverhang, a.Sub, dev)
	if err != nil {
		return nil, err
	}
	camBuf, err := residentEvenStack(camStack, a.CamOverhang, a.Sub, dev)
	if err != nil {
		return nil, err
	}
	resBuf, err := dev.NewBuffer(resultType, results.Len())
	if err != nil {
		return nil, fmt.Errorf("cam: allocating %d result cells on %s: %w", results.Len(), dev.Name(), err)
	}

	args := Args{
		Inputs:    inBuf,
		Cam:       camBuf,
		Columns:   columns,
		InputRows: inputRows * a.InputsFactor,
		CamRows:   camRows * a.CamFactor,
		Results:   resBuf,
	}
	if op.IsReduction() {
		rvBuf, err := dev.Upload(float32Bytes(reductionValues))
		if err != nil {
			return nil, fmt.Errorf("cam: uploading reduction values: %w", err)
		}
		args.ReductionValues = rvBuf
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	err = k.Launch(launch.Grid, launch.Block, args)
	kernelDuration.Observe(time.Since(start).Seconds())
	kernelLaunches.WithLabelValues(dev.Name(), variant.String(), op.String()).Inc()
	if err != nil {
		kernelFailures.WithLabelValues(dev.Name(), variant.String(), op.String()).Inc()
		return nil, fmt.Errorf("cam: %s/%s kernel launch on %s: %w", variant, op, dev.Name(), err)
	}

	if err := resBuf.ToHost(results.data); err != nil {
		return nil, fmt.Errorf("cam: reading back results: %w", err)
	}
	resultCells.Add(float64(results.Len()))

	return reshapeResults(results, a, inputRows, camRows, op.IsReduction()), nil
}

// residentEvenStack makes a stack resident on dev in even-stack order.
//
// A raveled super-shaped operand stores its overhang outermost, but each
// kernel core expects its rows as one contiguous block (sub outermost).
// The orders coincide unless BOTH the sub shape and this stack's overhang
// are non-empty; in that rare nested case the operand is uploaded through a
// transient permuted copy instead of the cached resident buffer, because
// the permutation depends on the pairing rather than on the stack itself.
func residentEvenStack(s *Stack, ovh, sub Shape, dev Device) (Buffer, error) {
	if len(ovh) == 0 || len(sub) == 0 {
		return s.EnsureResident(dev)
	}

	h, k := len(ovh), len(sub)
	phys := append(ovh.Clone(), sub...)
	phys = append(phys, s.Rows(), s.Cols())

	perm := seq(h, h+k)
	perm = append(perm, seq(0, h)...)
	perm = append(perm, h+k, h+k+1)

	even := permuteBytes(s.Bytes(), phys, perm, s.DType().Size())
	buf, err := dev.Upload(even)
	if err != nil {
		return nil, fmt.Errorf("cam: uploading even-stack operand to %s: %w", dev.Name(), err)
	}
	return buf, nil
}

func float32Bytes(vals []float32) []byte {
	if len(vals) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*4)
}
