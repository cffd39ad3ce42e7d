package cam

import "fmt"

// Dim3 is a CUDA-style launch dimension triple.
type Dim3 struct {
	X, Y, Z int
}

// Launch is the block/grid geometry for one kernel invocation.
//
// Block.X * Grid.X always covers ThreadsPerCore, and Grid.Y carries the
// number of cores (inputs/CAM matrix pairs in the even stack).
type Launch struct {
	Grid  Dim3
	Block Dim3

	// ThreadsPerCore is the number of output cells one core must produce.
	ThreadsPerCore int
}

// PlanLaunch derives the launch geometry from the effective row counts and
// the device's maximum threads per block.
//
// threadsPerCore = inputRows*inputsFactor * camRows*camFactor; a single
// block never exceeds the device limit, and the x grid dimension makes up
// the difference. cores is the sub-shape product.
func PlanLaunch(inputRows, camRows, inputsFactor, camFactor, cores, maxThreadsPerBlock int) (Launch, error) {
	threadsPerCore := inputRows * inputsFactor * camRows * camFactor
	if threadsPerCore <= 0 {
		return Launch{}, fmt.Errorf("cam: degenerate launch: %d threads per core", threadsPerCore)
	}
	if cores <= 0 {
		return Launch{}, fmt.Errorf("cam: degenerate launch: %d cores", cores)
	}
	if maxThreadsPerBlock <= 0 {
		return Launch{}, fmt.Errorf("cam: device reports max %d threads per block", maxThreadsPerBlock)
	}

	threadsPerBlock := threadsPerCore
	if threadsPerBlock > maxThreadsPerBlock {
		threadsPerBlock = maxThreadsPerBlock
	}

	return Launch{
		Block:          Dim3{X: threadsPerBlock, Y: 1, Z: 1},
		Grid:           Dim3{X: ceilDiv(threadsPerCore, threadsPerBlock), Y: cores, Z: 1},
		ThreadsPerCore: threadsPerCore,
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
