//go:build !cuda

package device

import "github.com/23skdu/longbow-quiver/internal/cam"

// NewCuda is a stub for builds without the cuda tag.
func NewCuda() cam.Device {
	panic("CUDA device is not supported in this build. Build with -tags cuda on Linux.")
}
