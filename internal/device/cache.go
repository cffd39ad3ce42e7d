package device

import (
	"sync"

	"github.com/23skdu/longbow-quiver/internal/cam"
)

type kernelKey struct {
	variant cam.Variant
	op      cam.Op
}

// kernelCache holds one kernel handle per (variant, op). It is thread-safe.
type kernelCache struct {
	mu      sync.RWMutex
	kernels map[kernelKey]cam.Kernel
}

func newKernelCache() *kernelCache {
	return &kernelCache{kernels: make(map[kernelKey]cam.Kernel)}
}

// GetOrCreate returns the cached kernel for key, building it once on a miss.
func (c *kernelCache) GetOrCreate(variant cam.Variant, op cam.Op, build func() cam.Kernel) cam.Kernel {
	key := kernelKey{variant: variant, op: op}

	c.mu.RLock()
	k, ok := c.kernels[key]
	c.mu.RUnlock()
	if ok {
		return k
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.kernels[key]; ok {
		return k
	}
	k = build()
	c.kernels[key] = k
	return k
}

// Size returns the number of cached kernels.
func (c *kernelCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.kernels)
}
