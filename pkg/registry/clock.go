package registry

import "sync"

// Clock caches the last fast-clock value seen from the control server so new
// sessions can be seeded without waiting for the next tick.
type Clock struct {
	mu sync.RWMutex
	t  int64
}

func (c *Clock) Set(t int64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *Clock) Get() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}
