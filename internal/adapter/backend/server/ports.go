package server

import (
	"fmt"
	"sync"
)

// PortAllocator hands out listen ports for agent servers. Ports come from a
// monotonic counter starting at base; a port is never handed out again while
// the group holding it is still live.
type PortAllocator struct {
	mu    sync.Mutex
	base  int
	next  int
	limit int
	held  map[int]string
}

// NewPortAllocator creates an allocator over [base, base+size).
func NewPortAllocator(base, size int) *PortAllocator {
	if size <= 0 {
		size = 1000
	}
	return &PortAllocator{base: base, next: base, limit: base + size, held: make(map[int]string)}
}

// Acquire returns a port for group. Ports released earlier are reused only
// after the counter wraps.
func (a *PortAllocator) Acquire(group string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for range a.limit - a.base {
		port := a.next
		a.next++
		if a.next >= a.limit {
			a.next = a.base
		}
		if _, busy := a.held[port]; !busy {
			a.held[port] = group
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d)", a.base, a.limit)
}

// Release returns port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Held returns the number of ports in use.
func (a *PortAllocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}
