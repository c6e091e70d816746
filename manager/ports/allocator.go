// Package ports manages the bounded pool of TCP ports assigned to LoRaDB
// instances.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Reserve when every port in the range is held.
var ErrExhausted = errors.New("no available ports in range")

// Allocator hands out ports from a closed integer range. Reservation is
// lowest-free-first so allocation order is deterministic. All methods are
// safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	minPort  int
	maxPort  int
	reserved map[int]bool
}

// NewAllocator creates an Allocator over the closed range [minPort, maxPort].
func NewAllocator(minPort, maxPort int) (*Allocator, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &Allocator{
		minPort:  minPort,
		maxPort:  maxPort,
		reserved: make(map[int]bool),
	}, nil
}

// Reserve returns the lowest free port in the range and marks it held.
// It fails with ErrExhausted when the range is fully occupied.
func (a *Allocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.minPort; port <= a.maxPort; port++ {
		if !a.reserved[port] {
			a.reserved[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrExhausted, a.minPort, a.maxPort)
}

// MarkReserved marks a specific port as held, used when rebuilding allocator
// state from the registry at startup. Ports outside the range are ignored.
func (a *Allocator) MarkReserved(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.minPort || port > a.maxPort {
		return
	}
	a.reserved[port] = true
}

// Release marks a previously reserved port as free again. Releasing an
// already-free port or a port outside the range is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.minPort || port > a.maxPort {
		return
	}
	delete(a.reserved, port)
}

// Reserved reports whether a port is currently held.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}
