// Package ports hands out host TCP ports for session containers from a
// fixed range. Every live session holds exactly one port; teardown gives
// it back.
package ports

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// ErrExhausted is returned by Allocate when every port in the range is taken.
var ErrExhausted = errors.New("no ports available")

type Allocator struct {
	mu    sync.Mutex
	lo    int
	hi    int
	taken map[int]bool

	// inUse reports whether something outside our bookkeeping already
	// listens on the port. Swappable in tests.
	inUse func(port int) bool
}

func New(lo, hi int) *Allocator {
	return &Allocator{
		lo:    lo,
		hi:    hi,
		taken: make(map[int]bool),
		inUse: portInUse,
	}
}

// Allocate reserves the lowest free port in the range. Ports that some
// other process already listens on are skipped but not reserved.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.lo; port <= a.hi; port++ {
		if a.taken[port] {
			continue
		}
		if a.inUse(port) {
			continue
		}
		a.taken[port] = true
		return port, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing an already-free port is a
// no-op; releasing a port outside the range indicates a bookkeeping bug
// and is logged.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.lo || port > a.hi {
		log.Printf("ERROR: release of port %d outside range %d-%d", port, a.lo, a.hi)
		return
	}
	delete(a.taken, port)
}

// MarkAllocated reserves a specific port, used when adopting containers
// from a previous run whose bindings already exist.
func (a *Allocator) MarkAllocated(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.lo || port > a.hi {
		return fmt.Errorf("port %d outside range %d-%d", port, a.lo, a.hi)
	}
	if a.taken[port] {
		return fmt.Errorf("port %d already allocated", port)
	}
	a.taken[port] = true
	return nil
}

// Free returns the number of unreserved ports in the range. The count
// ignores ports foreign processes happen to occupy.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hi - a.lo + 1 - len(a.taken)
}

func portInUse(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}
