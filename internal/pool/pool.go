// Package pool implements the Frame Pool: a reservoir of pre-allocated
// CAN frame slots that the UDP Worker draws from on admission and
// returns to after a flush, so steady-state operation needs no
// per-frame heap allocation. Modeled as an arena of fixed-size slots
// moved explicitly between the idle list and the caller's buffer,
// never individually owned.
package pool

import (
	"sync"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

// Pool is safe for concurrent use. Its own lock is always acquired and
// released before any buffer lock a caller holds (pool-before-buffer
// ordering), and it never blocks on I/O.
type Pool struct {
	mu    sync.Mutex
	idle  []*can.Frame
	total int
}

// New allocates an initial pool of n slots (n<=0 is treated as 1).
func New(n int) *Pool {
	p := &Pool{}
	p.growLocked(n)
	return p
}

func (p *Pool) growLocked(n int) {
	if n <= 0 {
		n = 1
	}
	block := make([]can.Frame, n)
	for i := range block {
		p.idle = append(p.idle, &block[i])
	}
	p.total += n
}

// Reserve pops one idle slot, growing the pool by doubling (its current
// total allocation) first if it is empty. It reports the pool's total
// allocation after the call for debug-toggle logging.
func (p *Pool) Reserve() (slot *can.Frame, grew bool, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		p.growLocked(p.total)
		grew = true
	}
	n := len(p.idle)
	slot = p.idle[n-1]
	p.idle = p.idle[:n-1]
	*slot = can.Frame{}
	return slot, grew, p.total
}

// Return splices slots back into the idle list in one locked step.
func (p *Pool) Return(slots []*can.Frame) {
	if len(slots) == 0 {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, slots...)
	p.mu.Unlock()
}

// Clear destroys every slot and resets counters. Called on worker
// shutdown; the pool is not usable afterward.
func (p *Pool) Clear() {
	p.mu.Lock()
	p.idle = nil
	p.total = 0
	p.mu.Unlock()
}

// Stats reports the number of idle slots and the total ever allocated.
func (p *Pool) Stats() (idle, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.total
}
