// Package gate implements the Host's single-slot exclusive concurrency
// primitive (spec §4.4). At most one request may hold the slot at a time;
// there is no queueing of rejected acquisitions.
package gate

import "sync"

// Gate is a mutex-protected single-slot lock keyed by request ID.
//
// A mutex, not a lock-free compare-and-swap, guards the slot; each method
// holds it only for its own read or update. The ordering guarantee in spec
// §4.4 ("the gate is released only after the terminal frame has been
// enqueued on the peer session's outbound path") is kept by the caller,
// which enqueues the terminal frame before it calls Release; the gate
// itself does not hold its lock across that enqueue.
type Gate struct {
	mu     sync.Mutex
	holder string // empty when unheld
}

// New returns an empty Gate.
func New() *Gate {
	return &Gate{}
}

// Acquire claims the gate for id if it is empty. It returns false without
// side effects if the gate is already held (by any request, including id
// itself — duplicate request IDs are not specially detected, per spec §8).
func (g *Gate) Acquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return false
	}
	g.holder = id
	return true
}

// Release clears the slot if it currently holds exactly id. A release keyed
// by a non-matching id (including an already-empty gate) is a silent no-op,
// defending disorderly shutdown paths that may race a normal release.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == id {
		g.holder = ""
	}
}

// Active returns the currently held request ID, or "" if the gate is empty.
func (g *Gate) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// ForceRelease unconditionally empties the gate, regardless of holder. Used
// only by supervised shutdown (spec §4.8).
func (g *Gate) ForceRelease() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holder = ""
}
