// Package syncutil provides small concurrency-safe primitives shared across
// the scheduler packages. Grounded on the pack's counters_test.go, whose
// behavior (NewCounters(n), Increment/Decrement/Set/Get/Len) is reproduced
// here exactly since no implementation file survived extraction.
package syncutil

import "sync"

// Counters is a fixed-size array of int counters behind one mutex, used
// by rarest-first piece selection to track how many connected peers have
// each piece (numPeersByPiece).
type Counters struct {
	mu     sync.Mutex
	values []int
}

// NewCounters allocates n counters, all initialized to zero.
func NewCounters(n int) *Counters {
	return &Counters{values: make([]int, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.values)
}

// Increment adds 1 to the counter at i.
func (c *Counters) Increment(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i]++
}

// Decrement subtracts 1 from the counter at i.
func (c *Counters) Decrement(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i]--
}

// Set overwrites the counter at i.
func (c *Counters) Set(i, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[i] = v
}

// Get reads the counter at i.
func (c *Counters) Get(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[i]
}
