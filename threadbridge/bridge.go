// Package threadbridge implements the idiomatic-Go substitute for "lock,
// append to a list, write one byte to a wakeup pipe" (spec.md section 9
// explicitly invites this substitution): a lock-protected MPSC queue of
// callbacks paired with a buffered wakeup channel. Any number of worker
// goroutines may post results concurrently; a single consumer goroutine
// drains and executes them in the order they were posted, giving the rest
// of the engine a single-threaded view of otherwise-concurrent work
// (name resolution, HTTP tracker requests, and optionally piece hashing).
//
// The serialized-delivery idiom is grounded on uber-kraken's
// lib/torrent/scheduler/events.go baseEventLoop, which runs a similar
// single-consumer apply loop over a channel of posted events; this package
// generalizes that to a buffer-then-wake queue so producers never block
// waiting for the consumer to catch up.
package threadbridge

import "sync"

// Bridge is a lock-protected MPSC queue plus a wakeup channel.
type Bridge struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
}

// New constructs a Bridge. Call Run on a single dedicated goroutine to
// begin delivering posted callbacks.
func New() *Bridge {
	return &Bridge{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn and wakes the consumer. Safe to call concurrently from
// any number of goroutines. A Post racing with Stop may be silently
// dropped rather than delivered.
func (b *Bridge) Post(fn func()) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run drains and executes posted callbacks in FIFO order until Stop is
// called, then performs one final drain and returns. Intended to run on a
// single dedicated goroutine; callbacks themselves must not call Post and
// block waiting on their own delivery, or they will deadlock against
// their own queue slot.
func (b *Bridge) Run() {
	for {
		b.drain()
		select {
		case <-b.wake:
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bridge) drain() {
	b.mu.Lock()
	tasks := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// Stop signals Run to perform a final drain and return. Safe to call once.
func (b *Bridge) Stop() {
	close(b.done)
}
