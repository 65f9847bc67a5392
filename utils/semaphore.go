package utils

import "sync/atomic"

// Semaphore is a park/notify primitive: Wait blocks the caller until a
// matching Signal arrives. It is used to put a thrashing process to sleep
// and to wake exactly one waiter on process teardown.
type Semaphore struct {
	waiting int32
	ch      chan struct{}
}

// NewSemaphore creates an empty semaphore with no pending signals.
func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{})}
}

// Wait (P) blocks the caller until Signal is called.
func (s *Semaphore) Wait() {
	atomic.AddInt32(&s.waiting, 1)
	<-s.ch
	atomic.AddInt32(&s.waiting, -1)
}

// Signal (V) wakes one waiter, if any is currently blocked in Wait.
// Returns false if there was nobody to wake.
func (s *Semaphore) Signal() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Waiters reports how many callers are currently blocked in Wait.
func (s *Semaphore) Waiters() int {
	return int(atomic.LoadInt32(&s.waiting))
}
