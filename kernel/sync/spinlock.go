// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import "sync/atomic"

// attemptsBeforeYielding bounds the busy-wait loop of Acquire before the
// waiting task gives up its time slice.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by waiting tasks after attemptsBeforeYielding
	// failed attempts. It stays nil until the scheduler installs a real
	// yield implementation via SetYieldFn.
	yieldFn func()
)

// SetYieldFn registers the function invoked by tasks spinning on a held lock.
func SetYieldFn(fn func()) { yieldFn = fn }

// Yield gives up the time slice of the calling task if a yield
// implementation has been registered.
func Yield() {
	if yieldFn != nil {
		yieldFn()
	}
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
