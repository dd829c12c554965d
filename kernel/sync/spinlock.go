// Package sync provides synchronization primitive implementations for spinlocks,
// mutexes, condition variables and reader/writer locks.
package sync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. It is used for the short metadata updates
// inside Mutex/Condvar/RWLock (e.g. splicing a thread onto a wait list) that
// must never themselves block.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock. Once a scheduler has been registered with SetScheduler, a
// spinning thread yields the CPU between attempts instead of busy-looping,
// since on a uniprocessor machine the lock can only be released by some
// other thread running.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		if sched != nil {
			sched.Yield(0)
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
