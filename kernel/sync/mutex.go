package sync

import "sync/atomic"

// Mutex is a sleep-based, FIFO mutual-exclusion lock. Unlike Spinlock, a
// thread blocked on a contended Mutex is descheduled rather than busy-waiting,
// and is handed the lock in the order it asked for it.
//
// A small Spinlock guards the mutex's own bookkeeping (the locked flag, the
// owner and the wait list); that spinlock is held only across the few
// instructions needed to splice a thread on or off the list, never across a
// deschedule.
//
// Every thread implicitly keeps a LIFO stack of the mutexes it currently
// holds, tracked in this package's held map and exposed via ReleaseAll, so
// that a thread which vanishes while holding locks can release them in the
// reverse order it acquired them. A Mutex must therefore be released by the
// same thread that acquired it, and released in the same order it was
// acquired relative to any other mutexes that thread holds.
type Mutex struct {
	meta    Spinlock
	locked  bool
	owner   uint32
	waiters []*waiter
}

// waiter is one entry on a Mutex's FIFO wait list. wake is flipped to 1 by
// Unlock just before the waiting thread is made runnable again, so that a
// Deschedule racing with a concurrent wakeup never blocks forever.
type waiter struct {
	tid  uint32
	wake int32
}

// held tracks, per tid, the stack of mutexes currently owned by that thread,
// in acquisition order. Guarded by heldMeta rather than a Mutex of its own,
// since Mutex.Lock/Unlock are exactly what maintain it.
var (
	heldMeta Spinlock
	held     = map[uint32][]*Mutex{}
)

func pushHeld(tid uint32, m *Mutex) {
	heldMeta.Acquire()
	held[tid] = append(held[tid], m)
	heldMeta.Release()
}

func popHeld(tid uint32, m *Mutex) bool {
	heldMeta.Acquire()
	defer heldMeta.Release()

	stack := held[tid]
	if len(stack) == 0 || stack[len(stack)-1] != m {
		return false
	}
	held[tid] = stack[:len(stack)-1]
	return true
}

// topHeld returns the tid's most recently acquired, not-yet-released mutex,
// or nil if it holds none.
func topHeld(tid uint32) *Mutex {
	heldMeta.Acquire()
	defer heldMeta.Release()

	stack := held[tid]
	if len(stack) == 0 {
		return nil
	}
	return stack[len(stack)-1]
}

// ReleaseAll unlocks, in LIFO order, every mutex the given thread currently
// holds. Called once by a thread that is vanishing, before it becomes a
// Zombie, mirroring the original kernel's acquired_lock release loop.
func ReleaseAll(tid uint32) {
	for {
		m := topHeld(tid)
		if m == nil {
			return
		}
		m.Unlock()
	}
}

// selfTID returns the calling thread's tid, or 0 while no scheduler is
// registered: until kernel/sched.Init, boot code runs as the only thread.
func selfTID() uint32 {
	if sched == nil {
		return 0
	}
	return sched.Self()
}

// Lock acquires the mutex, descheduling the calling thread if it is already
// held. Locking a mutex the calling thread already holds panics rather than
// deadlocking silently.
func (m *Mutex) Lock() {
	self := selfTID()

	m.meta.Acquire()
	if !m.locked {
		m.locked = true
		m.owner = self
		m.meta.Release()
	} else {
		if m.owner == self {
			m.meta.Release()
			panic("sync: mutex already locked by the calling thread")
		}

		w := &waiter{tid: self}
		m.waiters = append(m.waiters, w)
		m.meta.Release()

		sched.Deschedule(&w.wake)

		// Woken by Unlock, which has already chosen us as the new owner.
		m.meta.Acquire()
		m.locked = true
		m.owner = self
		m.meta.Release()
	}

	pushHeld(self, m)
}

// Unlock releases the mutex, transferring ownership to the longest-waiting
// thread if one is queued. It panics if the calling thread does not hold the
// mutex, or holds it but out of LIFO order relative to its other held
// mutexes.
func (m *Mutex) Unlock() {
	self := selfTID()

	if !popHeld(self, m) {
		panic("sync: mutex released out of acquisition order")
	}

	m.meta.Acquire()
	if !m.locked || m.owner != self {
		m.meta.Release()
		panic("sync: unlock of mutex not held by the calling thread")
	}

	if len(m.waiters) == 0 {
		m.locked = false
		m.owner = 0
		m.meta.Release()
		return
	}

	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next.tid
	m.meta.Release()

	atomic.StoreInt32(&next.wake, 1)
	sched.MakeRunnable(next.tid)
}
