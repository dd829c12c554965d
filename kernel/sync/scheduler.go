package sync

// Scheduler abstracts the small slice of the thread scheduler that the
// blocking primitives in this package (Mutex, Condvar, RWLock) need:
// identifying the calling thread, descheduling it, waking another thread up,
// and yielding the CPU. kernel/sched implements this interface and registers
// itself via SetScheduler during boot.
//
// The indirection exists to avoid an import cycle: kernel/sched manipulates
// thread records that themselves embed Mutexes and RWLocks, so sync cannot
// import sched directly. This mirrors the teacher's own
// mm.SetFrameAllocator registration idiom (kernel/mm/page.go), just applied
// to the scheduler instead of the frame allocator.
type Scheduler interface {
	// Self returns the tid of the calling thread.
	Self() uint32

	// Yield gives up the remainder of the calling thread's timeslice. tid
	// names a thread to switch to directly (zero for none); kernel/sched's
	// implementation does not act on it.
	Yield(tid uint32)

	// Deschedule removes the calling thread from the run queue until a
	// matching MakeRunnable(Self()) call is made. It returns immediately,
	// without blocking, if *guard is non-zero at the moment interrupts are
	// disabled.
	Deschedule(guard *int32) error

	// MakeRunnable moves a Blocked thread back onto the run queue. It
	// returns an error if the thread is not currently Blocked.
	MakeRunnable(tid uint32) error
}

var sched Scheduler

// SetScheduler registers the scheduler implementation used by the blocking
// primitives in this package. Called once, at boot, by kernel/sched.Init.
func SetScheduler(s Scheduler) { sched = s }
