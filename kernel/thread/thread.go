// Package thread implements the kernel's thread control blocks and the
// global tid registry. It deliberately knows nothing about processes beyond
// the narrow ProcessHandle interface below, so that kernel/proc can import
// this package without thread importing proc back.
package thread

import "github.com/d94ny/x86kernel/kernel/sync"

// State is one of the five states a thread can be in during its life. Each
// state corresponds to membership in exactly one list: Running threads are
// in the run queue, Sleeping threads in the sleep queue, Waiting threads in
// their process's waiter queue, and Blocked/Zombie threads in none.
type State int

const (
	Running State = iota
	Blocked
	Sleeping
	Waiting
	Zombie
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// ProcessHandle is the narrow slice of kernel/proc.Process that a Thread
// needs to reference: its pid, for diagnostics, and a callback so the last
// thread to vanish in a process can trigger that process's own teardown.
type ProcessHandle interface {
	PID() uint32
	ThreadExited(t *Thread)
}

// Swexn is a thread's registered software-exception handler, installed via
// the swexn syscall and consulted by the page-fault, general-protection and
// kernel/trap exception handlers before they fall back to a kernel panic. A
// fault with no handler registered does not terminate only the faulting
// thread.
type Swexn struct {
	Registered bool
	Esp        uintptr
	Eip        uintptr
	Arg        uintptr
}

// Thread is the kernel's control block for one schedulable thread of
// execution.
type Thread struct {
	TID   uint32
	State State

	// ESP is the kernel stack pointer, set by Create to the top of the
	// thread's kernel stack. ContextSwitch neither saves nor restores it.
	ESP uintptr

	KernelStackBase uintptr
	KernelStackSize uintptr
	UserStackTop    uintptr

	// kernelStack keeps the backing array for KernelStackBase reachable by
	// the garbage collector; KernelStackBase is only a raw address and
	// would not otherwise keep the allocation alive.
	kernelStack []byte

	Process ProcessHandle

	// OlderSibling/YoungerSibling thread the list of threads belonging to
	// the same process, in creation order.
	OlderSibling, YoungerSibling *Thread

	// Wake is the tick count at which a Sleeping thread should be moved
	// back to the run queue. Meaningful only while State == Sleeping.
	Wake uint32

	Swexn Swexn

	// ThreadLock is a per-thread mutex for serializing a
	// deschedule/make_runnable sequence against itself. kernel/sched's
	// Deschedule and MakeRunnable do not take it.
	ThreadLock sync.Mutex
}

// IsIdle reports whether this is the distinguished idle thread: the one run
// when nothing else is runnable, identified once at boot and never deleted.
func (t *Thread) IsIdle() bool { return idleTID != 0 && t.TID == idleTID }

// IsInit reports whether this is the distinguished init process's original
// thread: the adoptive parent for orphaned processes.
func (t *Thread) IsInit() bool { return initTID != 0 && t.TID == initTID }

var idleTID, initTID uint32

// MarkIdle records t as the idle thread. Called once, during boot.
func MarkIdle(t *Thread) { idleTID = t.TID }

// MarkInit records t as the init process's original thread. Called once,
// when init first runs.
func MarkInit(t *Thread) { initTID = t.TID }

// current is the thread presently executing on the CPU. kernel/sched updates
// it on every ContextSwitch; it lets packages that must not import sched
// (e.g. kernel/mm/vmm, whose fault handler needs to consult the faulting
// thread's Swexn registration) find out who is running without a cycle back
// through the scheduler.
var current *Thread

// SetCurrent records t as the thread presently executing on the CPU. Called
// by kernel/sched immediately after a context switch lands on t.
func SetCurrent(t *Thread) { current = t }

// Current returns the thread presently executing on the CPU, or nil before
// the scheduler has run for the first time.
func Current() *Thread { return current }
