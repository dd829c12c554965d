package thread

import (
	"github.com/d94ny/x86kernel/kernel/mm"
	"github.com/d94ny/x86kernel/kernel/sync"
)

// kernelStackPages is the number of pages reserved for each thread's kernel
// stack, per the original kernel's THREAD_KERNEL_SIZE.
const kernelStackPages = 2

const kernelStackSize = kernelStackPages * mm.PageSize

// Create allocates a fresh thread control block owned by process, with a
// newly allocated kernel stack and a newly allocated tid, and registers it
// in the global tid registry. The thread starts Running; it is the caller's
// responsibility to splice it onto the appropriate scheduler list.
func Create(process ProcessHandle) *Thread {
	stack := make([]byte, kernelStackSize)
	stackBase := uintptr(0)
	if len(stack) > 0 {
		stackBase = sliceBaseAddr(stack)
	}

	t := &Thread{
		TID:             NextTID(),
		State:           Running,
		Process:         process,
		KernelStackBase: stackBase,
		KernelStackSize: kernelStackSize,
		kernelStack:     stack,
	}
	t.ESP = stackBase + kernelStackSize

	Register(t)
	return t
}

// Copy creates a new thread belonging to process that is a duplicate of
// parent for the purposes of thread_fork/fork: a fresh tid and kernel stack,
// but the same swexn registration when carryHandler is set (thread_fork
// and fork both copy it; a plain create_thread does not).
func Copy(process ProcessHandle, parent *Thread, carryHandler bool) *Thread {
	child := Create(process)
	if carryHandler {
		child.Swexn = parent.Swexn
	}
	return child
}

// Vanish transitions t to Zombie, releasing every mutex it still holds in
// LIFO order (the reverse of the order Lock acquired them), and reports the
// exit to t's owning process. It must be called by t's own thread of
// execution, immediately before the final context switch away from it.
func Vanish(t *Thread) {
	sync.ReleaseAll(t.TID)

	t.State = Zombie
	t.Process.ThreadExited(t)
}

// Destroy frees a Zombie thread's kernel stack and removes it from the
// global tid registry. Called only by a parent reaping the thread's process
// via wait, once the thread can no longer be referenced.
func Destroy(t *Thread) {
	t.kernelStack = nil
	Unregister(t.TID)
}
