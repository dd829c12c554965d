// Package errors defines the small negative-integer error taxonomy that the
// syscall surface returns to user space, plus the trivial, allocation-free
// Errno type used to carry it. This mirrors the teacher's own
// kernel/errors.KernelError string-backed error, specialized here to also
// encode the syscall-visible numeric code.
package errors

// Errno is a trivial implementation of a syscall error that doesn't require
// a memory allocation, modeled after the teacher's KernelError pattern.
type Errno int32

// Error implements the error interface.
func (e Errno) Error() string {
	if msg, ok := messages[e]; ok {
		return msg
	}
	return "unknown error"
}

// Code returns the small negative integer that the syscall trap returns to
// user space.
func (e Errno) Code() int32 { return int32(e) }

// Argument errors.
const (
	ErrArgNull      Errno = -2
	ErrNegativeArg  Errno = -18
	ErrInvalidTid   Errno = -3
	ErrInvalidArg   Errno = -34
	ErrArrayLength  Errno = -17
)

// Memory errors.
const (
	ErrMallocFail          Errno = -12
	ErrNoFrames            Errno = -30
	ErrKernelFrame         Errno = -33
	ErrFreeOwnerlessFrame  Errno = -35
	ErrTooManyFrameOwners  Errno = -36
	ErrPageAlreadyPresent  Errno = -37
	ErrDirectoryNotPresent Errno = -38
	ErrKernelPage          Errno = -39
	ErrPageNotPresent      Errno = -40
	ErrWornOutNewPages     Errno = -41
)

// Scheduling errors.
const (
	ErrYieldNotRunnable Errno = -7
	ErrNotBlocked       Errno = -9
	ErrNegativeSleep    Errno = -8
)

// Lifecycle errors.
const (
	ErrNoChildren      Errno = -23
	ErrChildrenGone    Errno = -26
	ErrNoOriginalThread Errno = -25
	ErrNoProcess       Errno = -27
	ErrWaitFull        Errno = -28
	ErrActiveThreads   Errno = -31
	ErrProcessNotExited Errno = -32
	ErrMultipleThreads Errno = -29
)

// Loader errors.
const (
	ErrElfInvalid         Errno = -11
	ErrElfLoadFail        Errno = -13
	ErrSaveArgsFail       Errno = -14
	ErrCreateUserStackFail Errno = -15
	ErrSegmentPageFail    Errno = -16
	ErrNoObjEntry         Errno = -19
	ErrInvalidOffset      Errno = -20
)

var messages = map[Errno]string{
	ErrArgNull:      "required argument was null",
	ErrNegativeArg:  "argument must not be negative",
	ErrInvalidTid:   "no thread with that tid exists",
	ErrInvalidArg:   "argument failed validation",
	ErrArrayLength:  "array exceeds the maximum permitted length",

	ErrMallocFail:          "kernel allocation failed",
	ErrNoFrames:            "no free physical frames available",
	ErrKernelFrame:         "frame belongs to the kernel and cannot be released",
	ErrFreeOwnerlessFrame:  "attempt to release a frame with no owners",
	ErrTooManyFrameOwners:  "frame already has the maximum number of owners",
	ErrPageAlreadyPresent:  "virtual address is already mapped",
	ErrDirectoryNotPresent: "page directory entry is not present",
	ErrKernelPage:          "address falls within the kernel's address range",
	ErrPageNotPresent:      "virtual address is not mapped",
	ErrWornOutNewPages:     "process has exhausted its new_pages region table",

	ErrYieldNotRunnable: "target thread is not runnable",
	ErrNotBlocked:       "target thread is not blocked",
	ErrNegativeSleep:    "sleep duration must not be negative",

	ErrNoChildren:       "process has no children",
	ErrChildrenGone:     "all children have already been reaped",
	ErrNoOriginalThread: "process has no original thread recorded",
	ErrNoProcess:        "no such process",
	ErrWaitFull:         "all children already have a thread waiting on them",
	ErrActiveThreads:    "process still has active threads",
	ErrProcessNotExited: "process has not exited",
	ErrMultipleThreads:  "operation requires the process to be single-threaded",

	ErrElfInvalid:          "executable header is invalid",
	ErrElfLoadFail:         "failed to load executable segments",
	ErrSaveArgsFail:        "failed to save argument vector",
	ErrCreateUserStackFail: "failed to create the initial user stack",
	ErrSegmentPageFail:     "failed to create a segment page",
	ErrNoObjEntry:          "no such file in the boot archive",
	ErrInvalidOffset:       "invalid offset into file",
}
