// Package pmm implements the kernel's physical user-memory frame allocator.
//
// Physical memory below userMemStart is reserved for the kernel image and
// boot structures and is never handed out by this package. Frames at or
// above userMemStart are tracked by a flat, byte-indexed reference-count
// table: a count of zero means the frame is free, a count of one means it
// is privately owned, and a count greater than one means the frame is
// shared copy-on-write across two or more page tables.
package pmm

import (
	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/mm"
	"github.com/d94ny/x86kernel/kernel/sync"
)

var (
	// ErrNoFrames is returned by Allocate when the free list is exhausted.
	ErrNoFrames = &kernel.Error{Module: "pmm", Message: "no free frames available"}

	// ErrKernelFrame is returned by Acquire/Release when asked to operate on
	// a frame below userMemStart.
	ErrKernelFrame = &kernel.Error{Module: "pmm", Message: "frame belongs to the kernel and has no refcount"}

	// ErrFreeOwnerlessFrame is returned by Release when the frame's refcount
	// is already zero.
	ErrFreeOwnerlessFrame = &kernel.Error{Module: "pmm", Message: "attempt to release a frame with no owners"}

	// ErrTooManyFrameOwners is returned by Acquire when the frame's refcount
	// is already saturated at 255.
	ErrTooManyFrameOwners = &kernel.Error{Module: "pmm", Message: "frame already has the maximum number of owners"}
)

// table is the global, boot-initialized frame table singleton.
var table FrameTable

// Init reserves physical frames [userMemStart, userMemStart+frameCount*PageSize)
// as the pool this allocator hands out and registers it with mm as the
// active frame allocator (mirrors the teacher's mm.SetFrameAllocator
// bootstrap idiom).
func Init(userMemStart uintptr, frameCount uint32) *kernel.Error {
	table.init(userMemStart, frameCount)
	mm.SetFrameAllocator(Allocate)
	return nil
}

// FrameTable owns the reference counts for every user-allocatable physical
// frame and the single mutex that serializes all mutation of this state, per
// spec: "All operations take a single global mutex".
type FrameTable struct {
	mu              sync.Mutex
	refcount        []uint8
	userMemStart    uintptr
	nextFree        int32 // lowest free index; -1 means no frame is free
	allocatedFrames uint32
}

func (t *FrameTable) init(userMemStart uintptr, frameCount uint32) {
	t.userMemStart = userMemStart
	t.refcount = make([]uint8, frameCount)
	t.nextFree = 0
	t.allocatedFrames = 0
}

func (t *FrameTable) index(f mm.Frame) (int, bool) {
	addr := f.Address()
	if addr < t.userMemStart {
		return 0, false
	}
	idx := (addr - t.userMemStart) >> mm.PageShift
	if idx >= uintptr(len(t.refcount)) {
		return 0, false
	}
	return int(idx), true
}

// Allocate reserves a free frame, sets its refcount to one, and returns it.
func Allocate() (mm.Frame, *kernel.Error) { return table.allocate() }

func (t *FrameTable) allocate() (mm.Frame, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked()
}

// allocateLocked is the body of allocate, factored out so copyOnWrite can
// allocate a replacement frame without releasing and reacquiring t.mu
// between reading the old frame's refcount and installing the new one.
func (t *FrameTable) allocateLocked() (mm.Frame, *kernel.Error) {
	if t.nextFree < 0 {
		return mm.InvalidFrame, ErrNoFrames
	}

	idx := int(t.nextFree)
	t.refcount[idx] = 1
	t.allocatedFrames++

	t.nextFree = -1
	for i := idx + 1; i < len(t.refcount); i++ {
		if t.refcount[i] == 0 {
			t.nextFree = int32(i)
			break
		}
	}

	return mm.Frame(uintptr(idx) + (t.userMemStart >> mm.PageShift)), nil
}

// Acquire increments the reference count of an already-allocated frame. It
// fails with ErrTooManyFrameOwners when the count is already saturated at
// 255, per spec: the caller must fall back to allocating and copying a
// private frame instead of sharing further.
func Acquire(f mm.Frame) *kernel.Error { return table.acquire(f) }

func (t *FrameTable) acquire(f mm.Frame) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index(f)
	if !ok {
		return ErrKernelFrame
	}
	if t.refcount[idx] == 0 {
		return ErrFreeOwnerlessFrame
	}
	if t.refcount[idx] == 255 {
		return ErrTooManyFrameOwners
	}
	t.refcount[idx]++
	return nil
}

// Release decrements the reference count of a frame and, if it reaches
// zero, returns it to the free pool.
func Release(f mm.Frame) *kernel.Error { return table.release(f) }

func (t *FrameTable) release(f mm.Frame) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index(f)
	if !ok {
		return ErrKernelFrame
	}
	if t.refcount[idx] == 0 {
		return ErrFreeOwnerlessFrame
	}

	t.refcount[idx]--
	if t.refcount[idx] == 0 {
		t.allocatedFrames--
		if t.nextFree < 0 || int32(idx) < t.nextFree {
			t.nextFree = int32(idx)
		}
	}
	return nil
}

// CopyOnWrite resolves a write fault against a frame shared via
// FlagCopyOnWrite. If old is privately held (its reference count is
// exactly one) there are no other owners left to protect and sole is true:
// the caller can simply mark its own mapping writable in place. Otherwise
// CopyOnWrite releases the calling address space's share of old, allocates
// a fresh private frame, and returns sole=false so the caller copies old's
// contents into the new frame before remapping and marking it writable.
func CopyOnWrite(old mm.Frame) (mm.Frame, bool, *kernel.Error) { return table.copyOnWrite(old) }

func (t *FrameTable) copyOnWrite(old mm.Frame) (mm.Frame, bool, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index(old)
	if !ok {
		return mm.InvalidFrame, false, ErrKernelFrame
	}
	if t.refcount[idx] == 0 {
		return mm.InvalidFrame, false, ErrFreeOwnerlessFrame
	}
	if t.refcount[idx] == 1 {
		return old, true, nil
	}

	t.refcount[idx]--
	if t.refcount[idx] == 0 {
		t.allocatedFrames--
		if t.nextFree < 0 || int32(idx) < t.nextFree {
			t.nextFree = int32(idx)
		}
	}

	newFrame, err := t.allocateLocked()
	if err != nil {
		return mm.InvalidFrame, false, err
	}
	return newFrame, false, nil
}

// RefCount returns the current reference count of f. Frames outside the
// user range always report zero.
func RefCount(f mm.Frame) uint8 { return table.refCount(f) }

func (t *FrameTable) refCount(f mm.Frame) uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.index(f)
	if !ok {
		return 0
	}
	return t.refcount[idx]
}

// Stats reports the allocator's current occupancy, used only for kernel
// diagnostics (mirrors the teacher's bootMemAllocator.printMemoryMap idiom).
type Stats struct {
	TotalFrames     uint32
	AllocatedFrames uint32
}

// GetStats returns a snapshot of the allocator's occupancy.
func GetStats() Stats {
	table.mu.Lock()
	defer table.mu.Unlock()
	return Stats{TotalFrames: uint32(len(table.refcount)), AllocatedFrames: table.allocatedFrames}
}
