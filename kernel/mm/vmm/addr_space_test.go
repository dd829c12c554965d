package vmm

import (
	"testing"
	"unsafe"

	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/mm"
	"github.com/d94ny/x86kernel/kernel/mm/pmm"
)

func TestFlagsAndFrameForKind(t *testing.T) {
	specs := []struct {
		kind     PageKind
		refFrame mm.Frame
		expFlags PageTableEntryFlag
		expFrame mm.Frame
	}{
		{Text, mm.Frame(7), FlagPresent | FlagUserAccessible, mm.Frame(7)},
		{RoData, mm.Frame(8), FlagPresent | FlagUserAccessible, mm.Frame(8)},
		{Data, mm.Frame(9), FlagPresent | FlagUserAccessible | FlagRW, mm.Frame(9)},
		{User, mm.Frame(10), FlagPresent | FlagUserAccessible | FlagRW, mm.Frame(10)},
		{Bss, mm.Frame(99), FlagPresent | FlagUserAccessible | FlagZeroPage, ReservedZeroedFrame},
		{Heap, mm.Frame(99), FlagPresent | FlagUserAccessible | FlagZeroPage, ReservedZeroedFrame},
		{Stack, mm.Frame(99), FlagPresent | FlagUserAccessible | FlagZeroPage, ReservedZeroedFrame},
	}

	for _, spec := range specs {
		flags, frame := flagsAndFrameForKind(spec.kind, spec.refFrame)
		if flags != spec.expFlags {
			t.Errorf("kind %d: expected flags %x; got %x", spec.kind, spec.expFlags, flags)
		}
		if frame != spec.expFrame {
			t.Errorf("kind %d: expected frame %v; got %v", spec.kind, spec.expFrame, frame)
		}
	}
}

func TestFlagsOf(t *testing.T) {
	var pte pageTableEntry
	pte.SetFrame(mm.Frame(123))
	pte.SetFlags(FlagPresent | FlagRW)

	if got := flagsOf(pte); got != FlagPresent|FlagRW {
		t.Fatalf("expected flagsOf to mask out the frame bits; got %x", got)
	}
}

func TestWithActivatedSameDirectory(t *testing.T) {
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)

	as := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: mm.Frame(5)}}
	activePDTFn = func() uintptr { return mm.Frame(5).Address() }

	called := false
	if err := as.withActivated(func() *kernel.Error {
		called = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected fn to be invoked")
	}
}

func TestWithActivatedSwapsAndRestores(t *testing.T) {
	defer func(origActive func() uintptr, origFlush func(uintptr)) {
		activePDTFn = origActive
		flushTLBEntryFn = origFlush
	}(activePDTFn, flushTLBEntryFn)

	// Backing buffer for the hardware-active PDT. Sized generously (two
	// pages) so that the last-entry byte offset computed from pointerShift
	// never runs past the allocation regardless of host pointer width.
	activePhysPage := make([]byte, 2*mm.PageSize)
	activePdtFrame := mm.Frame(uintptr(unsafe.Pointer(&activePhysPage[0])) >> mm.PageShift)
	lastEntryOffset := ((uintptr(1) << pageLevelBits[0]) - 1) << pointerShift
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(&activePhysPage[lastEntryOffset]))
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(activePdtFrame)

	as := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: mm.Frame(999)}}
	activePDTFn = func() uintptr { return activePdtFrame.Address() }

	flushCount := 0
	flushTLBEntryFn = func(_ uintptr) { flushCount++ }

	var sawDuringCall mm.Frame
	err := as.withActivated(func() *kernel.Error {
		sawDuringCall = lastPdtEntry.Frame()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if sawDuringCall != as.pdt.pdtFrame {
		t.Fatalf("expected last entry to point at %v during fn; got %v", as.pdt.pdtFrame, sawDuringCall)
	}
	if got := lastPdtEntry.Frame(); got != activePdtFrame {
		t.Fatalf("expected last entry to be restored to %v; got %v", activePdtFrame, got)
	}
	if flushCount != 2 {
		t.Fatalf("expected 2 TLB flushes (swap in + restore); got %d", flushCount)
	}
}

func TestDestroyPageReleasesPrivateFrame(t *testing.T) {
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)
	defer func(orig func(uintptr) unsafe.Pointer) { ptePtrFn = orig }(ptePtrFn)
	defer func(orig func(mm.Page) *kernel.Error) { unmapFn = orig }(unmapFn)

	backing := make([]byte, mm.PageSize)
	frame := mm.Frame(uintptr(unsafe.Pointer(&backing[0])) >> mm.PageShift)
	pmm.Init(frame.Address(), 1)
	allocated, err := pmm.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	var pte pageTableEntry
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(allocated)

	activePDTFn = func() uintptr { return 0 }
	ptePtrFn = func(_ uintptr) unsafe.Pointer { return unsafe.Pointer(&pte) }
	unmapCount := 0
	unmapFn = func(_ mm.Page) *kernel.Error {
		unmapCount++
		return nil
	}

	as := &AddressSpace{}
	if err := as.DestroyPage(0x1000); err != nil {
		t.Fatal(err)
	}

	if unmapCount != 1 {
		t.Fatalf("expected Unmap to be called once; got %d", unmapCount)
	}
	if got := pmm.RefCount(allocated); got != 0 {
		t.Fatalf("expected frame to be released back to the pool; refcount = %d", got)
	}
}

func TestDestroyPageLeavesZFODFrameUncounted(t *testing.T) {
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)
	defer func(orig func(uintptr) unsafe.Pointer) { ptePtrFn = orig }(ptePtrFn)
	defer func(orig func(mm.Page) *kernel.Error) { unmapFn = orig }(unmapFn)

	var pte pageTableEntry
	pte.SetFlags(FlagPresent | FlagZeroPage)
	pte.SetFrame(ReservedZeroedFrame)

	activePDTFn = func() uintptr { return 0 }
	ptePtrFn = func(_ uintptr) unsafe.Pointer { return unsafe.Pointer(&pte) }
	unmapFn = func(_ mm.Page) *kernel.Error { return nil }

	as := &AddressSpace{}
	if err := as.DestroyPage(0x2000); err != nil {
		t.Fatal(err)
	}
	// No assertion beyond "did not panic/error": releasing the shared zero
	// frame through pmm would misbehave since pmm never tracks it.
}

func TestTearDownUserSkipsKernelDirectoryEntries(t *testing.T) {
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)
	defer func(orig func(uintptr) unsafe.Pointer) { entriesPtrFn = orig }(entriesPtrFn)
	defer func(orig func(uintptr) unsafe.Pointer) { ptePtrFn = orig }(ptePtrFn)
	defer func(orig func(uintptr)) { flushTLBEntryFn = orig }(flushTLBEntryFn)

	var dir [1024]pageTableEntry
	var kernelTable, userTable [1024]pageTableEntry

	backing := make([]byte, mm.PageSize)
	userFrame := mm.Frame(uintptr(unsafe.Pointer(&backing[0])) >> mm.PageShift)
	pmm.Init(userFrame.Address(), 1)
	allocated, err := pmm.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	dir[0].SetFlags(FlagPresent | FlagKernel)
	dir[0].SetFrame(mm.Frame(1))
	dir[1].SetFlags(FlagPresent)
	dir[1].SetFrame(mm.Frame(2))

	userTable[0].SetFlags(FlagPresent | FlagRW)
	userTable[0].SetFrame(allocated)

	dirAddr := (uintptr(1023) << pageLevelShifts[0]) | (uintptr(1023) << pageLevelShifts[1])
	kernelTableAddr := (uintptr(1023) << pageLevelShifts[0]) | (uintptr(0) << pageLevelShifts[1])
	userTableAddr := (uintptr(1023) << pageLevelShifts[0]) | (uintptr(1) << pageLevelShifts[1])

	entriesPtrFn = func(addr uintptr) unsafe.Pointer {
		switch addr {
		case dirAddr:
			return unsafe.Pointer(&dir[0])
		case kernelTableAddr:
			return unsafe.Pointer(&kernelTable[0])
		case userTableAddr:
			return unsafe.Pointer(&userTable[0])
		default:
			t.Fatalf("unexpected entriesPtrFn address %x", addr)
			return nil
		}
	}
	activePDTFn = func() uintptr { return 0 }
	flushTLBEntryFn = func(_ uintptr) {}

	as := &AddressSpace{}
	if err := as.tearDownUser(false); err != nil {
		t.Fatal(err)
	}

	if !dir[0].HasFlags(FlagPresent) {
		t.Fatal("expected the FlagKernel directory entry to remain present")
	}
	if !dir[1].HasFlags(FlagPresent) {
		t.Fatal("expected ResetUserSpace (freeTables=false) to leave the user directory entry's own table present")
	}
	if userTable[0].HasFlags(FlagPresent) {
		t.Fatal("expected the user page table's entry to be cleared")
	}
	if got := pmm.RefCount(allocated); got != 0 {
		t.Fatalf("expected the released frame's refcount to drop to 0; got %d", got)
	}
}

func TestCopyPagingRequiresParentActive(t *testing.T) {
	defer func(orig func() uintptr) { activePDTFn = orig }(activePDTFn)

	parent := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: mm.Frame(1)}}
	child := &AddressSpace{pdt: PageDirectoryTable{pdtFrame: mm.Frame(2)}}

	activePDTFn = func() uintptr { return mm.Frame(3).Address() }

	if err := CopyPaging(parent, child); err != errCopyPagingParentNotActive {
		t.Fatalf("expected errCopyPagingParentNotActive; got %v", err)
	}
}
