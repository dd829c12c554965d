package vmm

import (
	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/mm"
	"github.com/d94ny/x86kernel/kernel/mm/pmm"
	"github.com/d94ny/x86kernel/multiboot"
	"unsafe"
)

// PageKind classifies the purpose of a page passed to CreatePage and
// determines the flags and backing frame installed for it.
type PageKind uint8

const (
	// Text and RoData are loaded directly from a program's segments and
	// mapped read-only; refFrame must already hold their contents.
	Text PageKind = iota
	RoData

	// Data is loaded from a program's segment but remains writable
	// afterwards; refFrame must already hold its initial contents.
	Data

	// Bss, Heap and Stack start out unpopulated and are resolved lazily via
	// zero-fill-on-demand; refFrame is ignored for these kinds.
	Bss
	Heap
	Stack

	// User is an explicit, already-populated private allocation (e.g. a
	// new_pages syscall); refFrame must hold the frame to map.
	User
)

func flagsAndFrameForKind(kind PageKind, refFrame mm.Frame) (PageTableEntryFlag, mm.Frame) {
	switch kind {
	case Text, RoData:
		return FlagPresent | FlagUserAccessible, refFrame
	case Data:
		return FlagPresent | FlagUserAccessible | FlagRW, refFrame
	case User:
		return FlagPresent | FlagUserAccessible | FlagRW, refFrame
	default: // Bss, Heap, Stack
		return FlagPresent | FlagUserAccessible | FlagZeroPage, ReservedZeroedFrame
	}
}

// AddressSpace is a process's private view of virtual memory: a page
// directory table plus the bookkeeping needed to tear it down or fork it.
// Every AddressSpace carries an identical set of FlagKernel-marked directory
// entries (the kernel image and any early-reserved kernel regions); only the
// remaining, user-owned entries ever differ between processes.
type AddressSpace struct {
	pdt PageDirectoryTable
}

var errCopyPagingParentNotActive = &kernel.Error{Module: "vmm", Message: "CopyPaging requires the parent address space to be the active one"}

// visitElfSectionsFn is used by tests and is automatically inlined by the
// compiler.
var visitElfSectionsFn = multiboot.VisitElfSections

// Install sets up the very first AddressSpace at boot time. It walks the
// multiboot-reported ELF sections of the running kernel image, builds a
// granular page directory for them in place of the bootloader's identity
// mapping, marks every resulting directory entry FlagKernel so later
// processes can share it verbatim, activates the directory, and finally
// reserves the ZFOD zero frame. This is the per-process-aware replacement
// for the teacher's package-level kernelPDT global plus setupPDTForKernel
// and vmm.Init: the caller now owns the returned value instead of every
// process implicitly sharing one mutable global directory.
func Install(kernelPageOffset uintptr) (*AddressSpace, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{}
	if err = as.pdt.Init(pdtFrame); err != nil {
		return nil, err
	}

	var visitor = func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if err != nil || secAddress < kernelPageOffset {
			return
		}

		flags := FlagPresent
		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		curPage := mm.PageFromAddress(secAddress)
		lastPage := mm.PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := mm.Frame((secAddress - kernelPageOffset) >> mm.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = as.pdt.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	}

	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)
	if err != nil {
		return nil, err
	}

	// Carry over any pages mapped by the early allocator via
	// EarlyReserveRegion so they remain reachable once the granular
	// directory is activated.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += mm.PageSize {
		page := mm.PageFromAddress(rsvAddr)

		frameAddr, terr := translateFn(rsvAddr)
		if terr != nil {
			return nil, terr
		}

		if terr = as.pdt.Map(page, mm.Frame(frameAddr>>mm.PageShift), FlagPresent|FlagRW); terr != nil {
			return nil, terr
		}
	}

	as.pdt.Activate()
	markKernelDirectoryEntries()

	installFaultHandlers()

	if err = reserveZeroedFrame(); err != nil {
		return nil, err
	}

	return as, nil
}

// markKernelDirectoryEntries flags every present directory entry of the
// currently active directory (other than the recursive self-map entry) as
// FlagKernel. Called once, right after Install activates the kernel's
// directory; every later InitForNewProcess copies these entries verbatim.
func markKernelDirectoryEntries() {
	dirEntries := directoryEntries()
	for i := 0; i < len(dirEntries)-1; i++ {
		if dirEntries[i].HasFlags(FlagPresent) {
			dirEntries[i].SetFlags(FlagKernel)
		}
	}
}

// entriesPtrFn resolves the base address of a recursively-mapped table to
// an unsafe.Pointer. Like ptePtrFn in pdt.go, it is overridden by tests so
// directoryEntries/pageTableEntries can be pointed at plain Go-allocated
// arrays instead of real recursively-mapped memory.
var entriesPtrFn = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// directoryEntries returns the 1024 entries of the currently active page
// directory through the recursive self-mapping window.
func directoryEntries() *[1024]pageTableEntry {
	return pageTableEntries(1023)
}

// pageTableEntries returns the 1024 entries of the page table referenced by
// directory entry dirIndex of the currently active page directory, again
// through the recursive self-mapping window.
func pageTableEntries(dirIndex uintptr) *[1024]pageTableEntry {
	addr := (uintptr(1023) << pageLevelShifts[0]) | (dirIndex << pageLevelShifts[1])
	return (*[1024]pageTableEntry)(entriesPtrFn(addr))
}

// flagsOf returns just the flag bits of a page table entry, with the
// physical frame bits masked out.
func flagsOf(pte pageTableEntry) PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// withActivated runs fn with as's page directory reachable through the
// recursive self-mapping window, temporarily retargeting the truly active
// directory's own last entry if as is not already that directory. This
// generalizes the single-mapping swap that PageDirectoryTable.Map/Unmap
// already perform into a helper that a sequence of recursive-mapping
// reads/writes (directoryEntries, pageTableEntries) can run inside.
//
// fn must use the raw recursive-mapping helpers (directoryEntries,
// pageTableEntries, the package-level Map/Unmap) rather than as.pdt.Map/
// as.pdt.Unmap: those methods perform this same swap internally and would
// undo the one fn is relying on partway through a multi-step sequence.
func (as *AddressSpace) withActivated(fn func() *kernel.Error) *kernel.Error {
	activePdtFrame := mm.Frame(activePDTFn() >> mm.PageShift)
	if activePdtFrame == as.pdt.pdtFrame {
		return fn()
	}

	lastPdtEntryAddr := activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << pointerShift)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(lastPdtEntryAddr))
	lastPdtEntry.SetFrame(as.pdt.pdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)

	err := fn()

	lastPdtEntry.SetFrame(activePdtFrame)
	flushTLBEntryFn(lastPdtEntryAddr)

	return err
}

// InitForNewProcess allocates a fresh, empty AddressSpace and populates its
// directory with the same FlagKernel entries as the caller's own directory,
// which must be the currently active one (create_process/fork always run
// with the parent's AddressSpace active). Every process's directory carries
// identical kernel-range entries by invariant, so copying from whichever
// AddressSpace happens to be active is always correct.
func (as *AddressSpace) InitForNewProcess() (*AddressSpace, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	child := &AddressSpace{}
	if err = child.pdt.Init(pdtFrame); err != nil {
		return nil, err
	}

	// Copied out before the swap: inside withActivated the recursive window
	// shows the child's directory instead of the caller's.
	sourceDir := *directoryEntries()

	if err = child.withActivated(func() *kernel.Error {
		childDir := directoryEntries()
		for i := 0; i < len(sourceDir)-1; i++ {
			if sourceDir[i].HasFlags(FlagKernel) {
				childDir[i] = sourceDir[i]
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return child, nil
}

// CreatePage maps a single page of the given kind into this address space.
func (as *AddressSpace) CreatePage(virtAddr uintptr, kind PageKind, refFrame mm.Frame) *kernel.Error {
	flags, frame := flagsAndFrameForKind(kind, refFrame)
	return as.pdt.Map(mm.PageFromAddress(virtAddr), frame, flags)
}

// DestroyPage removes the mapping at virtAddr and releases the frame it
// pointed to, unless that frame is the shared ZFOD zero frame.
func (as *AddressSpace) DestroyPage(virtAddr uintptr) *kernel.Error {
	page := mm.PageFromAddress(virtAddr)

	var freed mm.Frame
	err := as.withActivated(func() *kernel.Error {
		pte, perr := pteForAddress(virtAddr)
		if perr != nil {
			return perr
		}
		freed = pte.Frame()
		return unmapFn(page)
	})
	if err != nil {
		return err
	}

	if freed != ReservedZeroedFrame {
		_ = pmm.Release(freed)
	}
	return nil
}

// tearDownUser unmaps and releases every present, non-FlagKernel page in
// this address space. If freeTables is true the frames backing the
// now-empty user-owned page tables are released too and their directory
// entries cleared; ResetUserSpace passes false (the process is about to
// exec a new image into the same directory) while Destroy passes true (the
// process is gone for good).
func (as *AddressSpace) tearDownUser(freeTables bool) *kernel.Error {
	return as.withActivated(func() *kernel.Error {
		dirEntries := directoryEntries()
		for i := 0; i < len(dirEntries)-1; i++ {
			if !dirEntries[i].HasFlags(FlagPresent) || dirEntries[i].HasFlags(FlagKernel) {
				continue
			}

			ptes := pageTableEntries(uintptr(i))
			for j := range ptes {
				if !ptes[j].HasFlags(FlagPresent) {
					continue
				}
				frame := ptes[j].Frame()
				if frame != ReservedZeroedFrame {
					_ = pmm.Release(frame)
				}
				vaddr := (uintptr(i) << pageLevelShifts[0]) | (uintptr(j) << pageLevelShifts[1])
				ptes[j].ClearFlags(FlagPresent)
				flushTLBEntryFn(vaddr)
			}

			if freeTables {
				_ = pmm.Release(dirEntries[i].Frame())
				dirEntries[i].ClearFlags(FlagPresent)
			}
		}
		return nil
	})
}

// ResetUserSpace tears down every user-owned mapping in this address space
// while leaving its page tables allocated and its kernel-shared entries
// intact, for a process about to exec a new image.
func (as *AddressSpace) ResetUserSpace() *kernel.Error { return as.tearDownUser(false) }

// Destroy tears down every user-owned mapping and page table in this
// address space and releases its own directory frame. Called once a
// process's last thread has vanished and it is being reaped.
func (as *AddressSpace) Destroy() *kernel.Error {
	if err := as.tearDownUser(true); err != nil {
		return err
	}
	return pmm.Release(as.pdt.pdtFrame)
}

type copiedPage struct {
	index int
	frame mm.Frame
	flags PageTableEntryFlag
}

type copiedTable struct {
	dirIndex int
	pages    []copiedPage
}

// eagerCopyInto allocates a private frame and copies the contents currently
// visible at srcVAddr into it, used as the CopyPaging fallback once a
// frame's pmm reference count is already saturated and it can no longer be
// shared any further.
func eagerCopyInto(srcVAddr uintptr) (mm.Frame, *kernel.Error) {
	newFrame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	tmpPage, err := mapTemporaryFn(newFrame)
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memcopy(srcVAddr, tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)
	return newFrame, nil
}

// CopyPaging populates child's user-owned mappings from parent's, which
// must be the currently active AddressSpace (fork/copy_process always run
// with the parent active, being a uniprocessor kernel with a single calling
// thread). ZFOD pages are shared verbatim, since ReservedZeroedFrame is an
// eternal, uncounted singleton. Private writable pages become CoW-shared:
// both parent's and the new child's mapping are marked read-only plus
// FlagCopyOnWrite and the frame's pmm reference count is incremented,
// unless that count is already saturated at 255, in which case the child
// gets an eager private copy instead and the parent's mapping is left
// untouched. Already-CoW-shared pages are likewise just reference-counted
// (or eagerly copied on saturation).
func CopyPaging(parent, child *AddressSpace) *kernel.Error {
	if mm.Frame(activePDTFn()>>mm.PageShift) != parent.pdt.pdtFrame {
		return errCopyPagingParentNotActive
	}

	parentDir := directoryEntries()
	var tables []copiedTable

	for i := 0; i < len(parentDir)-1; i++ {
		if !parentDir[i].HasFlags(FlagPresent) || parentDir[i].HasFlags(FlagKernel) {
			continue
		}

		parentPtes := pageTableEntries(uintptr(i))
		var pages []copiedPage

		for j := range parentPtes {
			ppte := parentPtes[j]
			if !ppte.HasFlags(FlagPresent) {
				continue
			}

			if ppte.HasFlags(FlagZeroPage) {
				pages = append(pages, copiedPage{j, ppte.Frame(), flagsOf(ppte)})
				continue
			}

			frame := ppte.Frame()
			vaddr := (uintptr(i) << pageLevelShifts[0]) | (uintptr(j) << pageLevelShifts[1])

			if ppte.HasFlags(FlagRW) && !ppte.HasFlags(FlagCopyOnWrite) {
				parentPtes[j].ClearFlags(FlagRW)
				parentPtes[j].SetFlags(FlagCopyOnWrite)
				flushTLBEntryFn(vaddr)
				ppte = parentPtes[j]
			}

			if err := pmm.Acquire(frame); err != nil {
				if err != pmm.ErrTooManyFrameOwners {
					return err
				}

				newFrame, cerr := eagerCopyInto(vaddr)
				if cerr != nil {
					return cerr
				}
				pages = append(pages, copiedPage{j, newFrame, FlagPresent | FlagUserAccessible | FlagRW})
				continue
			}

			pages = append(pages, copiedPage{j, frame, flagsOf(ppte)})
		}

		tables = append(tables, copiedTable{i, pages})
	}

	return child.withActivated(func() *kernel.Error {
		childDir := directoryEntries()
		for _, t := range tables {
			tableFrame, err := mm.AllocFrame()
			if err != nil {
				return err
			}
			tmpPage, err := mapTemporaryFn(tableFrame)
			if err != nil {
				return err
			}
			kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
			_ = unmapFn(tmpPage)

			childDir[t.dirIndex] = 0
			childDir[t.dirIndex].SetFrame(tableFrame)
			childDir[t.dirIndex].SetFlags(FlagPresent | FlagRW | FlagUserAccessible)

			childPtes := pageTableEntries(uintptr(t.dirIndex))
			for _, p := range t.pages {
				childPtes[p.index] = 0
				childPtes[p.index].SetFrame(p.frame)
				childPtes[p.index].SetFlags(p.flags)
			}
		}
		return nil
	})
}
