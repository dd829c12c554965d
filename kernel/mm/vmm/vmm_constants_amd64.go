package vmm

const (
	// pageLevels indicates the number of page table levels supported by the
	// 32-bit protected-mode MMU: a page directory and a page table.
	pageLevels = 2

	// pointerShift is equal to log2(sizeof(pte_t)); each entry occupies a
	// 32-bit word.
	pointerShift = uintptr(2)

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-31 contain the
	// physical frame address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for temporary
	// physical page mappings (e.g. when mapping an inactive page directory
	// or performing a copy-on-write/ZFOD fault-path copy). It lives in the
	// last page-table-sized slot below the recursive mapping window.
	tempMappingAddr = uintptr(0xffbff000)
)

var (
	// pdtVirtualAddr is the recursively-mapped virtual address of the
	// active page directory's own entries. The last page directory entry
	// points back at the directory itself so that, by repeatedly shifting
	// in page-level-index bits of all ones, the MMU's own translation
	// mechanism can be used to read and write arbitrary page table entries
	// without a separate physical-memory window.
	pdtVirtualAddr = uintptr(0xfffff000)

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. The 32-bit two-level scheme uses 10
	// bits per level, giving 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages. The vmm
	// package does not support these and treats the bit as a hard error.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached mapping
	// for this page when switching page directories by updating CR3. No
	// code in this tree sets it.
	FlagGlobal

	// FlagZeroPage marks a page that is backed by the shared, read-only
	// zero frame (see ReservedZeroedFrame). It is mutually exclusive with
	// FlagCopyOnWrite; the first write to such a page is resolved by the
	// page-fault handler via zero-fill-on-demand.
	FlagZeroPage = 1 << 9

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 10

	// FlagKernel marks a page directory entry whose page table is one of
	// the shared, globally-mapped kernel tables installed by Install. It is
	// never cleared by ResetUserSpace or Destroy.
	FlagKernel = 1 << 11
)
