package vmm

import (
	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/gate"
	"github.com/d94ny/x86kernel/kernel/kfmt"
	"github.com/d94ny/x86kernel/kernel/mm"
	"github.com/d94ny/x86kernel/kernel/mm/pmm"
	"github.com/d94ny/x86kernel/kernel/thread"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when
// a RW protection check fails. It tries, in order: zero-fill-on-demand for
// FlagZeroPage pages, copy-on-write for FlagCopyOnWrite pages, and finally
// the faulting thread's registered swexn handler, before giving up and
// killing the kernel.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred.
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)
		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}
		return nextIsPresent
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) {
		switch {
		case pageEntry.HasFlags(FlagZeroPage):
			if resolveZeroFillOnDemand(faultPage, pageEntry) {
				return
			}
		case pageEntry.HasFlags(FlagCopyOnWrite):
			if resolveCopyOnWrite(faultPage, pageEntry) {
				return
			}
		}
	}

	if deliverSwexn(faultAddress, regs) {
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// resolveZeroFillOnDemand backs a FlagZeroPage fault with a freshly
// allocated, zeroed private frame.
func resolveZeroFillOnDemand(faultPage mm.Page, pageEntry *pageTableEntry) bool {
	newFrame, err := mm.AllocFrame()
	if err != nil {
		return false
	}
	tmpPage, err := mapTemporaryFn(newFrame)
	if err != nil {
		return false
	}
	kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagZeroPage)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(newFrame)
	flushTLBEntryFn(faultPage.Address())
	return true
}

// resolveCopyOnWrite backs a FlagCopyOnWrite fault via pmm.CopyOnWrite: if
// this mapping is the frame's sole remaining owner the CoW flag is simply
// lifted in place, otherwise the frame's contents are copied into a new
// private frame before the mapping is retargeted.
func resolveCopyOnWrite(faultPage mm.Page, pageEntry *pageTableEntry) bool {
	newFrame, sole, err := pmm.CopyOnWrite(pageEntry.Frame())
	if err != nil {
		return false
	}

	if sole {
		pageEntry.ClearFlags(FlagCopyOnWrite)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		flushTLBEntryFn(faultPage.Address())
		return true
	}

	tmpPage, err := mapTemporaryFn(newFrame)
	if err != nil {
		return false
	}
	kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(newFrame)
	flushTLBEntryFn(faultPage.Address())
	return true
}

// deliverSwexn redirects execution to the faulting thread's registered
// software exception handler, if any: the handler receives the faulting
// thread's registered argument in RDI and the faulting address in RSI, and
// resumes on the handler's own registered stack and entry point. The
// registration is a one-shot: it is consumed here so that a second
// unhandled fault inside the handler itself falls through to
// nonRecoverablePageFault instead of looping.
func deliverSwexn(faultAddress uintptr, regs *gate.Registers) bool {
	t := thread.Current()
	if t == nil || !t.Swexn.Registered {
		return false
	}
	t.Swexn.Registered = false

	regs.RSP = uint64(t.Swexn.Esp)
	regs.RIP = uint64(t.Swexn.Eip)
	regs.RDI = uint64(t.Swexn.Arg)
	regs.RSI = uint64(faultAddress)
	return true
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	if deliverSwexn(uintptr(readCR2Fn()), regs) {
		return
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case regs.Info == 0:
		kfmt.Printf("read from non-present page")
	case regs.Info == 1:
		kfmt.Printf("page protection violation (read)")
	case regs.Info == 2:
		kfmt.Printf("write to non-present page")
	case regs.Info == 3:
		kfmt.Printf("page protection violation (write)")
	case regs.Info == 4:
		kfmt.Printf("page-fault in user-mode")
	case regs.Info == 8:
		kfmt.Printf("page table has reserved bit set")
	case regs.Info == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(err)
}
