// Package trap installs handlers for the synchronous CPU exception vectors
// that kernel/mm/vmm does not already own. The page-fault and general
// protection vectors are claimed directly by vmm.Install, since both need
// direct access to the page tables; every other exception a user program can
// trigger (divide errors, invalid opcodes, unaligned accesses, ...) is
// modeled here as a single vector table, each entry first offered to the
// faulting thread's registered swexn handler before falling back to a
// kernel panic with a register dump. This mirrors kern/handlers/exception.c's
// switch over IDT vector names, rebuilt atop kernel/gate's IDT-gate builder.
package trap

import (
	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/gate"
	"github.com/d94ny/x86kernel/kernel/kfmt"
	"github.com/d94ny/x86kernel/kernel/thread"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	errUnhandledException = &kernel.Error{Module: "trap", Message: "unhandled CPU exception"}
)

// vectorTable pairs every exception vector this package owns with the
// human-readable reason printed alongside a register dump when no swexn
// handler is registered to recover from it.
var vectorTable = []struct {
	vector gate.InterruptNumber
	reason string
}{
	{gate.DivideByZero, "divide by zero"},
	{gate.NMI, "non-maskable interrupt"},
	{gate.Overflow, "overflow"},
	{gate.BoundRangeExceeded, "BOUND range exceeded"},
	{gate.InvalidOpcode, "invalid opcode"},
	{gate.DeviceNotAvailable, "device not available"},
	{gate.DoubleFault, "double fault"},
	{gate.InvalidTSS, "invalid TSS"},
	{gate.SegmentNotPresent, "segment not present"},
	{gate.StackSegmentFault, "stack segment fault"},
	{gate.FloatingPointException, "x87 floating point exception"},
	{gate.AlignmentCheck, "alignment check"},
	{gate.MachineCheck, "machine check"},
	{gate.SIMDFloatingPointException, "SIMD floating point exception"},
}

// Install registers a dispatcher for every vector in vectorTable. Called
// once at boot, after kernel/mm/vmm.Install has claimed the page-fault and
// GPF vectors, so that the two tables never race to install the same gate.
func Install() {
	for _, v := range vectorTable {
		reason := v.reason
		handleInterruptFn(v.vector, 0, func(regs *gate.Registers) {
			dispatch(reason, regs)
		})
	}
}

// dispatch tries the faulting thread's swexn handler first and, failing
// that, panics with a register dump. DoubleFault and MachineCheck will
// never find a usable swexn handler in practice (the former because the
// triggering condition usually corrupted the current thread's state beyond
// recovery, the latter because it denotes a hardware fault); they still run
// through the same path for uniformity, and simply fall straight through to
// the panic.
func dispatch(reason string, regs *gate.Registers) {
	if deliverSwexn(regs) {
		return
	}

	kfmt.Printf("\nUnhandled exception: %s\n", reason)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnhandledException)
}

// deliverSwexn redirects execution to the faulting thread's registered
// software exception handler, if any: the handler receives its registered
// argument in RDI and the faulting RIP in RSI, and resumes on the handler's
// own registered stack and entry point. The registration is a one-shot: it
// is consumed here so a second unhandled exception inside the handler
// itself falls through to the panic instead of looping.
func deliverSwexn(regs *gate.Registers) bool {
	t := thread.Current()
	if t == nil || !t.Swexn.Registered {
		return false
	}
	t.Swexn.Registered = false

	faultRIP := regs.RIP
	regs.RSP = uint64(t.Swexn.Esp)
	regs.RIP = uint64(t.Swexn.Eip)
	regs.RDI = uint64(t.Swexn.Arg)
	regs.RSI = faultRIP
	return true
}
