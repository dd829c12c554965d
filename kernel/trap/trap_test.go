package trap

import (
	"bytes"
	"testing"

	"github.com/d94ny/x86kernel/kernel/gate"
	"github.com/d94ny/x86kernel/kernel/kfmt"
	"github.com/d94ny/x86kernel/kernel/thread"
)

func TestInstallRegistersEveryVector(t *testing.T) {
	defer func(orig func(gate.InterruptNumber, uint8, func(*gate.Registers))) {
		handleInterruptFn = orig
	}(handleInterruptFn)

	registered := map[gate.InterruptNumber]bool{}
	handleInterruptFn = func(v gate.InterruptNumber, ist uint8, _ func(*gate.Registers)) {
		if ist != 0 {
			t.Errorf("expected vector %d to be installed without an IST offset; got %d", v, ist)
		}
		registered[v] = true
	}

	Install()

	if len(registered) != len(vectorTable) {
		t.Fatalf("expected %d vectors registered; got %d", len(vectorTable), len(registered))
	}
	for _, v := range vectorTable {
		if !registered[v.vector] {
			t.Errorf("expected vector %d (%s) to be registered", v.vector, v.reason)
		}
	}

	// The vectors vmm.Install claims for itself must never be duplicated
	// here, or installing both tables would clobber one another's gate.
	for _, owned := range []gate.InterruptNumber{gate.PageFaultException, gate.GPFException} {
		if registered[owned] {
			t.Errorf("vector %d is owned by kernel/mm/vmm and must not be registered by trap.Install", owned)
		}
	}
}

func TestDispatchPanicsWithoutSwexnHandler(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		thread.SetCurrent(nil)
	}()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	thread.SetCurrent(nil)

	defer func() {
		if err := recover(); err != errUnhandledException {
			t.Errorf("expected a panic with errUnhandledException; got %v", err)
		}
		if got := buf.String(); !bytes.Contains([]byte(got), []byte("divide by zero")) {
			t.Errorf("expected the dump to mention the reason; got %q", got)
		}
	}()

	var regs gate.Registers
	dispatch("divide by zero", &regs)
}

func TestDispatchEveryReasonIsDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, v := range vectorTable {
		if seen[v.reason] {
			t.Errorf("duplicate reason %q in vectorTable", v.reason)
		}
		seen[v.reason] = true
	}
}

func TestDeliverSwexnRedirectsRegisteredHandler(t *testing.T) {
	defer thread.SetCurrent(nil)

	self := &thread.Thread{}
	self.Swexn = thread.Swexn{Registered: true, Esp: 0x1000, Eip: 0x2000, Arg: 0x3000}
	thread.SetCurrent(self)

	regs := gate.Registers{RIP: 0xdead}
	if !deliverSwexn(&regs) {
		t.Fatal("expected deliverSwexn to report a registered handler")
	}
	if regs.RSP != 0x1000 || regs.RIP != 0x2000 || regs.RDI != 0x3000 || regs.RSI != 0xdead {
		t.Fatalf("unexpected register redirection: %+v", regs)
	}
	if self.Swexn.Registered {
		t.Fatal("expected the one-shot registration to be consumed")
	}
}

func TestDeliverSwexnNoHandlerRegistered(t *testing.T) {
	thread.SetCurrent(nil)

	var regs gate.Registers
	if deliverSwexn(&regs) {
		t.Fatal("expected deliverSwexn to report no handler when none is current")
	}

	self := &thread.Thread{}
	thread.SetCurrent(self)
	if deliverSwexn(&regs) {
		t.Fatal("expected deliverSwexn to report no handler when Swexn.Registered is false")
	}
}

func TestDispatchRecoversViaSwexnHandler(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
		thread.SetCurrent(nil)
	}()

	self := &thread.Thread{}
	self.Swexn = thread.Swexn{Registered: true, Esp: 0x1000, Eip: 0x2000, Arg: 0x3000}
	thread.SetCurrent(self)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	regs := gate.Registers{RIP: 0xbeef}
	dispatch("invalid opcode", &regs)

	if buf.Len() != 0 {
		t.Fatalf("expected no panic dump when a swexn handler recovers the exception; got %q", buf.String())
	}
	if regs.RIP != 0x2000 {
		t.Fatalf("expected RIP to be redirected to the handler entry point; got %x", regs.RIP)
	}
}
