package pmm

import (
	"testing"

	"github.com/d94ny/x86kernel/kernel/mm"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	Init(0x100000, 4)

	f1, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if got := RefCount(f1); got != 1 {
		t.Fatalf("expected freshly allocated frame to have refcount 1; got %d", got)
	}

	if err := Release(f1); err != nil {
		t.Fatal(err)
	}
	if got := RefCount(f1); got != 0 {
		t.Fatalf("expected released frame to have refcount 0; got %d", got)
	}

	// The freed frame should be reused before advancing further into the pool.
	f2, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if f2 != f1 {
		t.Fatalf("expected Allocate to reuse the freed frame %v; got %v", f1, f2)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	Init(0x100000, 2)

	if _, err := Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := Allocate(); err != ErrNoFrames {
		t.Fatalf("expected ErrNoFrames; got %v", err)
	}
}

func TestAcquireSaturatesAndRelease(t *testing.T) {
	Init(0x100000, 1)

	f, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 254; i++ {
		if err := Acquire(f); err != nil {
			t.Fatalf("unexpected error acquiring owner %d: %v", i, err)
		}
	}
	if got := RefCount(f); got != 255 {
		t.Fatalf("expected refcount to reach 255; got %d", got)
	}
	if err := Acquire(f); err != ErrTooManyFrameOwners {
		t.Fatalf("expected ErrTooManyFrameOwners; got %v", err)
	}

	for i := 0; i < 255; i++ {
		if err := Release(f); err != nil {
			t.Fatalf("unexpected error releasing owner %d: %v", i, err)
		}
	}
	if err := Release(f); err != ErrFreeOwnerlessFrame {
		t.Fatalf("expected ErrFreeOwnerlessFrame; got %v", err)
	}
}

func TestReleaseRejectsKernelFrame(t *testing.T) {
	Init(0x100000, 4)

	if err := Release(mm.Frame(0)); err != ErrKernelFrame {
		t.Fatalf("expected ErrKernelFrame for a frame below userMemStart; got %v", err)
	}
}

func TestCopyOnWriteSoleOwnerReturnsSameFrame(t *testing.T) {
	Init(0x100000, 4)

	f, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}

	newFrame, sole, err := CopyOnWrite(f)
	if err != nil {
		t.Fatal(err)
	}
	if !sole {
		t.Fatal("expected sole=true for a frame with a single owner")
	}
	if newFrame != f {
		t.Fatalf("expected CopyOnWrite to return the same frame for the sole owner; got %v want %v", newFrame, f)
	}
	if got := RefCount(f); got != 1 {
		t.Fatalf("expected refcount to remain 1; got %d", got)
	}
}

func TestCopyOnWriteSharedFrameAllocatesReplacement(t *testing.T) {
	Init(0x100000, 4)

	f, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := Acquire(f); err != nil {
		t.Fatal(err)
	}

	newFrame, sole, err := CopyOnWrite(f)
	if err != nil {
		t.Fatal(err)
	}
	if sole {
		t.Fatal("expected sole=false when another owner remains")
	}
	if newFrame == f {
		t.Fatal("expected CopyOnWrite to hand back a distinct frame")
	}
	if got := RefCount(f); got != 1 {
		t.Fatalf("expected the original frame's refcount to drop by one to 1; got %d", got)
	}
	if got := RefCount(newFrame); got != 1 {
		t.Fatalf("expected the new frame to be privately owned; got refcount %d", got)
	}
}

func TestCopyOnWriteRejectsKernelFrame(t *testing.T) {
	Init(0x100000, 4)

	if _, _, err := CopyOnWrite(mm.Frame(0)); err != ErrKernelFrame {
		t.Fatalf("expected ErrKernelFrame; got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	Init(0x100000, 4)

	if _, err := Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := Allocate(); err != nil {
		t.Fatal(err)
	}

	stats := GetStats()
	if stats.TotalFrames != 4 || stats.AllocatedFrames != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
