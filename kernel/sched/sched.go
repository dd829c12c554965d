// Package sched implements the kernel's single-CPU, timer-preemptive thread
// scheduler: the run queue, the sleep queue, the no_switch guard that
// suppresses timer-driven switches during a critical region, and the timer
// tick handler that drives Sleeping threads back onto the run queue. It
// implements kernel/sync.Scheduler and registers itself via
// sync.SetScheduler during boot.
//
// Every kernel thread in this tree is backed by one real goroutine rather
// than a literal saved/restored hardware stack, since this module runs as
// ordinary hosted Go code rather than on bare metal. The binding between a
// goroutine and the thread.Thread it represents is established once, at
// Spawn, using the same goroutine-id introspection trick kernel/sync's own
// tests already use to stand in for this very package (see
// kernel/sync/scheduler_test.go's fakeScheduler).
package sched

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/d94ny/x86kernel/kernel"
	"github.com/d94ny/x86kernel/kernel/sync"
	"github.com/d94ny/x86kernel/kernel/thread"
)

var errNotBlocked = &kernel.Error{Module: "sched", Message: "MakeRunnable: thread is not Blocked"}

// goid returns an identifier for the calling goroutine.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		panic(fmt.Sprintf("sched: could not parse goroutine id: %v", err))
	}
	return id
}

// scheduler is the package-level Scheduler implementation. meta guards all
// of the fields below it; it is a Spinlock rather than a sync.Mutex since
// Mutex.Lock itself calls back into this package, and the scheduler's own
// bookkeeping must never suspend.
type scheduler struct {
	// ids guards goroutineTID alone, so that Self never takes meta: the
	// bookkeeping under meta calls thread.Lookup, whose lock asks Self for
	// the caller's tid.
	ids          sync.Spinlock
	goroutineTID map[uint64]uint32

	meta sync.Spinlock

	// parked holds one channel per tid whose goroutine is currently
	// blocked, closed by whatever operation (MakeRunnable, or a timer
	// tick finding a sleeper whose wake-time has arrived) moves it back
	// onto the run queue.
	parked map[uint32]chan struct{}

	run   []uint32 // FIFO; run[0] is the current CPU-holder
	sleep []uint32 // tids, kept sorted ascending by their thread's Wake

	tick     uint32
	noSwitch int32
}

var global = newScheduler()

func newScheduler() *scheduler {
	return &scheduler{
		goroutineTID: make(map[uint64]uint32),
		parked:       make(map[uint32]chan struct{}),
	}
}

// Init binds the calling goroutine to initial (normally the god process's
// first thread) and registers this package with kernel/sync as the active
// Scheduler. Called exactly once, at boot, from the goroutine that will
// become the first running thread.
func Init(initial *thread.Thread) {
	global.bind(initial.TID)

	global.meta.Acquire()
	global.run = []uint32{initial.TID}
	global.meta.Release()

	thread.SetCurrent(initial)
	sync.SetScheduler(global)
}

func (s *scheduler) bind(tid uint32) {
	s.ids.Acquire()
	s.goroutineTID[goid()] = tid
	s.ids.Release()
}

// Spawn launches fn on a new goroutine bound to t and enqueues t onto the
// tail of the run queue. Used by kernel/proc wherever it sets a newly
// created or copied thread running for the first time.
func Spawn(t *thread.Thread, fn func()) {
	global.meta.Acquire()
	global.run = append(global.run, t.TID)
	global.meta.Release()

	go func() {
		global.bind(t.TID)
		fn()
	}()
}

// Self returns the tid bound to the calling goroutine, implementing
// sync.Scheduler.
func (s *scheduler) Self() uint32 {
	s.ids.Acquire()
	defer s.ids.Release()
	return s.goroutineTID[goid()]
}

// Yield moves the calling thread to the tail of the run queue and gives up
// the remainder of its timeslice (the Running -> Running(tail) transition).
// The tid argument is not used: this hosted scheduler has no way to force a
// specific goroutine to run next, so beyond the bookkeeping it just calls
// runtime.Gosched().
func (s *scheduler) Yield(tid uint32) {
	self := s.Self()

	s.meta.Acquire()
	s.moveToTailLocked(self)
	s.meta.Release()

	runtime.Gosched()
}

func (s *scheduler) moveToTailLocked(tid uint32) {
	if s.removeRunnableLocked(tid) {
		s.run = append(s.run, tid)
	}
}

func (s *scheduler) removeRunnableLocked(tid uint32) bool {
	for i, x := range s.run {
		if x == tid {
			s.run = append(s.run[:i], s.run[i+1:]...)
			return true
		}
	}
	return false
}

// Deschedule removes the calling thread from the run queue (Running ->
// Blocked) and blocks its goroutine until a matching MakeRunnable(Self())
// is observed. It returns immediately, without blocking, if *guard is
// non-zero at the moment the thread would otherwise block, so that a wakeup
// racing the deschedule can never be missed.
func (s *scheduler) Deschedule(guard *int32) error {
	self := s.Self()
	ch := make(chan struct{})

	s.meta.Acquire()
	if atomic.LoadInt32(guard) != 0 {
		s.meta.Release()
		return nil
	}
	s.removeRunnableLocked(self)
	s.parked[self] = ch
	if t := thread.Lookup(self); t != nil {
		t.State = thread.Blocked
	}
	s.meta.Release()

	<-ch
	return nil
}

// MakeRunnable moves a Blocked thread back onto the tail of the run queue
// (Blocked -> Running) and unblocks its goroutine. It returns errNotBlocked
// if the thread is not currently parked with this scheduler.
func (s *scheduler) MakeRunnable(tid uint32) error {
	s.meta.Acquire()
	ch, ok := s.parked[tid]
	if !ok {
		s.meta.Release()
		return errNotBlocked
	}
	delete(s.parked, tid)
	s.run = append(s.run, tid)
	if t := thread.Lookup(tid); t != nil {
		t.State = thread.Running
	}
	s.meta.Release()

	close(ch)
	return nil
}

// DisablePreemption sets the no_switch guard, suppressing Tick-driven
// run-queue rotation even with interrupts enabled; EnablePreemption clears
// it. Callers must pair every Disable with an Enable. Re-entrant: a
// critical section may nest inside another.
func DisablePreemption() { atomic.AddInt32(&global.noSwitch, 1) }

// EnablePreemption clears one level of the no_switch guard set by
// DisablePreemption.
func EnablePreemption() { atomic.AddInt32(&global.noSwitch, -1) }

// ContextSwitch records that `to` has become the thread running on the CPU,
// for the benefit of code that reads thread.Current() instead of having
// the current thread threaded through every call (kernel/mm/vmm's and
// kernel/trap's fault handlers both do). On real hardware this would also
// save the outgoing thread's callee-saved registers and stack pointer and
// restore the incoming thread's, bracketed by the no_switch guard; neither
// step is meaningful here, since each kernel thread already runs as its own
// host goroutine with its own real Go stack.
func ContextSwitch(to *thread.Thread) {
	thread.SetCurrent(to)
}

// CurrentTick returns the number of timer ticks delivered so far.
func CurrentTick() uint32 { return atomic.LoadUint32(&global.tick) }

// RunQueue returns a snapshot of the run queue, head first, for
// diagnostics and tests.
func RunQueue() []uint32 {
	global.meta.Acquire()
	defer global.meta.Release()
	out := make([]uint32, len(global.run))
	copy(out, global.run)
	return out
}

// SleepQueue returns a snapshot of the sleep queue, ordered by ascending
// wake-time, for diagnostics and tests.
func SleepQueue() []uint32 {
	global.meta.Acquire()
	defer global.meta.Release()
	out := make([]uint32, len(global.sleep))
	copy(out, global.sleep)
	return out
}

// reset discards all scheduler state. Used only by this package's own
// tests, mirroring kernel/sync's resetHeld test helper.
func reset() {
	global = newScheduler()
}
