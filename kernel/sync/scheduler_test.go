package sync

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// goid returns an identifier for the calling goroutine. It exists solely so
// fakeScheduler, below, can give each test goroutine a stable "thread id"
// without threading a real kernel.Thread through every Lock/Unlock call.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	id, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		panic(fmt.Sprintf("sync: could not parse goroutine id: %v", err))
	}
	return id
}

// fakeScheduler is a real-goroutine-backed Scheduler used only by this
// package's own tests, standing in for kernel/sched. Deschedule blocks the
// calling goroutine on a channel until a matching MakeRunnable closes it,
// which is enough to exercise Mutex/Condvar/RWLock's blocking behavior
// without a real kernel underneath.
type fakeScheduler struct {
	mu      sync.Mutex
	tids    map[uint64]uint32
	next    uint32
	blocked map[uint32]chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		tids:    make(map[uint64]uint32),
		blocked: make(map[uint32]chan struct{}),
	}
}

func (s *fakeScheduler) Self() uint32 {
	g := goid()

	s.mu.Lock()
	defer s.mu.Unlock()

	if tid, ok := s.tids[g]; ok {
		return tid
	}
	s.next++
	s.tids[g] = s.next
	return s.next
}

func (s *fakeScheduler) Yield(tid uint32) { runtime.Gosched() }

func (s *fakeScheduler) Deschedule(guard *int32) error {
	if atomic.LoadInt32(guard) != 0 {
		return nil
	}

	tid := s.Self()
	ch := make(chan struct{})

	s.mu.Lock()
	s.blocked[tid] = ch
	s.mu.Unlock()

	<-ch
	return nil
}

func (s *fakeScheduler) MakeRunnable(tid uint32) error {
	s.mu.Lock()
	ch, ok := s.blocked[tid]
	if ok {
		delete(s.blocked, tid)
	}
	s.mu.Unlock()

	if ok {
		close(ch)
	}
	return nil
}
