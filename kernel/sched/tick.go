package sched

import (
	"sync/atomic"

	"github.com/d94ny/x86kernel/kernel/thread"
)

// Sleep transitions the calling thread to Sleeping until at least `ticks`
// timer ticks have elapsed (the Running -> Sleeping transition triggered by
// sleep(ticks) with ticks>0). ticks == 0 is a no-op, matching the original
// sleep's immediate-return case.
func Sleep(ticks uint32) {
	if ticks == 0 {
		return
	}

	self := global.Self()
	wake := atomic.LoadUint32(&global.tick) + ticks
	ch := make(chan struct{})

	global.meta.Acquire()
	global.removeRunnableLocked(self)
	if t := thread.Lookup(self); t != nil {
		t.State = thread.Sleeping
		t.Wake = wake
	}
	global.insertSleepLocked(self, wake)
	global.parked[self] = ch
	global.meta.Release()

	<-ch
}

func (s *scheduler) insertSleepLocked(tid, wake uint32) {
	i := 0
	for ; i < len(s.sleep); i++ {
		if s.wakeOfLocked(s.sleep[i]) > wake {
			break
		}
	}
	s.sleep = append(s.sleep, 0)
	copy(s.sleep[i+1:], s.sleep[i:])
	s.sleep[i] = tid
}

func (s *scheduler) wakeOfLocked(tid uint32) uint32 {
	if t := thread.Lookup(tid); t != nil {
		return t.Wake
	}
	return 0
}

// Tick is the timer tick handler: it increments the monotonic tick counter
// and, unless the no_switch guard is held, wakes every sleeper whose
// wake-time has arrived and rotates the run queue by one position to enact
// the timeslice. Comparisons are unsigned so a wake-time computed as
// now+delta that straddles a counter wraparound still sorts correctly
// within a single unwrapped span; the wraparound itself is a known, benign
// drift and is not otherwise special-cased.
func Tick() {
	now := atomic.AddUint32(&global.tick, 1)

	if atomic.LoadInt32(&global.noSwitch) != 0 {
		return
	}

	global.meta.Acquire()

	var woken []uint32
	for len(global.sleep) > 0 && global.wakeOfLocked(global.sleep[0]) <= now {
		woken = append(woken, global.sleep[0])
		global.sleep = global.sleep[1:]
	}
	for _, tid := range woken {
		if ch, ok := global.parked[tid]; ok {
			delete(global.parked, tid)
			global.run = append(global.run, tid)
			if t := thread.Lookup(tid); t != nil {
				t.State = thread.Running
			}
			close(ch)
		}
	}

	if len(global.run) > 1 {
		head := global.run[0]
		global.run = append(global.run[1:], head)
	}

	global.meta.Release()
}
