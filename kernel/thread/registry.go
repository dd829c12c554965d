package thread

import "github.com/d94ny/x86kernel/kernel/sync"

// initialTID is the floor from which tids are monotonically allocated.
const initialTID = 32

// registry is the global hash-index of every live thread, keyed by tid. It
// is protected by a reader/writer lock rather than a plain mutex because
// Lookup is far more common than Register/Unregister (every syscall
// gettid/yield/make_runnable-style lookup takes the read side).
type registry struct {
	mu      sync.RWLock
	byTID   map[uint32]*Thread
	nextTID uint32
}

var global = registry{
	byTID:   make(map[uint32]*Thread),
	nextTID: initialTID,
}

// NextTID allocates and returns the next tid in the monotonic sequence.
func NextTID() uint32 {
	global.mu.Lock()
	defer global.mu.Unlock()
	tid := global.nextTID
	global.nextTID++
	return tid
}

// Register adds t to the global tid registry, keyed by t.TID.
func Register(t *Thread) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.byTID[t.TID] = t
}

// Unregister removes a thread from the registry. Called by DestroyThread
// once a Zombie thread has been reaped.
func Unregister(tid uint32) {
	global.mu.Lock()
	defer global.mu.Unlock()
	delete(global.byTID, tid)
}

// Lookup returns the thread with the given tid, or nil if none exists.
func Lookup(tid uint32) *Thread {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.byTID[tid]
}

// Count returns the number of threads currently registered, for
// diagnostics.
func Count() int {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return len(global.byTID)
}
