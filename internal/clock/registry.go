package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// The design note in spec §9 asks for timers as tagged tokens rather than
// callbacks, so that cancellation is a set-membership check. System.Cancel
// still needs the underlying *time.Timer to call Stop on, so this registry
// is the bridge: a TimerID is handed out, the *time.Timer is looked up
// exactly once (by Cancel, or never), and then forgotten.
var (
	nextID  atomic.Uint64
	timerMu sync.Mutex
	timers  = make(map[TimerID]*time.Timer)
)

func registerTimer(t *time.Timer) TimerID {
	id := TimerID(nextID.Add(1))
	timerMu.Lock()
	timers[id] = t
	timerMu.Unlock()
	return id
}

func takeTimer(id TimerID) *time.Timer {
	timerMu.Lock()
	defer timerMu.Unlock()
	t := timers[id]
	delete(timers, id)
	return t
}
