package relay

import (
	"sync"
	"time"
)

// timerKey names a scheduled callback by purpose so cancellation and
// superseding are explicit.
type timerKey string

const (
	timerCommitFlush      timerKey = "commit-flush"
	timerResponseDebounce timerKey = "response-debounce"
	timerAgentTrigger     timerKey = "agent-trigger-debounce"
	timerSpeakingGrace    timerKey = "speaking-grace"
)

// timerSet is a small set of named, cancellable timers. Scheduling a key that
// is already pending replaces the stale timer. After stop, schedule is a no-op.
type timerSet struct {
	mu      sync.Mutex
	active  map[timerKey]*time.Timer
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{active: make(map[timerKey]*time.Timer)}
}

func (s *timerSet) schedule(key timerKey, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.active[key]; ok {
		t.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A superseded timer may still fire once; only the registered
		// timer for the key runs its callback.
		if s.stopped || s.active[key] != tm {
			s.mu.Unlock()
			return
		}
		delete(s.active, key)
		s.mu.Unlock()
		fn()
	})
	s.active[key] = tm
}

func (s *timerSet) cancel(key timerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[key]; ok {
		t.Stop()
		delete(s.active, key)
	}
}

// stop cancels all pending timers and refuses further scheduling.
func (s *timerSet) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.active {
		t.Stop()
		delete(s.active, key)
	}
}
