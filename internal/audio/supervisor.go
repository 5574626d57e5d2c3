package audio

import (
	"sync"
	"time"
)

// supervisor owns the two per-connection media health timers: one armed on
// FLOWING -> NOT_FLOWING, one on CONNECTED -> DISCONNECTED. Arming is
// idempotent and both timers must be cleared on listener teardown so neither
// fires against a torn-down session.
type supervisor struct {
	flowTimeout  time.Duration
	stateTimeout time.Duration
	onTimeout    func()

	mu         sync.Mutex
	flowTimer  *time.Timer
	stateTimer *time.Timer
	stopped    bool
}

func newSupervisor(flowTimeout, stateTimeout time.Duration, onTimeout func()) *supervisor {
	return &supervisor{
		flowTimeout:  flowTimeout,
		stateTimeout: stateTimeout,
		onTimeout:    onTimeout,
	}
}

func (s *supervisor) armFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.flowTimer != nil {
		return
	}
	s.flowTimer = time.AfterFunc(s.flowTimeout, func() { s.fire(&s.flowTimer) })
}

func (s *supervisor) clearFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowTimer != nil {
		s.flowTimer.Stop()
		s.flowTimer = nil
	}
}

func (s *supervisor) armState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.stateTimer != nil {
		return
	}
	s.stateTimer = time.AfterFunc(s.stateTimeout, func() { s.fire(&s.stateTimer) })
}

func (s *supervisor) clearState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateTimer != nil {
		s.stateTimer.Stop()
		s.stateTimer = nil
	}
}

func (s *supervisor) fire(slot **time.Timer) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	*slot = nil
	s.mu.Unlock()
	s.onTimeout()
}

// stop clears both timers and blocks any in-flight fire from reporting.
func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.flowTimer != nil {
		s.flowTimer.Stop()
		s.flowTimer = nil
	}
	if s.stateTimer != nil {
		s.stateTimer.Stop()
		s.stateTimer = nil
	}
}
