package engine

import (
	"sync"
	"time"
)

// timerService is the in-process side of durable timers. The durable part is
// the TimerCreated event in history; this service only arms a wall-clock
// wake-up for it. After a crash, RecoverTimers re-arms outstanding timers
// from history.
type timerService struct {
	mu      sync.Mutex
	stopped bool
	timers  map[string]map[int]*time.Timer

	// fire records the TimerFired event and triggers the next replay pass.
	// generation scopes the wake-up to the execution that armed it.
	fire func(instanceID string, generation, taskID int)
}

func newTimerService(fire func(instanceID string, generation, taskID int)) *timerService {
	return &timerService{
		timers: make(map[string]map[int]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms a wake-up at fireAt for the given instance and scheduling
// position. Deadlines in the past fire immediately. Re-arming an already
// armed (instance, taskID) pair is a no-op.
func (s *timerService) Schedule(instanceID string, generation, taskID int, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	byTask := s.timers[instanceID]
	if byTask == nil {
		byTask = make(map[int]*time.Timer)
		s.timers[instanceID] = byTask
	}
	if _, armed := byTask[taskID]; armed {
		return
	}

	d := time.Until(fireAt)
	if d < 0 {
		d = 0
	}

	byTask[taskID] = time.AfterFunc(d, func() {
		s.remove(instanceID, taskID)
		s.fire(instanceID, generation, taskID)
	})
}

func (s *timerService) remove(instanceID string, taskID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byTask := s.timers[instanceID]; byTask != nil {
		delete(byTask, taskID)
		if len(byTask) == 0 {
			delete(s.timers, instanceID)
		}
	}
}

// Cancel stops all armed timers for an instance. Used on terminate and on
// continue-as-new; a timer that already fired is harmless because the
// terminal-status and generation checks discard its event.
func (s *timerService) Cancel(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers[instanceID] {
		t.Stop()
	}
	delete(s.timers, instanceID)
}

// Stop cancels every armed timer. The engine is unusable afterwards.
func (s *timerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, byTask := range s.timers {
		for _, t := range byTask {
			t.Stop()
		}
	}
	s.timers = make(map[string]map[int]*time.Timer)
}
