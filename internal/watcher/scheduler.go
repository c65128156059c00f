package watcher

import (
	"sync"
	"time"

	"filewatch/internal/timer"
)

// SchedulerState is Armed while a tick is pending.
type SchedulerState string

const (
	StateIdle  SchedulerState = "idle"
	StateArmed SchedulerState = "armed"
)

// scheduler keeps one named timer armed for as long as there is something
// to watch.
type scheduler struct {
	mutex   sync.Mutex
	timers  Timers
	name    string
	state   SchedulerState
	pending func() bool
	run     func()
}

func newScheduler(timers Timers, name string, period time.Duration, pending func() bool, run func()) *scheduler {
	s := &scheduler{
		timers:  timers,
		name:    name,
		state:   StateIdle,
		pending: pending,
		run:     run,
	}
	timers.Register(name, period, s.fire)
	return s
}

// kick arms the timer if it is idle and there is work.
func (s *scheduler) kick() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateArmed || !s.pending() {
		return
	}
	s.state = StateArmed
	s.timers.Arm(s.name)
}

func (s *scheduler) fire(tick *timer.Tick) {
	s.run()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pending() {
		s.state = StateArmed
		tick.Rearm()
		return
	}
	s.state = StateIdle
}

func (s *scheduler) current() SchedulerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}
