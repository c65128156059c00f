// Package timer runs named, re-armable timers on a single worker goroutine.
//
// A timer fires once per arming. Its callback decides whether it should run
// again by calling Tick.Rearm, so a timer with nothing left to do simply goes
// idle instead of being cancelled.
package timer

import (
	"fmt"
	"sync"
	"time"

	"filewatch/internal/logging"

	"github.com/benbjohnson/clock"
)

// Func is a timer callback. It always runs on the loop's worker goroutine.
type Func func(tick *Tick)

// Tick describes one firing of a named timer.
type Tick struct {
	Name  string
	At    time.Time
	rearm bool
}

// Rearm schedules the timer to fire again after its period.
func (tick *Tick) Rearm() {
	tick.rearm = true
}

// Rearmed reports whether Rearm was called during this tick.
func (tick *Tick) Rearmed() bool {
	return tick.rearm
}

// Options configures a Loop.
type Options struct {
	Clock  clock.Clock
	Logger *logging.Logger
}

type entry struct {
	period time.Duration
	fn     Func
	timer  *clock.Timer
	armed  bool
	gen    uint64
}

type firing struct {
	name string
	gen  uint64
}

// Loop owns a set of named timers.
type Loop struct {
	clock   clock.Clock
	logger  *logging.Logger
	mutex   sync.Mutex
	entries map[string]*entry
	fire    chan firing
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(options Options) *Loop {
	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	loop := &Loop{
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
		fire:    make(chan firing, 16),
		done:    make(chan struct{}),
	}
	loop.wg.Add(1)
	go loop.run()
	return loop
}

// Register installs or replaces the callback and period for name. A
// replaced timer keeps its armed state; a new timer starts idle.
func (loop *Loop) Register(name string, period time.Duration, fn Func) {
	if loop == nil || fn == nil || period <= 0 {
		return
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.closed {
		return
	}
	if existing, ok := loop.entries[name]; ok {
		existing.period = period
		existing.fn = fn
		return
	}
	loop.entries[name] = &entry{period: period, fn: fn}
}

// Arm starts an idle timer. It reports false when the timer is unknown or
// already armed.
func (loop *Loop) Arm(name string) bool {
	if loop == nil {
		return false
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.closed {
		return false
	}
	current, ok := loop.entries[name]
	if !ok || current.armed {
		return false
	}
	current.armed = true
	current.gen++
	gen := current.gen
	current.timer = loop.clock.AfterFunc(current.period, func() {
		select {
		case loop.fire <- firing{name: name, gen: gen}:
		case <-loop.done:
		}
	})
	return true
}

// Armed reports whether name is waiting to fire.
func (loop *Loop) Armed(name string) bool {
	if loop == nil {
		return false
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	current, ok := loop.entries[name]
	return ok && current.armed
}

// Cancel stops and forgets a timer.
func (loop *Loop) Cancel(name string) {
	if loop == nil {
		return
	}
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	current, ok := loop.entries[name]
	if !ok {
		return
	}
	if current.timer != nil {
		current.timer.Stop()
	}
	delete(loop.entries, name)
}

// Close stops every timer and waits for a running callback to return.
func (loop *Loop) Close() error {
	if loop == nil {
		return nil
	}
	loop.mutex.Lock()
	if loop.closed {
		loop.mutex.Unlock()
		return nil
	}
	loop.closed = true
	for _, current := range loop.entries {
		if current.timer != nil {
			current.timer.Stop()
		}
	}
	loop.entries = make(map[string]*entry)
	loop.mutex.Unlock()

	close(loop.done)
	loop.wg.Wait()
	return nil
}

func (loop *Loop) run() {
	defer loop.wg.Done()
	for {
		select {
		case next := <-loop.fire:
			loop.dispatch(next)
		case <-loop.done:
			return
		}
	}
}

func (loop *Loop) dispatch(next firing) {
	loop.mutex.Lock()
	current, ok := loop.entries[next.name]
	if !ok || !current.armed || current.gen != next.gen {
		loop.mutex.Unlock()
		return
	}
	current.armed = false
	current.timer = nil
	fn := current.fn
	loop.mutex.Unlock()

	tick := &Tick{Name: next.name, At: loop.clock.Now()}
	loop.call(fn, tick)
	if tick.Rearmed() {
		loop.Arm(next.name)
	}
}

func (loop *Loop) call(fn Func, tick *Tick) {
	defer func() {
		if recovered := recover(); recovered != nil {
			loop.logger.Error("timer callback panic", map[string]string{
				"timer": tick.Name,
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	fn(tick)
}
