package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"filewatch/internal/logging"

	"github.com/benbjohnson/clock"
)

func newTestLoop(t *testing.T) (*Loop, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	loop := New(Options{Clock: mock})
	t.Cleanup(func() {
		_ = loop.Close()
	})
	return loop, mock
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func waitForTick(t *testing.T, ticks <-chan *Tick) *Tick {
	t.Helper()
	select {
	case tick := <-ticks:
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return nil
	}
}

func TestRegisteredTimerStartsIdle(t *testing.T) {
	loop, mock := newTestLoop(t)
	var calls atomic.Int32
	loop.Register("filewatch", time.Second, func(*Tick) { calls.Add(1) })

	if loop.Armed("filewatch") {
		t.Fatal("expected new timer to be idle")
	}
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("expected no calls, got %d", calls.Load())
	}
}

func TestArmFiresOnceWithoutRearm(t *testing.T) {
	loop, mock := newTestLoop(t)
	ticks := make(chan *Tick, 4)
	loop.Register("filewatch", time.Second, func(tick *Tick) { ticks <- tick })

	if !loop.Arm("filewatch") {
		t.Fatal("expected arm to succeed")
	}
	if loop.Arm("filewatch") {
		t.Fatal("expected second arm to be a no-op")
	}

	mock.Add(time.Second)
	tick := waitForTick(t, ticks)
	if tick.Name != "filewatch" {
		t.Fatalf("expected filewatch tick, got %q", tick.Name)
	}
	waitFor(t, func() bool { return !loop.Armed("filewatch") })

	mock.Add(3 * time.Second)
	select {
	case <-ticks:
		t.Fatal("expected idle timer not to fire again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRearmKeepsTimerRunning(t *testing.T) {
	loop, mock := newTestLoop(t)
	ticks := make(chan *Tick, 4)
	var remaining atomic.Int32
	remaining.Store(2)
	loop.Register("filewatch", time.Second, func(tick *Tick) {
		if remaining.Add(-1) > 0 {
			tick.Rearm()
		}
		ticks <- tick
	})
	loop.Arm("filewatch")

	mock.Add(time.Second)
	waitForTick(t, ticks)
	waitFor(t, func() bool { return loop.Armed("filewatch") })

	mock.Add(time.Second)
	waitForTick(t, ticks)
	waitFor(t, func() bool { return !loop.Armed("filewatch") })
}

func TestRegisterTwiceReplacesCallback(t *testing.T) {
	loop, mock := newTestLoop(t)
	var first, second atomic.Int32
	loop.Register("filewatch", time.Second, func(*Tick) { first.Add(1) })
	loop.Register("filewatch", time.Second, func(*Tick) { second.Add(1) })
	loop.Arm("filewatch")

	mock.Add(time.Second)
	waitFor(t, func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Fatalf("expected replaced callback not to run, got %d", first.Load())
	}
}

func TestCancelStopsArmedTimer(t *testing.T) {
	loop, mock := newTestLoop(t)
	var calls atomic.Int32
	loop.Register("filewatch", time.Second, func(*Tick) { calls.Add(1) })
	loop.Arm("filewatch")
	loop.Cancel("filewatch")

	mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("expected cancelled timer not to fire, got %d", calls.Load())
	}
	if loop.Arm("filewatch") {
		t.Fatal("expected arm of cancelled timer to fail")
	}
}

func TestPanickingCallbackIsRecovered(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	mock := clock.NewMock()
	loop := New(Options{Clock: mock, Logger: logging.NewLoggerWithOutput(buffer, logging.LevelDebug, nil)})
	t.Cleanup(func() { _ = loop.Close() })

	ticks := make(chan *Tick, 1)
	loop.Register("boom", time.Second, func(*Tick) { panic("boom") })
	loop.Register("ok", time.Second, func(tick *Tick) { ticks <- tick })
	loop.Arm("boom")
	mock.Add(time.Second)
	waitFor(t, func() bool { return len(buffer.Find("timer callback panic")) == 1 })

	loop.Arm("ok")
	mock.Add(time.Second)
	waitForTick(t, ticks)
}

func TestCloseIsIdempotent(t *testing.T) {
	loop := New(Options{Clock: clock.NewMock()})
	loop.Register("filewatch", time.Second, func(*Tick) {})
	loop.Arm("filewatch")
	if err := loop.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if loop.Arm("filewatch") {
		t.Fatal("expected arm after close to fail")
	}
}
