package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"filewatch/internal/logging"
	"filewatch/internal/timer"
)

// fakeTimers records arming and lets a test fire the tick by hand.
type fakeTimers struct {
	mutex  sync.Mutex
	name   string
	period time.Duration
	fn     timer.Func
	armed  bool
	arms   int
}

func (f *fakeTimers) Register(name string, period time.Duration, fn timer.Func) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.name = name
	f.period = period
	f.fn = fn
}

func (f *fakeTimers) Arm(string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.armed {
		return false
	}
	f.armed = true
	f.arms++
	return true
}

func (f *fakeTimers) isArmed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.armed
}

func (f *fakeTimers) armCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.arms
}

// fire runs the callback if the timer is armed and reports whether it was.
func (f *fakeTimers) fire() bool {
	f.mutex.Lock()
	if !f.armed {
		f.mutex.Unlock()
		return false
	}
	f.armed = false
	fn := f.fn
	name := f.name
	f.mutex.Unlock()

	tick := &timer.Tick{Name: name, At: time.Now()}
	fn(tick)
	if tick.Rearmed() {
		f.mutex.Lock()
		f.armed = true
		f.mutex.Unlock()
	}
	return true
}

// fakeSource is a scriptable native event source.
type fakeSource struct {
	mutex     sync.Mutex
	nextToken Token
	watches   map[Token]string
	flags     map[Token]Flags
	pending   []Change
	addErr    error
	removed   []Token
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		watches: make(map[Token]string),
		flags:   make(map[Token]Flags),
	}
}

func (s *fakeSource) Available() bool {
	return true
}

func (s *fakeSource) Add(path string, flags Flags) (Token, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.addErr != nil {
		return 0, &BackendError{Op: "add", Path: path, Err: s.addErr}
	}
	s.nextToken++
	s.watches[s.nextToken] = path
	s.flags[s.nextToken] = flags.orDefault()
	return s.nextToken, nil
}

func (s *fakeSource) Remove(token Token) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.watches, token)
	delete(s.flags, token)
	s.removed = append(s.removed, token)
	return nil
}

func (s *fakeSource) Poll() []Change {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	changes := s.pending
	s.pending = nil
	return changes
}

func (s *fakeSource) Close() error {
	return nil
}

// emit queues a change for every native watch on path.
func (s *fakeSource) emit(path string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for token, watched := range s.watches {
		if watched == path {
			s.pending = append(s.pending, Change{Token: token, Path: path})
		}
	}
}

// emitGone queues a removal for every native watch on path.
func (s *fakeSource) emitGone(path string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for token, watched := range s.watches {
		if watched == path {
			s.pending = append(s.pending, Change{Token: token, Path: path, Gone: true})
		}
	}
}

func (s *fakeSource) emitToken(token Token, path string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pending = append(s.pending, Change{Token: token, Path: path})
}

func (s *fakeSource) watchCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.watches)
}

type recorder struct {
	mutex sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.paths)
}

func (r *recorder) last() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.paths) == 0 {
		return ""
	}
	return r.paths[len(r.paths)-1]
}

type testWatcher struct {
	*Watcher
	timers *fakeTimers
	buffer *logging.LogBuffer
}

func newPollWatcher(t *testing.T, options Options) *testWatcher {
	t.Helper()
	options.Mode = ModePoll
	return newTestWatcher(t, options)
}

func newTestWatcher(t *testing.T, options Options) *testWatcher {
	t.Helper()
	timers := &fakeTimers{}
	buffer := logging.NewLogBuffer(200)
	options.Timers = timers
	options.Logger = logging.NewLoggerWithOutput(buffer, logging.LevelDebug, nil)
	watcher, err := New(options)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() {
		_ = watcher.Close()
	})
	return &testWatcher{Watcher: watcher, timers: timers, buffer: buffer}
}

// writeFile writes content and pins the modification time so that polling
// tests do not depend on filesystem timestamp resolution.
func writeFile(t *testing.T, path, content string, modified time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, modified, modified); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func tempFile(t *testing.T, name, content string, modified time.Time) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	path := filepath.Join(dir, name)
	writeFile(t, path, content, modified)
	return path
}
