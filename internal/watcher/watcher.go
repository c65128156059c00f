package watcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"filewatch/internal/fsutil"
	"filewatch/internal/logging"
	"filewatch/internal/metrics"
	"filewatch/internal/timer"

	"github.com/hashicorp/go-multierror"
)

// Options controls watcher behavior.
type Options struct {
	// Mode selects native events or polling. Ignored when Source is set.
	Mode Mode
	// Source overrides backend selection.
	Source     EventSource
	Interval   time.Duration
	TimerName  string
	MaxWatches int
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Validator  Validator
	Transport  Transport
	// Timers drives the periodic tick. When nil the Watcher runs its own
	// timer.Loop and closes it on Close.
	Timers Timers
}

// Watcher is the file change notification facade.
type Watcher struct {
	mutex       sync.Mutex
	table       *table
	source      EventSource
	poller      *poller
	dispatcher  *dispatcher
	scheduler   *scheduler
	ownedTimers *timer.Loop
	logger      *logging.Logger
	metrics     *metrics.Registry
	maxWatches  int
	closed      bool
}

// Stats reports the watcher's current state.
type Stats struct {
	Mode      Mode
	Scheduler SchedulerState
	Paths     []string
	Counters  metrics.Snapshot
}

// New creates a Watcher. The backend is chosen here and never changes.
func New(options Options) (*Watcher, error) {
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(map[string]string{"filewatch.category": "watcher"})

	registry := options.Metrics
	if registry == nil {
		registry = metrics.NewRegistry()
	}

	source := options.Source
	if source == nil {
		var err error
		source, err = NewEventSource(options.Mode, logger, registry)
		if err != nil {
			return nil, err
		}
	}

	interval := options.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	name := options.TimerName
	if name == "" {
		name = DefaultTimerName
	}

	instance := &Watcher{
		table:      newTable(source),
		source:     source,
		poller:     newPoller(),
		logger:     logger,
		metrics:    registry,
		maxWatches: options.MaxWatches,
	}
	instance.dispatcher = &dispatcher{
		validator:   options.Validator,
		transport:   options.Transport,
		logger:      logger,
		metrics:     registry,
		subscribers: instance.subscribersOf,
		prune: func(path string, subscriber *Subscriber) {
			instance.unsubscribe(path, subscriber)
		},
	}

	timers := options.Timers
	if timers == nil {
		instance.ownedTimers = timer.New(timer.Options{Logger: logger})
		timers = instance.ownedTimers
	}
	instance.scheduler = newScheduler(timers, name, interval, instance.pending, func() {
		instance.Tick(context.Background())
	})

	logger.Debug("watcher started", map[string]string{
		"mode":     string(instance.Mode()),
		"interval": interval.String(),
	})
	return instance, nil
}

// Mode reports the effective backend: ModeNative or ModePoll.
func (watcher *Watcher) Mode() Mode {
	if watcher.source.Available() {
		return ModeNative
	}
	return ModePoll
}

// AddWatch subscribes to changes of path. Adding the same subscriber twice
// delivers every change twice. flags only apply to the native watch created
// by the first subscriber of a path.
func (watcher *Watcher) AddWatch(path string, subscriber *Subscriber, flags ...Flags) (bool, error) {
	if !subscriber.valid() {
		return false, errors.New("subscriber is required")
	}
	canonical, err := fsutil.Canonicalize(path)
	if err != nil {
		return false, err
	}
	spelling, err := fsutil.Absolute(path)
	if err != nil {
		return false, err
	}
	var combined Flags
	for _, flag := range flags {
		combined |= flag
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return false, ErrClosed
	}
	if watcher.maxWatches > 0 && !watcher.table.has(canonical) && watcher.table.len() >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return false, ErrMaxWatchesExceeded
	}
	created, err := watcher.table.subscribe(canonical, subscriber, combined)
	if err == nil {
		watcher.table.alias(spelling, canonical)
	}
	active := watcher.table.len()
	watcher.metrics.SetActiveWatches(active)
	watcher.mutex.Unlock()

	if err != nil {
		watcher.metrics.IncBackendErrors()
		watcher.logWarn("watch add failed", canonical, err)
		return false, err
	}
	if created {
		watcher.logDebug("watch added", canonical, active)
	}
	watcher.scheduler.kick()
	return true, nil
}

// RemoveWatch removes one registration of subscriber from path. It returns
// false only when path is not watched.
func (watcher *Watcher) RemoveWatch(path string, subscriber *Subscriber) bool {
	canonical, err := fsutil.Canonicalize(path)
	if err != nil {
		// A deleted file can no longer be resolved; use the spelling it
		// was registered under.
		canonical, err = watcher.resolveAlias(path)
		if err != nil {
			return false
		}
	}
	known := watcher.unsubscribe(canonical, subscriber)
	watcher.scheduler.kick()
	return known
}

func (watcher *Watcher) unsubscribe(path string, subscriber *Subscriber) bool {
	watcher.mutex.Lock()
	known, removed, err := watcher.table.unsubscribe(path, subscriber)
	if removed {
		watcher.poller.forget(path)
	}
	active := watcher.table.len()
	watcher.metrics.SetActiveWatches(active)
	watcher.mutex.Unlock()

	if err != nil {
		watcher.metrics.IncBackendErrors()
		watcher.logWarn("watch remove failed", path, err)
	}
	if removed {
		watcher.logDebug("watch removed", path, active)
	}
	return known
}

// Tick runs one detection cycle and notifies subscribers of every changed
// path. It never panics or returns an error; failures are logged per path.
func (watcher *Watcher) Tick(ctx context.Context) {
	watcher.metrics.IncTicks()
	changed := watcher.detect()
	watcher.metrics.AddChanges(len(changed))
	for _, path := range changed {
		watcher.dispatcher.notify(ctx, path)
	}
}

func (watcher *Watcher) detect() []string {
	if watcher.source.Available() {
		return watcher.detectNative()
	}
	return watcher.detectPoll()
}

func (watcher *Watcher) detectNative() []string {
	changes := watcher.source.Poll()
	if len(changes) == 0 {
		return nil
	}

	watcher.mutex.Lock()
	seen := make(map[string]struct{}, len(changes))
	gone := make(map[string]struct{})
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		path, ok := watcher.table.pathOf(change.Token)
		if !ok {
			continue
		}
		if change.Gone {
			gone[path] = struct{}{}
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	// A path that still exists was replaced, as editors do when saving
	// through a rename; it keeps its subscribers and counts as changed.
	var failed map[string]error
	var replaced []string
	for path := range gone {
		var err error
		if _, statErr := osStat(path); statErr == nil {
			if err = watcher.table.rewatch(path); err == nil {
				replaced = append(replaced, path)
			}
		} else {
			err = watcher.table.drop(path)
		}
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[path] = err
		}
	}
	for _, path := range replaced {
		delete(gone, path)
		if _, dup := seen[path]; !dup {
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}
	active := watcher.table.len()
	if len(gone) > 0 {
		watcher.metrics.SetActiveWatches(active)
	}
	watcher.mutex.Unlock()

	for path, err := range failed {
		watcher.metrics.IncBackendErrors()
		watcher.logWarn("watch remove failed", path, err)
	}
	for path := range gone {
		watcher.logDebug("watched file disappeared", path, active)
	}
	if len(gone) == 0 {
		return paths
	}
	changed := paths[:0]
	for _, path := range paths {
		if _, dropped := gone[path]; !dropped {
			changed = append(changed, path)
		}
	}
	return changed
}

func (watcher *Watcher) detectPoll() []string {
	watcher.mutex.Lock()
	if watcher.table.isEmpty() {
		watcher.mutex.Unlock()
		return nil
	}
	changed, gone := watcher.poller.scan(watcher.table.paths(), func(path string, err error) {
		watcher.logWarn("stat failed", path, err)
	})
	for _, path := range gone {
		_ = watcher.table.drop(path)
	}
	active := watcher.table.len()
	if len(gone) > 0 {
		watcher.metrics.SetActiveWatches(active)
	}
	watcher.mutex.Unlock()

	for _, path := range gone {
		watcher.logDebug("watched file disappeared", path, active)
	}
	return changed
}

func (watcher *Watcher) resolveAlias(path string) (string, error) {
	absolute, err := fsutil.Absolute(path)
	if err != nil {
		return "", err
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if canonical, ok := watcher.table.aliasOf(absolute); ok {
		return canonical, nil
	}
	return absolute, nil
}

func (watcher *Watcher) subscribersOf(path string) []*Subscriber {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.table.subscribersOf(path)
}

func (watcher *Watcher) pending() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return !watcher.closed && !watcher.table.isEmpty()
}

// Stats returns a snapshot of the watched paths and counters.
func (watcher *Watcher) Stats() Stats {
	watcher.mutex.Lock()
	paths := watcher.table.paths()
	watcher.mutex.Unlock()
	return Stats{
		Mode:      watcher.Mode(),
		Scheduler: watcher.scheduler.current(),
		Paths:     paths,
		Counters:  watcher.metrics.Snapshot(),
	}
}

// Close releases the native source and, when owned, the timer loop. Every
// watch is dropped. Close waits for a running tick, so it must not be called
// from a subscriber callback.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.table = newTable(watcher.source)
	watcher.poller = newPoller()
	watcher.metrics.SetActiveWatches(0)
	watcher.mutex.Unlock()

	var result *multierror.Error
	if watcher.ownedTimers != nil {
		if err := watcher.ownedTimers.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := watcher.source.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (watcher *Watcher) logWarn(message, path string, err error) {
	watcher.logger.Warn(message, map[string]string{
		"path":  path,
		"error": err.Error(),
	})
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}
