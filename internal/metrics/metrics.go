package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Registry holds watcher counters. A nil Registry ignores every update.
type Registry struct {
	ticks              atomic.Int64
	changes            atomic.Int64
	notifications      atomic.Int64
	deliveries         atomic.Int64
	validationFailures atomic.Int64
	pruned             atomic.Int64
	panics             atomic.Int64
	backendErrors      atomic.Int64
	activeWatches      atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Ticks              int64
	Changes            int64
	Notifications      int64
	Deliveries         int64
	ValidationFailures int64
	Pruned             int64
	Panics             int64
	BackendErrors      int64
	ActiveWatches      int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) IncTicks() {
	if r == nil {
		return
	}
	r.ticks.Add(1)
}

func (r *Registry) AddChanges(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.changes.Add(int64(count))
}

func (r *Registry) IncNotifications() {
	if r == nil {
		return
	}
	r.notifications.Add(1)
}

func (r *Registry) IncDeliveries() {
	if r == nil {
		return
	}
	r.deliveries.Add(1)
}

func (r *Registry) IncValidationFailures() {
	if r == nil {
		return
	}
	r.validationFailures.Add(1)
}

func (r *Registry) IncPruned() {
	if r == nil {
		return
	}
	r.pruned.Add(1)
}

func (r *Registry) IncPanics() {
	if r == nil {
		return
	}
	r.panics.Add(1)
}

func (r *Registry) IncBackendErrors() {
	if r == nil {
		return
	}
	r.backendErrors.Add(1)
}

func (r *Registry) SetActiveWatches(count int) {
	if r == nil {
		return
	}
	r.activeWatches.Store(int64(count))
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Ticks:              r.ticks.Load(),
		Changes:            r.changes.Load(),
		Notifications:      r.notifications.Load(),
		Deliveries:         r.deliveries.Load(),
		ValidationFailures: r.validationFailures.Load(),
		Pruned:             r.pruned.Load(),
		Panics:             r.panics.Load(),
		BackendErrors:      r.backendErrors.Load(),
		ActiveWatches:      r.activeWatches.Load(),
	}
}

// WritePrometheus renders the counters in the Prometheus text format.
func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}
	snapshot := r.Snapshot()

	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"filewatch_ticks_total", "Detection cycles run", snapshot.Ticks},
		{"filewatch_changes_total", "Changed paths detected", snapshot.Changes},
		{"filewatch_notifications_total", "Change notifications that passed validation", snapshot.Notifications},
		{"filewatch_deliveries_total", "Subscriber deliveries attempted", snapshot.Deliveries},
		{"filewatch_validation_failures_total", "Changes suppressed by validation", snapshot.ValidationFailures},
		{"filewatch_pruned_subscribers_total", "Remote subscribers removed after a failed delivery", snapshot.Pruned},
		{"filewatch_callback_panics_total", "Local callbacks that panicked", snapshot.Panics},
		{"filewatch_backend_errors_total", "Native event source errors", snapshot.BackendErrors},
	}
	for _, counter := range counters {
		if err := writeMetric(writer, counter.name, counter.help, "counter", counter.value); err != nil {
			return err
		}
	}
	return writeMetric(writer, "filewatch_active_watches", "Paths currently watched", "gauge", snapshot.ActiveWatches)
}

func writeMetric(writer io.Writer, metric, help, kind string, value int64) error {
	_, err := fmt.Fprintf(writer, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", metric, help, metric, kind, metric, value)
	return err
}
