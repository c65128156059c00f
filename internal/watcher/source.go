package watcher

import (
	"fmt"

	"filewatch/internal/logging"
	"filewatch/internal/metrics"
)

const nativeEventBuffer = 256

// EventSource abstracts the native change notification facility.
type EventSource interface {
	// Available reports whether native events are delivered at all.
	Available() bool
	// Add starts a native watch on path. A zero flags value means FlagModify.
	Add(path string, flags Flags) (Token, error)
	Remove(token Token) error
	// Poll returns pending changes without blocking.
	Poll() []Change
	Close() error
}

// NewEventSource picks the strategy for mode once. ModeAuto falls back to
// an inert source when the native facility cannot start.
func NewEventSource(mode Mode, logger *logging.Logger, registry *metrics.Registry) (EventSource, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	switch mode {
	case ModePoll:
		return inertSource{}, nil
	case ModeNative:
		source, err := newFSNotifySource(logger, registry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return source, nil
	case ModeAuto, "":
		source, err := newFSNotifySource(logger, registry)
		if err != nil {
			logger.Info("native events unavailable, polling modification times", map[string]string{
				"error": err.Error(),
			})
			return inertSource{}, nil
		}
		return source, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", mode)
	}
}

// inertSource stands in when there is no native facility.
type inertSource struct{}

func (inertSource) Available() bool {
	return false
}

func (inertSource) Add(string, Flags) (Token, error) {
	return 0, ErrUnsupported
}

func (inertSource) Remove(Token) error {
	return ErrUnsupported
}

func (inertSource) Poll() []Change {
	return nil
}

func (inertSource) Close() error {
	return nil
}
