package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"filewatch/internal/timer"
)

const (
	DefaultInterval  = time.Second
	DefaultTimerName = "filewatch"
)

var (
	// ErrUnsupported reports that no native event source is available.
	ErrUnsupported        = errors.New("native event source unavailable")
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// BackendError wraps a failed native watch registration or removal.
type BackendError struct {
	Op   string
	Path string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("native watch %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Token identifies one native watch.
type Token uint64

// Flags selects which native events count as a change.
type Flags uint8

const (
	FlagModify Flags = 1 << iota
	FlagAttrib
)

func (flags Flags) orDefault() Flags {
	if flags == 0 {
		return FlagModify
	}
	return flags
}

// Change is one pending native event. Gone marks a removed or renamed file;
// the native facility has already dropped its watch.
type Change struct {
	Token Token
	Path  string
	Gone  bool
}

// Mode selects the change detection strategy.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeNative Mode = "native"
	ModePoll   Mode = "poll"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeNative:
		return ModeNative, nil
	case ModePoll:
		return ModePoll, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want auto, native or poll)", value)
	}
}

// Validator decides whether a changed file is well-formed enough to announce.
type Validator interface {
	Validate(path string) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(path string) error

func (f ValidatorFunc) Validate(path string) error {
	return f(path)
}

// Transport delivers a change to a remote subscriber. A non-nil error marks
// the target as gone.
type Transport interface {
	Deliver(ctx context.Context, target, path string) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target, path string) error

func (f TransportFunc) Deliver(ctx context.Context, target, path string) error {
	return f(ctx, target, path)
}

// Timers is the periodic timer facility the scheduler is driven by.
// *timer.Loop implements it.
type Timers interface {
	Register(name string, period time.Duration, fn timer.Func)
	Arm(name string) bool
}
