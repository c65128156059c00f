package watcher

import "fmt"

// Kind tells the two subscriber variants apart.
type Kind int

const (
	KindCallback Kind = iota + 1
	KindRemote
)

func (kind Kind) String() string {
	switch kind {
	case KindCallback:
		return "callback"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Subscriber receives change notifications. Subscribers are compared by
// identity: pass the same pointer to RemoveWatch that was given to AddWatch.
type Subscriber struct {
	kind     Kind
	callback func(path string)
	target   string
}

// Callback wraps an in-process function.
func Callback(fn func(path string)) *Subscriber {
	return &Subscriber{kind: KindCallback, callback: fn}
}

// Remote names a target reached through the Transport.
func Remote(target string) *Subscriber {
	return &Subscriber{kind: KindRemote, target: target}
}

func (s *Subscriber) Kind() Kind {
	if s == nil {
		return 0
	}
	return s.kind
}

// Target returns the remote target name, or "" for callbacks.
func (s *Subscriber) Target() string {
	if s == nil {
		return ""
	}
	return s.target
}

func (s *Subscriber) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.kind == KindRemote {
		return fmt.Sprintf("remote:%s", s.target)
	}
	return fmt.Sprintf("callback:%p", s)
}

func (s *Subscriber) valid() bool {
	switch s.Kind() {
	case KindCallback:
		return s.callback != nil
	case KindRemote:
		return s.target != ""
	default:
		return false
	}
}
