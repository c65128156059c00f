package watcher

import (
	"errors"
	"sync"

	"filewatch/internal/logging"
	"filewatch/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

type nativeWatch struct {
	path  string
	flags Flags
}

type fsnotifySource struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	nextToken Token
	byToken   map[Token]nativeWatch
	byPath    map[string]Token
	logger    *logging.Logger
	metrics   *metrics.Registry
}

func newFSNotifySource(logger *logging.Logger, registry *metrics.Registry) (*fsnotifySource, error) {
	watcher, err := fsnotify.NewBufferedWatcher(nativeEventBuffer)
	if err != nil {
		return nil, err
	}
	return &fsnotifySource{
		watcher: watcher,
		byToken: make(map[Token]nativeWatch),
		byPath:  make(map[string]Token),
		logger:  logger,
		metrics: registry,
	}, nil
}

func (source *fsnotifySource) Available() bool {
	return true
}

func (source *fsnotifySource) Add(path string, flags Flags) (Token, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()

	if token, ok := source.byPath[path]; ok {
		return token, nil
	}
	if err := source.watcher.Add(path); err != nil {
		return 0, &BackendError{Op: "add", Path: path, Err: err}
	}
	source.nextToken++
	token := source.nextToken
	source.byToken[token] = nativeWatch{path: path, flags: flags.orDefault()}
	source.byPath[path] = token
	return token, nil
}

func (source *fsnotifySource) Remove(token Token) error {
	source.mutex.Lock()
	defer source.mutex.Unlock()

	watch, ok := source.byToken[token]
	if !ok {
		return nil
	}
	delete(source.byToken, token)
	delete(source.byPath, watch.path)

	// The kernel drops the watch by itself once the file is deleted.
	if err := source.watcher.Remove(watch.path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return &BackendError{Op: "remove", Path: watch.path, Err: err}
	}
	return nil
}

func (source *fsnotifySource) Poll() []Change {
	var changes []Change
	for {
		select {
		case event, ok := <-source.watcher.Events:
			if !ok {
				return changes
			}
			if change, matched := source.match(event); matched {
				changes = append(changes, change)
			}
		case err, ok := <-source.watcher.Errors:
			if !ok {
				return changes
			}
			source.metrics.IncBackendErrors()
			source.logger.Warn("native event source error", map[string]string{
				"filewatch.category": "watcher",
				"error":              err.Error(),
			})
		default:
			return changes
		}
	}
}

func (source *fsnotifySource) match(event fsnotify.Event) (Change, bool) {
	source.mutex.Lock()
	defer source.mutex.Unlock()

	token, ok := source.byPath[event.Name]
	if !ok {
		return Change{}, false
	}
	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		return Change{Token: token, Path: event.Name, Gone: true}, true
	}
	if source.byToken[token].flags&opFlags(event.Op) == 0 {
		return Change{}, false
	}
	return Change{Token: token, Path: event.Name}, true
}

func opFlags(op fsnotify.Op) Flags {
	var flags Flags
	if op.Has(fsnotify.Write) {
		flags |= FlagModify
	}
	if op.Has(fsnotify.Chmod) {
		flags |= FlagAttrib
	}
	return flags
}

func (source *fsnotifySource) Close() error {
	return source.watcher.Close()
}
