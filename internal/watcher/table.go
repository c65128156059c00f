package watcher

import "sort"

// table maps canonical paths to their subscribers and, with a native source,
// paths to native tokens. It is not safe for concurrent use; Watcher guards
// it with its mutex.
type table struct {
	source  EventSource
	entries map[string][]*Subscriber
	tokens  map[Token]string
	byPath  map[string]Token
	flags   map[string]Flags
	// aliases maps absolute, unresolved spellings (symlinks) to the
	// canonical path they were registered under.
	aliases map[string]string
}

func newTable(source EventSource) *table {
	return &table{
		source:  source,
		entries: make(map[string][]*Subscriber),
		tokens:  make(map[Token]string),
		byPath:  make(map[string]Token),
		flags:   make(map[string]Flags),
		aliases: make(map[string]string),
	}
}

func (t *table) native() bool {
	return t.source != nil && t.source.Available()
}

// subscribe appends subscriber to path, creating the entry and its native
// watch on first use. created reports whether the entry is new.
func (t *table) subscribe(path string, subscriber *Subscriber, flags Flags) (created bool, err error) {
	if _, ok := t.entries[path]; !ok {
		if t.native() {
			token, err := t.source.Add(path, flags)
			if err != nil {
				return false, err
			}
			t.tokens[token] = path
			t.byPath[path] = token
			t.flags[path] = flags
		}
		created = true
	}
	t.entries[path] = append(t.entries[path], subscriber)
	return created, nil
}

// unsubscribe removes the first identity match of subscriber. known is
// false for an unknown path; removed reports that the entry was dropped.
func (t *table) unsubscribe(path string, subscriber *Subscriber) (known, removed bool, err error) {
	subscribers, ok := t.entries[path]
	if !ok {
		return false, false, nil
	}
	for index, candidate := range subscribers {
		if candidate == subscriber {
			subscribers = append(subscribers[:index:index], subscribers[index+1:]...)
			break
		}
	}
	if len(subscribers) > 0 {
		t.entries[path] = subscribers
		return true, false, nil
	}
	return true, true, t.drop(path)
}

// drop deletes path with every subscriber and its native watch.
func (t *table) drop(path string) error {
	if _, ok := t.entries[path]; !ok {
		return nil
	}
	delete(t.entries, path)
	t.dropAliases(path)
	token, ok := t.byPath[path]
	if !ok {
		return nil
	}
	delete(t.byPath, path)
	delete(t.tokens, token)
	delete(t.flags, path)
	return t.source.Remove(token)
}

// rewatch replaces the native watch of path, whose file was swapped for a
// new one. On failure the whole entry is dropped.
func (t *table) rewatch(path string) error {
	token, ok := t.byPath[path]
	if !ok {
		return nil
	}
	delete(t.tokens, token)
	delete(t.byPath, path)
	_ = t.source.Remove(token)

	next, err := t.source.Add(path, t.flags[path])
	if err != nil {
		delete(t.flags, path)
		delete(t.entries, path)
		t.dropAliases(path)
		return err
	}
	t.tokens[next] = path
	t.byPath[path] = next
	return nil
}

// alias records spelling for a watched canonical path.
func (t *table) alias(spelling, canonical string) {
	if spelling == canonical {
		return
	}
	if _, ok := t.entries[canonical]; ok {
		t.aliases[spelling] = canonical
	}
}

func (t *table) dropAliases(canonical string) {
	for spelling, target := range t.aliases {
		if target == canonical {
			delete(t.aliases, spelling)
		}
	}
}

func (t *table) aliasOf(spelling string) (string, bool) {
	canonical, ok := t.aliases[spelling]
	return canonical, ok
}

func (t *table) subscribersOf(path string) []*Subscriber {
	subscribers := t.entries[path]
	if len(subscribers) == 0 {
		return nil
	}
	snapshot := make([]*Subscriber, len(subscribers))
	copy(snapshot, subscribers)
	return snapshot
}

func (t *table) has(path string) bool {
	_, ok := t.entries[path]
	return ok
}

func (t *table) pathOf(token Token) (string, bool) {
	path, ok := t.tokens[token]
	return path, ok
}

func (t *table) isEmpty() bool {
	return len(t.entries) == 0
}

func (t *table) len() int {
	return len(t.entries)
}

func (t *table) paths() []string {
	paths := make([]string, 0, len(t.entries))
	for path := range t.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
