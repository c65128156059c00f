package watcher

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

var osStat = os.Stat

// poller detects changes by comparing modification times between ticks.
// The first observation of a path only records its time.
type poller struct {
	seen map[string]time.Time
}

func newPoller() *poller {
	return &poller{seen: make(map[string]time.Time)}
}

// scan returns the paths whose modification time moved forward since the
// previous scan, and the paths that no longer exist. statErr is called for
// any other stat failure; that path is skipped for this scan.
func (p *poller) scan(paths []string, statErr func(path string, err error)) (changed, gone []string) {
	for _, path := range paths {
		info, err := osStat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				delete(p.seen, path)
				gone = append(gone, path)
				continue
			}
			if statErr != nil {
				statErr(path, err)
			}
			continue
		}
		modified := info.ModTime()
		if previous, ok := p.seen[path]; ok && modified.After(previous) {
			changed = append(changed, path)
		}
		p.seen[path] = modified
	}
	return changed, gone
}

func (p *poller) forget(path string) {
	delete(p.seen, path)
}

func (p *poller) tracked(path string) bool {
	_, ok := p.seen[path]
	return ok
}
