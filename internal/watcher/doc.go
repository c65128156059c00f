// Package watcher notifies subscribers when watched files change.
//
// A Watcher detects changes either through the platform's native event
// facility (fsnotify) or, when that is unavailable, by comparing modification
// times on every tick. Both modes share one subscription API. Each detected
// change is validated before it is delivered, and delivery to one subscriber
// never prevents delivery to the others.
//
// The Watcher is safe for concurrent use. Subscriber callbacks run on the
// timer goroutine without any watcher lock held, so a callback may call
// RemoveWatch on itself.
package watcher
