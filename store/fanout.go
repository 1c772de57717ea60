// store/fanout.go
package store

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	id      uint64
	fn      func(Snapshot)
	mu      sync.Mutex
	lastSeq uint64
	closed  atomic.Bool
}

// deliver runs fn unless the subscriber is closed or snap is older than
// what it already saw. The subscriber lock serialises deliveries so a
// slow callback cannot be overtaken by a newer one.
func (s *subscriber) deliver(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || snap.Seq < s.lastSeq {
		return
	}
	s.lastSeq = snap.Seq
	s.fn(snap)
}

// close does not take the delivery lock, so a callback may release its
// own subscription.
func (s *subscriber) close() {
	s.closed.Store(true)
}

// Fanout keeps the subscribers of every path and hands snapshots to them.
// Backends own the snapshots; Fanout only routes them.
type Fanout struct {
	mu     sync.RWMutex
	nextID uint64
	paths  map[string]map[uint64]*subscriber
}

func NewFanout() *Fanout {
	return &Fanout{paths: make(map[string]map[uint64]*subscriber)}
}

// Add registers fn under path and returns the subscriber handle plus its
// release func. The caller sends the initial snapshot through the returned
// deliver func.
func (f *Fanout) Add(path string, fn func(Snapshot)) (func(Snapshot), func()) {
	f.mu.Lock()
	f.nextID++
	sub := &subscriber{id: f.nextID, fn: fn}
	subs, ok := f.paths[path]
	if !ok {
		subs = make(map[uint64]*subscriber)
		f.paths[path] = subs
	}
	subs[sub.id] = sub
	f.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			sub.close()
			f.mu.Lock()
			if subs, ok := f.paths[path]; ok {
				delete(subs, sub.id)
				if len(subs) == 0 {
					delete(f.paths, path)
				}
			}
			f.mu.Unlock()
		})
	}
	return sub.deliver, release
}

// Publish hands snap to every current subscriber of snap.Path.
func (f *Fanout) Publish(snap Snapshot) {
	f.mu.RLock()
	subs := make([]*subscriber, 0, len(f.paths[snap.Path]))
	for _, sub := range f.paths[snap.Path] {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(snap)
	}
}

// Watched reports whether anyone listens on path.
func (f *Fanout) Watched(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.paths[path]) > 0
}

// Paths lists every path with at least one subscriber.
func (f *Fanout) Paths() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.paths))
	for p := range f.paths {
		out = append(out, p)
	}
	return out
}

// CloseAll drops every subscriber.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	paths := f.paths
	f.paths = make(map[string]map[uint64]*subscriber)
	f.mu.Unlock()
	for _, subs := range paths {
		for _, sub := range subs {
			sub.close()
		}
	}
}
