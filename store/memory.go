// store/memory.go
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ViniZap4/lumi-ideas/domain"
)

// Memory is an in-process RecordStore. Deliveries run synchronously on
// the writing goroutine once the write is committed, so a callback must
// not write back into the same store.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	seq    map[string]uint64
	docs   map[string]map[string]Document
	fanout *Fanout

	// FailWith, when set, is returned by every write. Tests use it to
	// simulate a store that rejects writes.
	FailWith error
}

type MemoryOption func(*Memory)

// WithServerClock replaces the clock used for createdAt/updatedAt stamps.
func WithServerClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		seq:    make(map[string]uint64),
		docs:   make(map[string]map[string]Document),
		fanout: NewFanout(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Create(ctx context.Context, path string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.WriteError("create", path, err)
	}

	m.mu.Lock()
	if m.FailWith != nil {
		err := m.FailWith
		m.mu.Unlock()
		return "", domain.WriteError("create", path, err)
	}
	now := m.now()
	key := NewKey(now)
	stored := doc.Clone()
	stored[FieldCreatedAt] = Millis(now)
	stored[FieldUpdatedAt] = Millis(now)
	coll, ok := m.docs[path]
	if !ok {
		coll = make(map[string]Document)
		m.docs[path] = coll
	}
	coll[key] = stored
	snap := m.snapshotLocked(path, true)
	m.mu.Unlock()

	m.fanout.Publish(snap)
	return key, nil
}

func (m *Memory) Update(ctx context.Context, path string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return domain.WriteError("update", path, err)
	}
	coll, key, err := SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("update", path, err)
	}

	m.mu.Lock()
	if m.FailWith != nil {
		err := m.FailWith
		m.mu.Unlock()
		return domain.WriteError("update", path, err)
	}
	existing, ok := m.docs[coll][key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, domain.ErrNotFound)
	}
	merged := existing.Clone()
	for k, v := range doc {
		if k == FieldCreatedAt {
			continue
		}
		merged[k] = v
	}
	merged[FieldUpdatedAt] = Millis(m.now())
	m.docs[coll][key] = merged
	snap := m.snapshotLocked(coll, true)
	m.mu.Unlock()

	m.fanout.Publish(snap)
	return nil
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return domain.WriteError("remove", path, err)
	}
	coll, key, err := SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("remove", path, err)
	}

	m.mu.Lock()
	if m.FailWith != nil {
		err := m.FailWith
		m.mu.Unlock()
		return domain.WriteError("remove", path, err)
	}
	if _, ok := m.docs[coll][key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs[coll], key)
	snap := m.snapshotLocked(coll, true)
	m.mu.Unlock()

	m.fanout.Publish(snap)
	return nil
}

func (m *Memory) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	deliver, release := m.fanout.Add(path, fn)

	m.mu.Lock()
	snap := m.snapshotLocked(path, false)
	m.mu.Unlock()

	deliver(snap)
	return release, nil
}

// Len reports how many documents live under a collection path.
func (m *Memory) Len(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[path])
}

// Get returns a copy of one stored document.
func (m *Memory) Get(path string) (Document, bool) {
	coll, key, err := SplitRecordPath(path)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[coll][key]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

func (m *Memory) snapshotLocked(path string, changed bool) Snapshot {
	if changed {
		m.seq[path]++
	}
	docs := make(map[string]Document, len(m.docs[path]))
	for k, d := range m.docs[path] {
		docs[k] = d.Clone()
	}
	return Snapshot{Path: path, Seq: m.seq[path], Docs: docs}
}
