// filesystem/store.go
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
)

// Store keeps each document as root/<path>/<key>.md. Change notifications
// are in-process: edits made to the files by other programs show up on
// the next write through this store.
type Store struct {
	root   string
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	seq    map[string]uint64
	fanout *store.Fanout
}

func NewStore(root string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	return &Store{
		root:   root,
		now:    time.Now,
		logger: logger.With().Str("component", "filesystem").Logger(),
		seq:    make(map[string]uint64),
		fanout: store.NewFanout(),
	}, nil
}

func (s *Store) dir(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *Store) file(coll, key string) string {
	return filepath.Join(s.dir(coll), key+".md")
}

func (s *Store) Create(ctx context.Context, path string, doc store.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.WriteError("create", path, err)
	}

	s.mu.Lock()
	now := s.now()
	key := store.NewKey(now)
	stored := doc.Clone()
	stored[store.FieldCreatedAt] = store.Millis(now)
	stored[store.FieldUpdatedAt] = store.Millis(now)

	if err := os.MkdirAll(s.dir(path), 0755); err != nil {
		s.mu.Unlock()
		return "", domain.WriteError("create", path, err)
	}
	if err := WriteDocument(s.file(path, key), stored); err != nil {
		s.mu.Unlock()
		return "", domain.WriteError("create", path, err)
	}
	snap, err := s.snapshotLocked(path, true)
	s.mu.Unlock()

	s.publish(snap, err)
	return key, nil
}

func (s *Store) Update(ctx context.Context, path string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return domain.WriteError("update", path, err)
	}
	coll, key, err := store.SplitRecordPath(path)
	if err != nil || !store.ValidKey(key) {
		return domain.WriteError("update", path, fmt.Errorf("invalid record path"))
	}

	s.mu.Lock()
	file := s.file(coll, key)
	existing, err := ReadDocument(file)
	if os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		s.mu.Unlock()
		return domain.WriteError("update", path, err)
	}
	for k, v := range doc {
		if k == store.FieldCreatedAt {
			continue
		}
		existing[k] = v
	}
	existing[store.FieldUpdatedAt] = store.Millis(s.now())
	if err := WriteDocument(file, existing); err != nil {
		s.mu.Unlock()
		return domain.WriteError("update", path, err)
	}
	snap, err := s.snapshotLocked(coll, true)
	s.mu.Unlock()

	s.publish(snap, err)
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return domain.WriteError("remove", path, err)
	}
	coll, key, err := store.SplitRecordPath(path)
	if err != nil || !store.ValidKey(key) {
		return domain.WriteError("remove", path, fmt.Errorf("invalid record path"))
	}

	s.mu.Lock()
	err = os.Remove(s.file(coll, key))
	if os.IsNotExist(err) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return domain.WriteError("remove", path, err)
	}
	snap, err := s.snapshotLocked(coll, true)
	s.mu.Unlock()

	s.publish(snap, err)
	return nil
}

func (s *Store) Subscribe(path string, fn func(store.Snapshot)) (func(), error) {
	deliver, release := s.fanout.Add(path, fn)

	s.mu.Lock()
	snap, err := s.snapshotLocked(path, false)
	s.mu.Unlock()
	if err != nil {
		release()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	deliver(snap)
	return release, nil
}

func (s *Store) snapshotLocked(path string, changed bool) (store.Snapshot, error) {
	if changed {
		s.seq[path]++
	}
	docs, err := ListDocuments(s.dir(path))
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Path: path, Seq: s.seq[path], Docs: docs}, nil
}

// publish runs after a committed write, so a failed re-read only costs
// subscribers this delivery.
func (s *Store) publish(snap store.Snapshot, err error) {
	if err != nil {
		s.logger.Error().Err(err).Str("path", snap.Path).Msg("failed to read snapshot after write")
		return
	}
	s.fanout.Publish(snap)
}
