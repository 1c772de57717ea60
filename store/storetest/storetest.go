// store/storetest/storetest.go

// Package storetest holds the behaviour every RecordStore backend shares.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
)

const waitFor = 2 * time.Second

// Recorder collects the snapshots delivered to one subscription.
type Recorder struct {
	mu    sync.Mutex
	snaps []store.Snapshot
}

func (r *Recorder) Record(s store.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *Recorder) Last() store.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return store.Snapshot{}
	}
	return r.snaps[len(r.snaps)-1]
}

// WaitLast waits until the latest delivered snapshot satisfies ok.
func (r *Recorder) WaitLast(t *testing.T, ok func(store.Snapshot) bool) store.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Count() > 0 && ok(r.Last())
	}, waitFor, 5*time.Millisecond)
	return r.Last()
}

// Run exercises the RecordStore contract against a fresh store per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.RecordStore) {
	t.Run("CreateStampsTimestamps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "Idea", store.FieldBody: "1234567890"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		var rec Recorder
		unsub, err := s.Subscribe(coll, rec.Record)
		require.NoError(t, err)
		defer unsub()

		snap := rec.WaitLast(t, func(s store.Snapshot) bool { return len(s.Docs) == 1 })
		doc := snap.Docs[id]
		require.NotNil(t, doc)
		assert.Equal(t, "Idea", doc[store.FieldTitle])
		assert.Equal(t, "1234567890", doc[store.FieldBody])
		assert.NotNil(t, doc[store.FieldCreatedAt])
		assert.NotNil(t, doc[store.FieldUpdatedAt])
	})

	t.Run("CreateReturnsDistinctKeys", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		a, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "a"})
		require.NoError(t, err)
		b, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "b"})
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("UpdateMergesFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "t", store.FieldBody: "b", store.FieldOwnerID: "owner-1"})
		require.NoError(t, err)
		require.NoError(t, s.Update(ctx, store.RecordPath("owner-1", id), store.Document{store.FieldBody: "b2"}))

		var rec Recorder
		unsub, err := s.Subscribe(coll, rec.Record)
		require.NoError(t, err)
		defer unsub()

		snap := rec.WaitLast(t, func(s store.Snapshot) bool { return s.Docs[id] != nil })
		doc := snap.Docs[id]
		assert.Equal(t, "t", doc[store.FieldTitle])
		assert.Equal(t, "b2", doc[store.FieldBody])
		assert.Equal(t, "owner-1", doc[store.FieldOwnerID])
		assert.NotNil(t, doc[store.FieldCreatedAt])
	})

	t.Run("UpdateMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), store.RecordPath("owner-1", "missing"), store.Document{store.FieldBody: "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "gone"})
		require.NoError(t, err)
		require.NoError(t, s.Remove(ctx, store.RecordPath("owner-1", id)))
		require.NoError(t, s.Remove(ctx, store.RecordPath("owner-1", id)))
		require.NoError(t, s.Remove(ctx, store.RecordPath("owner-1", "never-existed")))

		var rec Recorder
		unsub, err := s.Subscribe(coll, rec.Record)
		require.NoError(t, err)
		defer unsub()
		snap := rec.WaitLast(t, func(store.Snapshot) bool { return true })
		assert.Empty(t, snap.Docs)
	})

	t.Run("SubscribeDeliversChanges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		var rec Recorder
		unsub, err := s.Subscribe(coll, rec.Record)
		require.NoError(t, err)
		defer unsub()
		rec.WaitLast(t, func(s store.Snapshot) bool { return len(s.Docs) == 0 })

		id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "one"})
		require.NoError(t, err)
		rec.WaitLast(t, func(s store.Snapshot) bool { return s.Docs[id] != nil })

		require.NoError(t, s.Remove(ctx, store.RecordPath("owner-1", id)))
		rec.WaitLast(t, func(s store.Snapshot) bool { return len(s.Docs) == 0 })
	})

	t.Run("SubscribeIsScopedToPath", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var rec Recorder
		unsub, err := s.Subscribe(store.CollectionPath("owner-1"), rec.Record)
		require.NoError(t, err)
		defer unsub()
		rec.WaitLast(t, func(store.Snapshot) bool { return true })

		_, err = s.Create(ctx, store.CollectionPath("owner-2"), store.Document{store.FieldTitle: "other"})
		require.NoError(t, err)
		_, err = s.Create(ctx, store.CollectionPath("owner-1"), store.Document{store.FieldTitle: "mine"})
		require.NoError(t, err)

		snap := rec.WaitLast(t, func(s store.Snapshot) bool { return len(s.Docs) == 1 })
		for _, doc := range snap.Docs {
			assert.Equal(t, "mine", doc[store.FieldTitle])
		}
	})

	t.Run("NoDeliveryAfterUnsubscribe", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		coll := store.CollectionPath("owner-1")

		var rec Recorder
		unsub, err := s.Subscribe(coll, rec.Record)
		require.NoError(t, err)
		rec.WaitLast(t, func(store.Snapshot) bool { return true })
		unsub()
		unsub()
		before := rec.Count()

		var other Recorder
		unsubOther, err := s.Subscribe(coll, other.Record)
		require.NoError(t, err)
		defer unsubOther()

		id, err := s.Create(ctx, coll, store.Document{store.FieldTitle: "after"})
		require.NoError(t, err)
		other.WaitLast(t, func(s store.Snapshot) bool { return s.Docs[id] != nil })
		assert.Equal(t, before, rec.Count())
	})
}
