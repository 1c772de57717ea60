// redisstore/store.go

// Package redisstore keeps each collection in a Redis hash and announces
// changes over pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
)

const (
	keyPrefix      = "lumi:doc:"
	changesChannel = "lumi:changes"
	loadTimeout    = 5 * time.Second
	writeAttempts  = 3
)

type Store struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger
	fanout *store.Fanout

	seqMu sync.Mutex
	seq   map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open parses redisURL, checks the connection and starts the change feed.
func Open(ctx context.Context, redisURL string, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(ctx, client, logger)
}

// NewWithClient builds a store on an existing client. The store owns the
// client from here on and closes it in Close.
func NewWithClient(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*Store, error) {
	pubsub := client.Subscribe(ctx, changesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", changesChannel, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client: client,
		pubsub: pubsub,
		logger: logger.With().Str("component", "redisstore").Logger(),
		fanout: store.NewFanout(),
		seq:    make(map[string]uint64),
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Store) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.fanout.CloseAll()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func hashKey(path string) string {
	return keyPrefix + path
}

func (s *Store) Create(ctx context.Context, path string, doc store.Document) (string, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return "", domain.WriteError("create", path, err)
	}
	stored := doc.Clone()
	stored[store.FieldCreatedAt] = store.Millis(now)
	stored[store.FieldUpdatedAt] = store.Millis(now)
	payload, err := json.Marshal(stored)
	if err != nil {
		return "", domain.WriteError("create", path, err)
	}

	for attempt := 0; attempt < writeAttempts; attempt++ {
		key := store.NewKey(now)
		ok, err := s.client.HSetNX(ctx, hashKey(path), key, payload).Result()
		if err != nil {
			return "", domain.WriteError("create", path, err)
		}
		if ok {
			s.announce(ctx, path)
			return key, nil
		}
	}
	return "", domain.WriteError("create", path, errors.New("key collision"))
}

func (s *Store) Update(ctx context.Context, path string, doc store.Document) error {
	coll, key, err := store.SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("update", path, err)
	}
	hk := hashKey(coll)

	update := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, hk, key).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		existing := store.Document{}
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		now, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		for k, v := range doc {
			if k == store.FieldCreatedAt {
				continue
			}
			existing[k] = v
		}
		existing[store.FieldUpdatedAt] = store.Millis(now)
		payload, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, key, payload)
			pipe.Publish(ctx, changesChannel, coll)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < writeAttempts; attempt++ {
		err = s.client.Watch(ctx, update, hk)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("update %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WriteError("update", path, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	coll, key, err := store.SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("remove", path, err)
	}
	n, err := s.client.HDel(ctx, hashKey(coll), key).Result()
	if err != nil {
		return domain.WriteError("remove", path, err)
	}
	if n > 0 {
		s.announce(ctx, coll)
	}
	return nil
}

func (s *Store) Subscribe(path string, fn func(store.Snapshot)) (func(), error) {
	deliver, release := s.fanout.Add(path, fn)

	ctx, cancel := context.WithTimeout(s.ctx, loadTimeout)
	defer cancel()
	snap, err := s.load(ctx, path)
	if err != nil {
		release()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	deliver(snap)
	return release, nil
}

// announce publishes a committed change. A lost announcement only delays
// subscribers until the next change, so it is logged and not returned.
func (s *Store) announce(ctx context.Context, coll string) {
	if err := s.client.Publish(ctx, changesChannel, coll).Err(); err != nil {
		s.logger.Warn().Err(err).Str("path", coll).Msg("failed to announce change")
	}
}

func (s *Store) nextSeq(path string) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq[path]++
	return s.seq[path]
}

func (s *Store) load(ctx context.Context, path string) (store.Snapshot, error) {
	seq := s.nextSeq(path)

	fields, err := s.client.HGetAll(ctx, hashKey(path)).Result()
	if err != nil {
		return store.Snapshot{}, err
	}
	docs := make(map[string]store.Document, len(fields))
	for key, raw := range fields {
		doc := store.Document{}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Str("key", key).Msg("skipping undecodable document")
			continue
		}
		docs[key] = doc
	}
	return store.Snapshot{Path: path, Seq: seq, Docs: docs}, nil
}

func (s *Store) run() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		if !s.fanout.Watched(msg.Payload) {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, loadTimeout)
		snap, err := s.load(ctx, msg.Payload)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("path", msg.Payload).Msg("failed to reload snapshot")
			continue
		}
		s.fanout.Publish(snap)
	}
}
