// postgres/store.go

// Package postgres stores documents in a single jsonb table and turns
// LISTEN/NOTIFY into snapshot deliveries.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
)

const (
	notifyChannel  = "lumi_documents"
	reconnectDelay = 5 * time.Second
	loadTimeout    = 10 * time.Second
	createAttempts = 2
)

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	fanout *store.Fanout

	seqMu sync.Mutex
	seq   map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open connects to databaseURL and starts the change listener.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
		fanout: store.NewFanout(),
		seq:    make(map[string]uint64),
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listenLoop()
	return s, nil
}

// Close stops the listener, drops subscribers and closes the pool.
func (s *Store) Close() {
	s.cancel()
	<-s.done
	s.fanout.CloseAll()
	s.pool.Close()
}

func (s *Store) Create(ctx context.Context, path string, doc store.Document) (string, error) {
	payload, err := encode(doc)
	if err != nil {
		return "", domain.WriteError("create", path, err)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		key := store.NewKey(time.Now())
		err = s.write(ctx, path, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				`INSERT INTO documents (path, key, doc) VALUES ($1, $2, $3)`,
				path, key, payload)
			return err
		})
		if err == nil {
			return key, nil
		}
		if !errors.Is(classify(err), errKeyCollision) {
			break
		}
	}
	return "", writeError("create", path, err)
}

func (s *Store) Update(ctx context.Context, path string, doc store.Document) error {
	coll, key, err := store.SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("update", path, err)
	}
	payload, err := encode(doc)
	if err != nil {
		return domain.WriteError("update", path, err)
	}

	err = s.write(ctx, coll, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateSQL, coll, key, payload)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("update %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return writeError("update", path, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	coll, key, err := store.SplitRecordPath(path)
	if err != nil {
		return domain.WriteError("remove", path, err)
	}

	err = s.write(ctx, coll, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1 AND key = $2`, coll, key)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errNothingRemoved
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNothingRemoved) {
		return writeError("remove", path, err)
	}
	return nil
}

var errNothingRemoved = errors.New("nothing removed")

// updateSQL stamps the wall clock at statement time and never moves
// updated_at backwards. The row lock makes a concurrent update wait and
// then see the committed stamp, so commit order and stamp order agree.
const updateSQL = `UPDATE documents
SET doc = doc || $3::jsonb,
    updated_at = GREATEST(updated_at, clock_timestamp())
WHERE path = $1 AND key = $2`

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

// write runs fn and the change notification in one transaction, so
// listeners only hear about committed writes.
func (s *Store) write(ctx context.Context, coll string, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, coll)
		return err
	})
}

func (s *Store) nextSeq(path string) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq[path]++
	return s.seq[path]
}

// load reads the whole collection. The sequence number is taken before
// the query, so a later load always sees at least as much as an earlier one.
func (s *Store) load(ctx context.Context, path string) (store.Snapshot, error) {
	seq := s.nextSeq(path)

	rows, err := s.pool.Query(ctx,
		`SELECT key, doc, created_at, updated_at FROM documents WHERE path = $1`, path)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()

	docs := make(map[string]store.Document)
	for rows.Next() {
		var (
			key       string
			raw       map[string]any
			createdAt time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&key, &raw, &createdAt, &updatedAt); err != nil {
			return store.Snapshot{}, err
		}
		doc := store.Document(raw)
		if doc == nil {
			doc = store.Document{}
		}
		doc[store.FieldCreatedAt] = store.Millis(createdAt)
		doc[store.FieldUpdatedAt] = store.Millis(updatedAt)
		docs[key] = doc
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Path: path, Seq: seq, Docs: docs}, nil
}

func (s *Store) refresh(ctx context.Context, path string) {
	if !s.fanout.Watched(path) {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	snap, err := s.load(lctx, path)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("failed to reload snapshot")
		return
	}
	s.fanout.Publish(snap)
}

func (s *Store) listenLoop() {
	defer close(s.done)
	for {
		err := s.listen(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("change listener lost, reconnecting")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Store) listen(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Anything written while we were disconnected was not announced to us.
	for _, path := range s.fanout.Paths() {
		s.refresh(ctx, path)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.refresh(ctx, n.Payload)
	}
}

// encode drops the stamp fields; the table columns own them.
func encode(doc store.Document) ([]byte, error) {
	clean := doc.Clone()
	delete(clean, store.FieldCreatedAt)
	delete(clean, store.FieldUpdatedAt)
	return json.Marshal(clean)
}
