// repository/repository.go

// Package repository turns typed note operations into document store calls.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/store"
)

// OwnerSource tells Upsert whose record set to write to. *auth.Session
// satisfies it.
type OwnerSource interface {
	OwnerID() string
}

type Repository struct {
	store  store.RecordStore
	owner  OwnerSource
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Repository)

// WithClock sets the clock used to fill in missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

func New(s store.RecordStore, owner OwnerSource, opts ...Option) *Repository {
	r := &Repository{
		store:  s,
		owner:  owner,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "repository").Logger()
	return r
}

// Upsert creates a record when id is empty and otherwise overwrites title
// and body of the record with that id, returning it unchanged. The owner
// comes from the session the repository was built with.
func (r *Repository) Upsert(ctx context.Context, id string, data domain.RecordData) (string, error) {
	owner := ""
	if r.owner != nil {
		owner = r.owner.OwnerID()
	}
	if owner == "" {
		return "", domain.ErrUnauthenticated
	}
	if id == "" {
		return r.Create(ctx, owner, data)
	}
	title, body := data.Title, data.Body
	if err := r.Update(ctx, owner, id, domain.RecordPatch{Title: &title, Body: &body}); err != nil {
		return "", err
	}
	return id, nil
}

// checkOwner rejects a missing owner and one that would leave its
// collection path.
func checkOwner(ownerID string) error {
	if ownerID == "" {
		return domain.ErrUnauthenticated
	}
	if !store.ValidKey(ownerID) {
		return fmt.Errorf("owner %q: %w", ownerID, domain.ErrUnauthenticated)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, ownerID string, data domain.RecordData) (string, error) {
	if err := checkOwner(ownerID); err != nil {
		return "", err
	}
	id, err := r.store.Create(ctx, store.CollectionPath(ownerID), store.Document{
		store.FieldTitle:   data.Title,
		store.FieldBody:    data.Body,
		store.FieldOwnerID: ownerID,
	})
	if err != nil {
		return "", fmt.Errorf("create note: %w", err)
	}
	r.logger.Debug().Str("owner", ownerID).Str("id", id).Msg("note created")
	return id, nil
}

// Update writes only the fields set in patch. createdAt is left alone.
func (r *Repository) Update(ctx context.Context, ownerID, id string, patch domain.RecordPatch) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if !store.ValidKey(id) {
		return fmt.Errorf("update note %q: %w", id, domain.ErrNotFound)
	}
	doc := store.Document{}
	if patch.Title != nil {
		doc[store.FieldTitle] = *patch.Title
	}
	if patch.Body != nil {
		doc[store.FieldBody] = *patch.Body
	}
	if err := r.store.Update(ctx, store.RecordPath(ownerID, id), doc); err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, ownerID, id string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if !store.ValidKey(id) {
		return nil
	}
	if err := r.store.Remove(ctx, store.RecordPath(ownerID, id)); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

// Subscribe calls onChange with the owner's full record list, newest
// update first, on registration and after every change.
func (r *Repository) Subscribe(ownerID string, onChange func([]domain.Record)) (func(), error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	unsub, err := r.store.Subscribe(store.CollectionPath(ownerID), func(snap store.Snapshot) {
		onChange(r.normalize(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe notes: %w", err)
	}
	return unsub, nil
}

// List returns the owner's records from a single delivery.
func (r *Repository) List(ctx context.Context, ownerID string) ([]domain.Record, error) {
	ch := make(chan []domain.Record, 1)
	unsub, err := r.Subscribe(ownerID, func(records []domain.Record) {
		select {
		case ch <- records:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case records := <-ch:
		return records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Repository) Get(ctx context.Context, ownerID, id string) (domain.Record, error) {
	records, err := r.List(ctx, ownerID)
	if err != nil {
		return domain.Record{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.Record{}, fmt.Errorf("note %q: %w", id, domain.ErrNotFound)
}

func (r *Repository) normalize(snap store.Snapshot) []domain.Record {
	observed := r.now()
	records := make([]domain.Record, 0, len(snap.Docs))
	for id, doc := range snap.Docs {
		records = append(records, Normalize(id, doc, observed))
	}
	SortByUpdated(records)
	return records
}

// Normalize builds a Record from a raw document. Missing text fields
// become empty and missing or unreadable timestamps become observed.
func Normalize(id string, doc store.Document, observed time.Time) domain.Record {
	title, _ := doc[store.FieldTitle].(string)
	body, _ := doc[store.FieldBody].(string)
	owner, _ := doc[store.FieldOwnerID].(string)
	return domain.Record{
		ID:        id,
		Title:     title,
		Body:      body,
		OwnerID:   owner,
		CreatedAt: timestamp(doc[store.FieldCreatedAt], observed),
		UpdatedAt: timestamp(doc[store.FieldUpdatedAt], observed),
	}
}

// SortByUpdated orders records by UpdatedAt, newest first. Ties keep
// their incoming order.
func SortByUpdated(records []domain.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
}

func timestamp(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case int64:
		return time.UnixMilli(t)
	case int:
		return time.UnixMilli(int64(t))
	case uint64:
		if t <= math.MaxInt64 {
			return time.UnixMilli(int64(t))
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return time.UnixMilli(int64(t))
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return time.UnixMilli(n)
		}
	case time.Time:
		if !t.IsZero() {
			return t
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return fallback
}
