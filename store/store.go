// store/store.go

// Package store defines the keyed document store the rest of lumi talks to.
//
// A store holds documents under slash-separated paths. A collection path
// ("notes/{owner}") groups documents; a record path ("notes/{owner}/{id}")
// addresses one of them. Stores stamp FieldCreatedAt and FieldUpdatedAt
// themselves, as Unix milliseconds from their own clock, so writers on
// different machines never disagree about ordering because of skew.
package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	FieldTitle     = "title"
	FieldBody      = "body"
	FieldOwnerID   = "ownerId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"

	notesRoot = "notes"
)

// Document is a raw stored value. Values are whatever the backend decoded;
// callers normalise them.
type Document map[string]any

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Snapshot is the full content of a collection path at one point in time.
// Seq grows with every change the store observes for the path.
type Snapshot struct {
	Path string
	Seq  uint64
	Docs map[string]Document
}

// RecordStore is the contract every backend satisfies.
//
// Subscribe delivers the current snapshot on registration and again after
// every change under path. Deliveries may repeat an unchanged snapshot but
// never go back to an older Seq. The returned func releases the
// subscription and may be called more than once.
type RecordStore interface {
	Create(ctx context.Context, path string, doc Document) (string, error)
	Update(ctx context.Context, path string, doc Document) error
	Remove(ctx context.Context, path string) error
	Subscribe(path string, fn func(Snapshot)) (func(), error)
}

// CollectionPath is where an owner's records live.
func CollectionPath(ownerID string) string {
	return notesRoot + "/" + ownerID
}

// RecordPath addresses one record of an owner.
func RecordPath(ownerID, id string) string {
	return CollectionPath(ownerID) + "/" + id
}

// SplitRecordPath separates a record path into its collection and key.
func SplitRecordPath(path string) (collection, key string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("invalid record path %q", path)
	}
	return path[:i], path[i+1:], nil
}

// ValidKey rejects keys that would escape their collection.
func ValidKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, `/\`)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewKey returns a time-sortable unique key.
func NewKey(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), entropy).String())
}

// Millis converts a store clock reading to the stamped representation.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
