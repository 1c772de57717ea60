// filesystem/store_test.go
package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ViniZap4/lumi-ideas/store"
	"github.com/ViniZap4/lumi-ideas/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.RecordStore {
		return newTestStore(t)
	})
}

func TestDocumentRoundTripKeepsMarkdownBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n1.md")
	body := "# Heading\n\n---\n\n- item\n"
	require.NoError(t, WriteDocument(path, store.Document{
		store.FieldTitle:     "Idea",
		store.FieldBody:      body,
		store.FieldUpdatedAt: int64(1700000000000),
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "title: Idea")

	doc, err := ReadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "Idea", doc[store.FieldTitle])
	assert.Equal(t, body, doc[store.FieldBody])
	assert.EqualValues(t, 1700000000000, doc[store.FieldUpdatedAt])
}

func TestParseDocumentWithoutFrontmatterFields(t *testing.T) {
	doc, err := parseDocument([]byte("---\n---\n\nonly body"))
	require.NoError(t, err)
	assert.Equal(t, "only body", doc[store.FieldBody])
}

func TestParseDocumentRejectsMissingFence(t *testing.T) {
	_, err := parseDocument([]byte("no frontmatter here"))
	assert.Error(t, err)

	_, err = parseDocument([]byte("---\ntitle: open\n"))
	assert.Error(t, err)
}

func TestListSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDocument(filepath.Join(dir, "good.md"), store.Document{store.FieldTitle: "ok"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.md"), []byte("garbage"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	docs, err := ListDocuments(dir)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Contains(t, docs, "good")
}

func TestStoreWritesUnderOwnerDirectory(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, zerolog.Nop())
	require.NoError(t, err)

	id, err := s.Create(context.Background(), store.CollectionPath("alice"), store.Document{store.FieldTitle: "t"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "notes", "alice", id+".md"))
	assert.NoError(t, err)
}

func TestStoreRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), "notes/alice/..", store.Document{})
	assert.Error(t, err)
}
