// ws/conn_test.go
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/enhance"
	"github.com/ViniZap4/lumi-ideas/store"
)

type stubEnhancer struct{}

func (stubEnhancer) Enhance(_ context.Context, req enhance.Request) (enhance.Result, error) {
	if err := enhance.Validate(req.Content); err != nil {
		return enhance.Result{}, err
	}
	return enhance.Result{EnhancedContent: "## " + req.Content, OriginalContent: req.Content, OriginalTitle: req.Title}, nil
}

type testServer struct {
	url     string
	mem     *store.Memory
	tokens  *auth.Tokens
	handler *Handler
}

func newTestServer(t *testing.T, delay time.Duration) *testServer {
	t.Helper()
	mem := store.NewMemory()
	return newTestServerWith(t, mem, mem, delay)
}

func newTestServerWith(t *testing.T, st store.RecordStore, mem *store.Memory, delay time.Duration) *testServer {
	t.Helper()
	tokens := auth.NewTokens("ws-secret", time.Hour)
	h := NewHandler(Config{
		Store:         st,
		Tokens:        tokens,
		Enhancer:      stubEnhancer{},
		AutosaveDelay: delay,
		Logger:        zerolog.Nop(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		mem:     mem,
		tokens:  tokens,
		handler: h,
	}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := s.tokens.Issue(auth.Identity{UserID: userID})
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type draftData struct {
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	IsSaving    bool       `json:"is_saving"`
	LastSavedAt *time.Time `json:"last_saved_at"`
	BoundID     string     `json:"bound_id"`
}

type snapshotData struct {
	Records []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"records"`
	Loading bool `json:"loading"`
}

// waitFor reads until match accepts a message of the given type.
func waitFor(t *testing.T, conn *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ && (match == nil || match(msg.Data)) {
			return msg.Data
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, time.Hour)
	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEditFlushRoundTrip(t *testing.T) {
	s := newTestServer(t, time.Hour)
	conn := s.dial(t, "u1")

	waitFor(t, conn, TypeSnapshot, func(raw json.RawMessage) bool {
		var snap snapshotData
		return json.Unmarshal(raw, &snap) == nil && !snap.Loading
	})

	send(t, conn, ClientMessage{Type: TypeTitle, Text: "Idea"})
	send(t, conn, ClientMessage{Type: TypeBody, Text: "1234567890"})
	send(t, conn, ClientMessage{Type: TypeFlush})

	// The store delivers the new list before the save returns, so the
	// snapshot arrives ahead of the bound draft.
	raw := waitFor(t, conn, TypeSnapshot, func(raw json.RawMessage) bool {
		var snap snapshotData
		return json.Unmarshal(raw, &snap) == nil && len(snap.Records) == 1
	})
	var snap snapshotData
	require.NoError(t, json.Unmarshal(raw, &snap))
	id := snap.Records[0].ID

	raw = waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.BoundID != "" && d.LastSavedAt != nil
	})
	var d draftData
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, "Idea", d.Title)
	assert.Equal(t, id, d.BoundID)
	assert.Equal(t, 1, s.mem.Len(store.CollectionPath("u1")))
}

func TestDebouncedSaveReachesOtherConnections(t *testing.T) {
	s := newTestServer(t, 20*time.Millisecond)
	editor := s.dial(t, "u1")
	viewer := s.dial(t, "u1")
	waitFor(t, viewer, TypeSnapshot, nil)

	send(t, editor, ClientMessage{Type: TypeBody, Text: "typed quickly"})
	waitFor(t, viewer, TypeSnapshot, func(raw json.RawMessage) bool {
		var snap snapshotData
		return json.Unmarshal(raw, &snap) == nil && len(snap.Records) == 1 && snap.Records[0].Body == "typed quickly"
	})
	require.Eventually(t, func() bool { return s.handler.Hub().CountFor("u1") == 2 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectFlushesPendingSave(t *testing.T) {
	s := newTestServer(t, time.Hour)
	conn := s.dial(t, "u1")
	waitFor(t, conn, TypeSnapshot, nil)

	send(t, conn, ClientMessage{Type: TypeTitle, Text: "left in a hurry"})
	waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.Title == "left in a hurry"
	})
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return s.mem.Len(store.CollectionPath("u1")) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.handler.Hub().Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestOpenExistingRecordUpdatesIt(t *testing.T) {
	s := newTestServer(t, time.Hour)
	id, err := s.mem.Create(context.Background(), store.CollectionPath("u1"), store.Document{
		store.FieldTitle: "Existing", store.FieldBody: "old body", store.FieldOwnerID: "u1",
	})
	require.NoError(t, err)

	conn := s.dial(t, "u1")
	waitFor(t, conn, TypeSnapshot, func(raw json.RawMessage) bool {
		var snap snapshotData
		return json.Unmarshal(raw, &snap) == nil && len(snap.Records) == 1
	})

	send(t, conn, ClientMessage{Type: TypeOpen, ID: id})
	raw := waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.BoundID == id
	})
	var d draftData
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, "Existing", d.Title)
	assert.Equal(t, "old body", d.Body)

	send(t, conn, ClientMessage{Type: TypeBody, Text: "new body"})
	send(t, conn, ClientMessage{Type: TypeFlush})
	require.Eventually(t, func() bool {
		doc, ok := s.mem.Get(store.RecordPath("u1", id))
		return ok && doc[store.FieldBody] == "new body"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.mem.Len(store.CollectionPath("u1")))
}

func TestEnhanceAndAccept(t *testing.T) {
	s := newTestServer(t, time.Hour)
	conn := s.dial(t, "u1")

	send(t, conn, ClientMessage{Type: TypeBody, Text: "short"})
	send(t, conn, ClientMessage{Type: TypeEnhance})
	raw := waitFor(t, conn, TypeError, nil)
	assert.Contains(t, string(raw), "content is too short to enhance")

	send(t, conn, ClientMessage{Type: TypeBody, Text: "an idea long enough"})
	send(t, conn, ClientMessage{Type: TypeEnhance})
	raw = waitFor(t, conn, TypeEnhancement, nil)
	var res enhance.Result
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "## an idea long enough", res.EnhancedContent)

	send(t, conn, ClientMessage{Type: TypeAccept})
	waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.Body == "## an idea long enough"
	})

	send(t, conn, ClientMessage{Type: TypeAccept})
	raw = waitFor(t, conn, TypeError, nil)
	assert.Contains(t, string(raw), "no enhancement to accept")
}

func TestUnknownMessage(t *testing.T) {
	s := newTestServer(t, time.Hour)
	conn := s.dial(t, "u1")
	send(t, conn, ClientMessage{Type: "dance"})
	raw := waitFor(t, conn, TypeError, nil)
	assert.Contains(t, string(raw), "unknown message type dance")
}

func TestHubShutdownClosesConnections(t *testing.T) {
	s := newTestServer(t, time.Hour)
	conn := s.dial(t, "u1")
	waitFor(t, conn, TypeSnapshot, nil)
	send(t, conn, ClientMessage{Type: TypeTitle, Text: "saved on shutdown"})
	waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.Title == "saved on shutdown"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.handler.Hub().Shutdown(ctx))
	assert.Equal(t, 0, s.handler.Hub().Count())
	assert.Equal(t, 1, s.mem.Len(store.CollectionPath("u1")))

	token, err := s.tokens.Issue(auth.Identity{UserID: "u1"})
	require.NoError(t, err)
	late, _, err := websocket.DefaultDialer.Dial(s.url+"?token="+token, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

// slowStore takes a while to create and gives up if its context ends.
type slowStore struct {
	*store.Memory
	wait time.Duration
}

func (s slowStore) Create(ctx context.Context, path string, doc store.Document) (string, error) {
	select {
	case <-time.After(s.wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.Memory.Create(ctx, path, doc)
}

func TestDisconnectLetsInFlightSaveFinish(t *testing.T) {
	mem := store.NewMemory()
	s := newTestServerWith(t, slowStore{Memory: mem, wait: 300 * time.Millisecond}, mem, 10*time.Millisecond)
	conn := s.dial(t, "u1")
	waitFor(t, conn, TypeSnapshot, nil)

	send(t, conn, ClientMessage{Type: TypeTitle, Text: "mid-save"})
	waitFor(t, conn, TypeDraft, func(raw json.RawMessage) bool {
		var d draftData
		return json.Unmarshal(raw, &d) == nil && d.IsSaving
	})
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return s.handler.Hub().Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mem.Len(store.CollectionPath("u1")), "the save in flight at disconnect completes")
}
