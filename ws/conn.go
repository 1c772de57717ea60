// ws/conn.go
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/autosave"
	"github.com/ViniZap4/lumi-ideas/collection"
	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/enhance"
	"github.com/ViniZap4/lumi-ideas/repository"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
	flushTimeout   = 5 * time.Second
)

// Conn is one UI session: a signed-in owner, the live note list and a
// single draft being edited.
type Conn struct {
	ws      *websocket.Conn
	ownerID string
	cfg     Config
	logger  zerolog.Logger

	session    *auth.Session
	repo       *repository.Repository
	collection *collection.Session
	draft      *autosave.Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Message
	done   chan struct{}

	closeOnce sync.Once
	tasks     sync.WaitGroup

	mu          sync.Mutex
	enhancement *enhance.Result
}

func newConn(ws *websocket.Conn, id auth.Identity, cfg Config, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		ownerID: id.UserID,
		cfg:     cfg,
		logger:  logger.With().Str("owner", id.UserID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan Message, sendBuffer),
		done:    make(chan struct{}),
	}

	c.session = auth.NewSession()
	c.session.SignIn(id)
	c.repo = repository.New(cfg.Store, c.session, repository.WithLogger(cfg.Logger))
	c.collection = collection.New(c.repo,
		collection.WithLogger(cfg.Logger),
		collection.WithOnChange(c.pushSnapshot),
	)

	opts := []autosave.Option{
		autosave.WithDelay(cfg.AutosaveDelay),
		autosave.WithPlaceholder(cfg.PlaceholderTitle),
		autosave.WithLogger(cfg.Logger),
		autosave.WithContext(ctx),
		autosave.WithOnChange(c.pushDraft),
	}
	if cfg.SingleFlight {
		opts = append(opts, autosave.WithSingleFlight())
	}
	c.draft = autosave.New(c.repo, c.session, domain.Draft{}, opts...)
	return c
}

// Close drops the socket; run notices and tears the session down.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}

func (c *Conn) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.send(Message{Type: TypeDraft, Data: c.draft.State()})
	c.collection.Bind(c.session)

	c.readLoop()

	if c.draft.Pending() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		c.draft.Flush(ctx)
		cancel()
	}
	c.draft.Close()
	c.draft.Wait()
	c.collection.Close()
	c.cancel()
	c.tasks.Wait()

	close(c.done)
	<-writerDone
	c.Close()
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle applies one client message and reports whether to keep reading.
func (c *Conn) handle(msg ClientMessage) bool {
	switch msg.Type {
	case TypeOpen:
		c.open(msg)
	case TypeTitle:
		c.draft.SetTitle(msg.Text)
	case TypeBody:
		c.draft.SetBody(msg.Text)
	case TypeFlush:
		c.draft.Flush(c.ctx)
	case TypeEnhance:
		c.enhance()
	case TypeAccept:
		c.accept()
	case TypeClose:
		return false
	default:
		c.sendError("unknown message type " + msg.Type)
	}
	return true
}

// open points the draft at an existing record, or at a blank one when ID
// is empty. Missing title and body are filled from the live list.
func (c *Conn) open(msg ClientMessage) {
	draft := domain.Draft{Title: msg.Title, Body: msg.Body, BoundID: msg.ID}
	if msg.ID != "" && msg.Title == "" && msg.Body == "" {
		for _, rec := range c.collection.Records() {
			if rec.ID == msg.ID {
				draft.Title, draft.Body = rec.Title, rec.Body
				break
			}
		}
	}
	c.mu.Lock()
	c.enhancement = nil
	c.mu.Unlock()
	c.draft.Reset(draft)
}

func (c *Conn) enhance() {
	if c.cfg.Enhancer == nil {
		c.sendError("enhancement is not configured")
		return
	}
	st := c.draft.State()
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		res, err := c.cfg.Enhancer.Enhance(c.ctx, enhance.Request{Title: st.Title, Content: st.Body})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			var ee *domain.EnhancementError
			if errors.As(err, &ee) {
				c.sendError(ee.Message)
				return
			}
			c.sendError("failed to process the request")
			return
		}
		c.mu.Lock()
		c.enhancement = &res
		c.mu.Unlock()
		c.send(Message{Type: TypeEnhancement, Data: res})
	}()
}

// accept replaces the draft body with the last enhancement, which then
// saves like any other edit.
func (c *Conn) accept() {
	c.mu.Lock()
	res := c.enhancement
	c.enhancement = nil
	c.mu.Unlock()
	if res == nil || strings.TrimSpace(res.EnhancedContent) == "" {
		c.sendError("no enhancement to accept")
		return
	}
	c.draft.SetBody(res.EnhancedContent)
}

func (c *Conn) pushSnapshot(v collection.View) {
	records := v.Records
	if records == nil {
		records = []domain.Record{}
	}
	c.send(Message{Type: TypeSnapshot, Data: SnapshotData{OwnerID: v.OwnerID, Records: records, Loading: v.Loading}})
}

func (c *Conn) pushDraft(st autosave.State) {
	c.send(Message{Type: TypeDraft, Data: st})
}

func (c *Conn) sendError(message string) {
	c.send(Message{Type: TypeError, Data: ErrorData{Message: message}})
}

// send never blocks, since store callbacks may run on whichever goroutine
// wrote. A client that cannot keep up is disconnected.
func (c *Conn) send(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- msg:
	case <-c.done:
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("client too slow, closing connection")
		c.Close()
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
