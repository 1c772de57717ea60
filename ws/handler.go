// ws/handler.go
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/enhance"
	"github.com/ViniZap4/lumi-ideas/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Enhancer is satisfied by *enhance.Client.
type Enhancer interface {
	Enhance(ctx context.Context, req enhance.Request) (enhance.Result, error)
}

type Config struct {
	Store            store.RecordStore
	Tokens           *auth.Tokens
	Hub              *Hub
	Enhancer         Enhancer
	AutosaveDelay    time.Duration
	PlaceholderTitle string
	SingleFlight     bool
	Logger           zerolog.Logger
}

// Handler upgrades authenticated requests and runs one editing session
// per connection.
type Handler struct {
	cfg    Config
	logger zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	return &Handler{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ws").Logger(),
	}
}

func (h *Handler) Hub() *Hub { return h.cfg.Hub }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		token = r.Header.Get(auth.TokenHeader)
	}
	id, err := h.cfg.Tokens.Verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConn(ws, id, h.cfg, h.logger)
	if !h.cfg.Hub.Register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	defer h.cfg.Hub.Unregister(c)

	h.logger.Debug().Str("owner", id.UserID).Msg("editing session opened")
	c.run()
	h.logger.Debug().Str("owner", id.UserID).Msg("editing session closed")
}
