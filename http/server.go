// http/server.go

// Package http serves the REST API: login, note CRUD and enhancement.
package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/enhance"
	"github.com/ViniZap4/lumi-ideas/repository"
	"github.com/ViniZap4/lumi-ideas/store"
)

// Enhancer is satisfied by *enhance.Client.
type Enhancer interface {
	Enhance(ctx context.Context, req enhance.Request) (enhance.Result, error)
}

// ConnectionCounter reports live editing connections for /healthz.
type ConnectionCounter interface {
	Count() int
}

type Config struct {
	Store       store.RecordStore
	Users       *auth.Users
	Tokens      *auth.Tokens
	Enhancer    Enhancer
	Connections ConnectionCounter
	CORSOrigin  string
	Logger      zerolog.Logger
}

type Server struct {
	app         *fiber.App
	repo        *repository.Repository
	users       *auth.Users
	tokens      *auth.Tokens
	enhancer    Enhancer
	connections ConnectionCounter
	logger      zerolog.Logger
}

func NewServer(cfg Config) *Server {
	s := &Server{
		users:       cfg.Users,
		tokens:      cfg.Tokens,
		enhancer:    cfg.Enhancer,
		connections: cfg.Connections,
		logger:      cfg.Logger.With().Str("component", "http").Logger(),
	}
	// Owners come from the request token, never from a shared session.
	s.repo = repository.New(cfg.Store, nil, repository.WithLogger(cfg.Logger))

	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "lumi",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: origin,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type, Authorization, " + auth.TokenHeader,
	}))
	s.app.Use(s.logRequests)

	s.app.Get("/healthz", s.handleHealth)

	api := s.app.Group("/api")
	api.Post("/auth/login", s.handleLogin)

	protected := api.Group("", auth.Middleware(s.tokens))
	protected.Get("/notes", s.handleListNotes)
	protected.Post("/notes", s.handleCreateNote)
	protected.Get("/notes/:id", s.handleGetNote)
	protected.Put("/notes/:id", s.handleUpdateNote)
	protected.Delete("/notes/:id", s.handleDeleteNote)
	protected.Post("/enhance", s.handleEnhance)

	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.logger.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("took", time.Since(start)).
		Msg("request")
	return err
}

// handleError renders every failure as {"error": "..."}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code, msg := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func statusFor(err error) (int, string) {
	var fe *fiber.Error
	var ee *domain.EnhancementError
	var swe *domain.StoreWriteError
	switch {
	case errors.As(err, &fe):
		return fe.Code, fe.Message
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, "note not found"
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials):
		return fiber.StatusUnauthorized, "invalid credentials"
	case errors.As(err, &ee):
		if errors.Is(err, domain.ErrValidationSkip) {
			return fiber.StatusBadRequest, ee.Message
		}
		return fiber.StatusInternalServerError, ee.Message
	case errors.As(err, &swe):
		return fiber.StatusInternalServerError, "failed to " + swe.Op + " note"
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	body := fiber.Map{"status": "ok"}
	if s.connections != nil {
		body["connections"] = s.connections.Count()
	}
	return c.JSON(body)
}

// owner returns the user id the auth middleware stored.
func owner(c *fiber.Ctx) (string, error) {
	id, ok := auth.FromCtx(c)
	if !ok || id.UserID == "" {
		return "", domain.ErrUnauthenticated
	}
	return id.UserID, nil
}
