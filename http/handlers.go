// http/handlers.go
package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ViniZap4/lumi-ideas/auth"
	"github.com/ViniZap4/lumi-ideas/domain"
	"github.com/ViniZap4/lumi-ideas/enhance"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string        `json:"token"`
	User  auth.Identity `json:"user"`
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
	}

	id, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.logger.Info().Str("username", req.Username).Msg("login rejected")
		return err
	}
	token, err := s.tokens.Issue(id)
	if err != nil {
		return err
	}
	return c.JSON(loginResponse{Token: token, User: id})
}

func (s *Server) handleListNotes(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	records, err := s.repo.List(c.UserContext(), ownerID)
	if err != nil {
		return err
	}
	if records == nil {
		records = []domain.Record{}
	}
	return c.JSON(records)
}

func (s *Server) handleGetNote(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	rec, err := s.repo.Get(c.UserContext(), ownerID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

type createRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleCreateNote(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	title, body := strings.TrimSpace(req.Title), strings.TrimSpace(req.Body)
	if title == "" || body == "" {
		return fiber.NewError(fiber.StatusBadRequest, "title and body are required")
	}

	ctx := c.UserContext()
	id, err := s.repo.Create(ctx, ownerID, domain.RecordData{Title: title, Body: body})
	if err != nil {
		return err
	}
	rec, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (s *Server) handleUpdateNote(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	var patch domain.RecordPatch
	if err := c.BodyParser(&patch); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if patch.Empty() {
		return fiber.NewError(fiber.StatusBadRequest, "nothing to update")
	}

	ctx := c.UserContext()
	id := c.Params("id")
	if err := s.repo.Update(ctx, ownerID, id, patch); err != nil {
		return err
	}
	rec, err := s.repo.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	return c.JSON(rec)
}

func (s *Server) handleDeleteNote(c *fiber.Ctx) error {
	ownerID, err := owner(c)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(c.UserContext(), ownerID, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleEnhance(c *fiber.Ctx) error {
	if _, err := owner(c); err != nil {
		return err
	}
	var req enhance.Request
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if s.enhancer == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "enhancement is not configured")
	}
	res, err := s.enhancer.Enhance(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(res)
}
