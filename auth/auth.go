// auth/auth.go
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	TokenHeader = "X-Lumi-Token"
	localsKey   = "lumi.identity"
)

// Middleware rejects requests without a valid token and stores the
// identity for handlers.
func Middleware(tokens *Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := BearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Get(TokenHeader)
		}
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
		}
		id, err := tokens.Verify(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
		}
		c.Locals(localsKey, id)
		return c.Next()
	}
}

// FromCtx returns the identity Middleware stored.
func FromCtx(c *fiber.Ctx) (Identity, bool) {
	id, ok := c.Locals(localsKey).(Identity)
	return id, ok
}

func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
