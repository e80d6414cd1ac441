// Package auth resolves the caller's identity. There are no accounts:
// the client presents an opaque identity token and keeps using it, the
// way a museum hands out numbered audio guides.
package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/thucydides-app/backend/pkg/utils"
)

const (
	// HeaderUserID carries the client-chosen opaque identity token.
	HeaderUserID = "X-User-ID"

	localsKey = "user_id"
)

// Middleware stores a stable user id on the request context. Clients
// without a token get one derived from their address, which keeps
// session ownership checks working at the cost of identity stability
// behind NAT.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderUserID)
		if id == "" {
			id = "anon-" + utils.HashString(c.IP())
		}
		c.Locals(localsKey, id)
		return c.Next()
	}
}

// UserID returns the identity resolved by Middleware, or "" when the
// middleware did not run.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(localsKey).(string)
	return id
}
