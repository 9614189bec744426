// Package auth resolves the caller identity forwarded by the gateway. The
// API itself never sees credentials; an upstream proxy authenticates the
// user and forwards the account ID in a trusted header. Requests without
// the header run as the shared "anonymous" caller, whose documents are
// visible to every other anonymous request.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// UserIDHeader carries the authenticated account ID set by the gateway.
const UserIDHeader = "X-User-ID"

// AnonymousUser owns documents uploaded without an identity header.
const AnonymousUser = "anonymous"

const userIDLocal = "user_id"

// Identify stashes the caller ID in the request locals for handlers and
// the rate limiter. Malformed IDs are rejected rather than defaulted, so a
// broken gateway cannot collapse every caller into one identity.
func Identify() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(UserIDHeader))
		if userID == "" {
			userID = AnonymousUser
		}
		if len(userID) > 128 || strings.ContainsAny(userID, "\x00\n\r") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid " + UserIDHeader + " header",
			})
		}
		c.Locals(userIDLocal, userID)
		return c.Next()
	}
}

// UserID returns the caller ID stored by Identify, or "" on routes that
// skip it.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(userIDLocal).(string)
	return id
}
