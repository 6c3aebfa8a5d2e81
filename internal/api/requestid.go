package api

import "github.com/gofiber/fiber/v2"

const requestIDKey = "request_id"

// RequestID returns the request ID stamped by the middleware, or a fixed
// placeholder when the middleware is not installed (tests).
func RequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return "-"
}
