package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestID stamps every request with a correlation ID for logs.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("request_id", uuid.NewString())
		return c.Next()
	}
}

// BearerAuth gates every route behind the router API key. With no key
// configured the gateway is open.
func BearerAuth(apiKey string) fiber.Handler {
	expected := "Bearer " + apiKey
	return func(c *fiber.Ctx) error {
		if apiKey == "" {
			return c.Next()
		}
		if c.Get(fiber.HeaderAuthorization) != expected {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}
