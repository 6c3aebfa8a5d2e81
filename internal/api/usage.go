package api

import (
	"github.com/routelab/tierproxy/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// UsageHandler exposes the token-usage aggregator.
type UsageHandler struct {
	tracker *usage.Tracker
}

// NewUsageHandler creates the usage handler.
func NewUsageHandler(tracker *usage.Tracker) *UsageHandler {
	return &UsageHandler{tracker: tracker}
}

// GetUsage handles GET /usage.
func (h *UsageHandler) GetUsage(c *fiber.Ctx) error {
	return c.JSON(h.tracker.Snapshot())
}

// ResetUsage handles DELETE /usage. Buckets are never reset except by this
// explicit admin action.
func (h *UsageHandler) ResetUsage(c *fiber.Ctx) error {
	h.tracker.Reset()
	fiberlog.Infof("[%s] usage buckets reset", RequestID(c))
	return c.JSON(fiber.Map{"status": "reset"})
}
