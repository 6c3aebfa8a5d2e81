package api

import (
	"runtime"
	"time"

	"github.com/routelab/tierproxy/internal/config"
	"github.com/routelab/tierproxy/internal/models"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler answers liveness probes with a config echo.
type HealthHandler struct {
	cfg     *config.Config
	started time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(cfg *config.Config) *HealthHandler {
	return &HealthHandler{cfg: cfg, started: time.Now()}
}

// HealthCheck handles GET /health.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	upstreams := fiber.Map{}
	for route, up := range map[models.Route]*models.Upstream{
		models.RouteCheap:    h.cfg.Cheap,
		models.RouteMedium:   h.cfg.Medium,
		models.RouteFrontier: h.cfg.Frontier,
	} {
		if up != nil {
			upstreams[string(route)] = fiber.Map{"baseUrl": up.BaseURL}
		}
	}

	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"classifier": fiber.Map{
			"enabled": h.cfg.Classifier.Enabled,
			"baseUrl": h.cfg.Classifier.BaseURL,
		},
		"upstreams": upstreams,
		"uptime":    time.Since(h.started).Seconds(),
		"runtime": fiber.Map{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	})
}
