package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports which collaborators are configured.
type HealthHandler struct {
	services map[string]bool
	started  time.Time
}

func NewHealthHandler(services map[string]bool) *HealthHandler {
	return &HealthHandler{services: services, started: time.Now()}
}

// Health handles GET /health
// @Summary      Health check
// @Tags         System
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"services": h.services,
	})
}
