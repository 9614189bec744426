package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/clauselens/backend/internal/cache/redis"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/internal/vector"
)

type HealthHandler struct {
	store *sqlite.Client
	cache *redis.Client // nil when caching is disabled
	index vector.Index
}

func NewHealthHandler(store *sqlite.Client, cache *redis.Client, index vector.Index) *HealthHandler {
	return &HealthHandler{
		store: store,
		cache: cache,
		index: index,
	}
}

// Health reports per-component state. SQLite and the vector index are
// required; Redis is best-effort and never fails the check.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	components := fiber.Map{}
	healthy := true

	if err := h.store.Ping(); err != nil {
		components["sqlite"] = "unhealthy"
		healthy = false
	} else {
		components["sqlite"] = "healthy"
	}

	if err := h.index.EnsureReady(ctx); err != nil {
		components["vector"] = "unhealthy"
		healthy = false
	} else {
		components["vector"] = "healthy"
	}

	switch {
	case h.cache == nil:
		components["redis"] = "disabled"
	case h.cache.Ping(ctx) != nil:
		components["redis"] = "unhealthy"
	default:
		components["redis"] = "healthy"
	}

	status := fiber.StatusOK
	overall := "healthy"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":     overall,
		"components": components,
		"time":       time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if err := h.store.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not ready",
		})
	}
	return c.JSON(fiber.Map{
		"status": "ready",
	})
}
