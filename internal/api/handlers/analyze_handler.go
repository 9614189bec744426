package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/cache/redis"
	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/pkg/logger"
	"github.com/clauselens/backend/pkg/utils"
)

// maxAnalyzeChars bounds the ad-hoc request body; the generator truncates
// further before prompting.
const maxAnalyzeChars = 200000

const analyzeCachePrefix = "analyze:"

type AnalyzeHandler struct {
	generator *analysis.Generator
	cache     *redis.Client // nil disables caching
	validator *validation.Validator
}

func NewAnalyzeHandler(generator *analysis.Generator, cache *redis.Client, validator *validation.Validator) *AnalyzeHandler {
	return &AnalyzeHandler{
		generator: generator,
		cache:     cache,
		validator: validator,
	}
}

// Analyze runs the risk analysis over raw pasted text without creating a
// document. Results are cached by content hash, so re-submitting the same
// text does not spend another LLM call.
func (h *AnalyzeHandler) Analyze(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	text := validation.Sanitize(req.Text)
	if verr := h.validator.ValidateText(text, maxAnalyzeChars); verr != nil {
		return respondValidation(c, verr)
	}

	key := analyzeCachePrefix + utils.HashString(text)
	if h.cache != nil {
		var cached models.Analysis
		ok, err := h.cache.GetJSON(c.Context(), key, &cached)
		if err == nil && ok {
			metrics.CacheHits.WithLabelValues("analysis").Inc()
			return c.JSON(cached)
		}
		metrics.CacheMisses.WithLabelValues("analysis").Inc()
	}

	result, err := h.generator.Generate(c.Context(), text)
	if err != nil {
		return respondError(c, err)
	}
	result.CreatedAt = time.Now().UTC()

	if h.cache != nil {
		if err := h.cache.SetJSON(c.Context(), key, result); err != nil {
			logger.Warn("Failed to cache analysis", zap.Error(err))
		}
	}
	return c.JSON(result)
}
