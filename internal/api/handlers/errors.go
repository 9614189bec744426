package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/chat"
	"github.com/clauselens/backend/internal/embedding"
	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/middleware/auth"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/pipeline"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/pkg/logger"
)

// respondError maps domain errors onto HTTP statuses. Anything unmapped is
// a 500 with a generic body; the cause is logged, never echoed to the
// client.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Not found",
		})
	case errors.Is(err, chat.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "You do not have access to this document",
		})
	case errors.Is(err, chat.ErrEmptyQuestion):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "Question is required",
			"field": "question",
		})
	case errors.Is(err, chat.ErrProcessing):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Document is still being processed",
		})
	case errors.Is(err, chat.ErrNotReady):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Document has no indexed content to chat with",
		})
	case errors.Is(err, pipeline.ErrAlreadyProcessing):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Document is already being processed",
		})
	case errors.Is(err, pipeline.ErrShuttingDown):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Server is shutting down",
		})
	case errors.Is(err, llm.ErrUnavailable),
		errors.Is(err, embedding.ErrUnavailable),
		errors.Is(err, vector.ErrUnavailable),
		errors.Is(err, analysis.ErrUnavailable):
		logger.Warn("Upstream dependency unavailable", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "An upstream service is unavailable, please retry",
		})
	case errors.Is(err, analysis.ErrParse):
		logger.Warn("Analysis response unusable", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Analysis backend returned an unusable response",
		})
	default:
		logger.Error("Unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
}

func respondValidation(c *fiber.Ctx, verr *validation.Error) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"error": verr.Message,
		"field": verr.Field,
	})
}

// fetchOwned loads a document and enforces ownership. A nil document means
// the response has already been written; return the accompanying error.
func fetchOwned(c *fiber.Ctx, store *sqlite.Client, id string) (*models.Document, error) {
	doc, err := store.GetDocument(id)
	if err != nil {
		return nil, respondError(c, err)
	}
	if doc.OwnerID != auth.UserID(c) {
		return nil, c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "You do not have access to this document",
		})
	}
	return doc, nil
}
