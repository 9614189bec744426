package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/clauselens/backend/internal/chat"
	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/middleware/auth"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/storage/models"
)

const maxHistoryPageSize = 200

type ChatHandler struct {
	engine    *chat.Engine
	validator *validation.Validator
	pageSize  int
}

func NewChatHandler(engine *chat.Engine, validator *validation.Validator, pageSize int) *ChatHandler {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &ChatHandler{
		engine:    engine,
		validator: validator,
		pageSize:  pageSize,
	}
}

// Ask runs one retrieval-grounded question against a processed document
// and returns the persisted turn.
func (h *ChatHandler) Ask(c *fiber.Ctx) error {
	var req struct {
		DocumentID string `json:"document_id"`
		Question   string `json:"question"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if strings.TrimSpace(req.DocumentID) == "" {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "document_id is required",
			"field": "document_id",
		})
	}

	question := validation.Sanitize(req.Question)
	if verr := h.validator.ValidateQuestion(question); verr != nil {
		return respondValidation(c, verr)
	}

	started := time.Now()
	turn, err := h.engine.Ask(c.Context(), req.DocumentID, auth.UserID(c), question)
	if err != nil {
		metrics.ChatTurns.WithLabelValues("error").Inc()
		return respondError(c, err)
	}

	metrics.ChatTurns.WithLabelValues("answered").Inc()
	metrics.ChatDuration.Observe(time.Since(started).Seconds())
	return c.JSON(turn)
}

func (h *ChatHandler) History(c *fiber.Ctx) error {
	skip := c.QueryInt("skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := c.QueryInt("limit", h.pageSize)
	if limit <= 0 {
		limit = h.pageSize
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	newestFirst := strings.EqualFold(c.Query("order", "asc"), "desc")

	turns, total, err := h.engine.History(c.Params("document_id"), auth.UserID(c), skip, limit, newestFirst)
	if err != nil {
		return respondError(c, err)
	}
	if turns == nil {
		turns = []models.ChatTurn{}
	}

	return c.JSON(fiber.Map{
		"history": turns,
		"total":   total,
		"skip":    skip,
		"limit":   limit,
	})
}

func (h *ChatHandler) Feedback(c *fiber.Ctx) error {
	var req struct {
		Seq     int64 `json:"seq"`
		Helpful *bool `json:"helpful"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Seq <= 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "seq must be a positive turn number",
			"field": "seq",
		})
	}
	if req.Helpful == nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "helpful is required",
			"field": "helpful",
		})
	}

	if err := h.engine.Feedback(c.Params("document_id"), auth.UserID(c), req.Seq, *req.Helpful); err != nil {
		return respondError(c, err)
	}

	metrics.UserSatisfaction.WithLabelValues(strconv.FormatBool(*req.Helpful)).Inc()
	return c.JSON(fiber.Map{
		"message": "Feedback recorded",
	})
}
