package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/pipeline"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/pkg/logger"
)

type EventsHandler struct {
	store   *sqlite.Client
	manager *pipeline.Manager
}

func NewEventsHandler(store *sqlite.Client, manager *pipeline.Manager) *EventsHandler {
	return &EventsHandler{
		store:   store,
		manager: manager,
	}
}

// Upgrade gates the WebSocket upgrade. Existence and ownership are checked
// while the request is still plain HTTP, so rejections carry proper status
// codes.
func (h *EventsHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "WebSocket upgrade required",
		})
	}

	doc, err := fetchOwned(c, h.store, c.Params("id"))
	if doc == nil {
		return err
	}

	c.Locals("document_id", doc.ID)
	return c.Next()
}

// Stream pushes lifecycle events as JSON frames until the document reaches
// a terminal state or the client disconnects. The first frame is always
// the current persisted state.
func (h *EventsHandler) Stream(c *websocket.Conn) {
	documentID, _ := c.Locals("document_id").(string)
	defer c.Close()

	logger.Debug("Event stream opened", zap.String("document_id", documentID))

	events, unsubscribe := h.manager.Subscribe(documentID)
	defer unsubscribe()

	// Snapshot after subscribing so no transition can slip between the
	// snapshot and the live stream.
	doc, err := h.store.GetDocument(documentID)
	if err != nil {
		logger.Warn("Event stream lost its document", zap.String("document_id", documentID), zap.Error(err))
		return
	}

	first := pipeline.Event{
		DocumentID: doc.ID,
		Status:     doc.Status,
		ChunkCount: doc.ChunkCount,
		Stage:      doc.FailureStage,
		Error:      doc.FailureReason,
		Timestamp:  time.Now().UTC(),
	}
	if err := c.WriteJSON(first); err != nil {
		return
	}
	if doc.Status.Terminal() {
		return
	}

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				logger.Debug("Event stream finished",
					zap.String("document_id", documentID),
					zap.String("status", string(ev.Status)),
				)
				return
			}
		case <-disconnected:
			logger.Debug("Event stream client disconnected", zap.String("document_id", documentID))
			return
		}
	}
}
