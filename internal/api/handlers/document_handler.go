package handlers

import (
	"io"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/middleware/auth"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/pipeline"
	"github.com/clauselens/backend/internal/storage/blob"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/pkg/logger"
)

type DocumentHandler struct {
	store     *sqlite.Client
	blobs     blob.Store
	manager   *pipeline.Manager
	validator *validation.Validator
}

func NewDocumentHandler(store *sqlite.Client, blobs blob.Store, manager *pipeline.Manager, validator *validation.Validator) *DocumentHandler {
	return &DocumentHandler{
		store:     store,
		blobs:     blobs,
		manager:   manager,
		validator: validator,
	}
}

// UploadDocument accepts a multipart file, persists it and queues the
// processing run. The 202 response returns before processing completes;
// progress is available on the status route and the events stream.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "A file form field is required",
			"field": "file",
		})
	}

	if verr := h.validator.ValidateUpload(fileHeader.Filename, fileHeader.Size); verr != nil {
		return respondValidation(c, verr)
	}

	f, err := fileHeader.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return respondError(c, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return respondError(c, err)
	}

	key, err := h.blobs.Put(data, fileHeader.Filename)
	if err != nil {
		logger.Error("Failed to store uploaded file", zap.Error(err))
		return respondError(c, err)
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:               uuid.New().String(),
		OwnerID:          auth.UserID(c),
		OriginalFilename: filepath.Base(fileHeader.Filename),
		FileSize:         int64(len(data)),
		ContentType:      fileHeader.Header.Get("Content-Type"),
		StorageKey:       key,
		Status:           models.StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.store.InsertDocument(doc); err != nil {
		if derr := h.blobs.Delete(key); derr != nil {
			logger.Warn("Failed to clean up orphaned blob", zap.String("key", key), zap.Error(derr))
		}
		return respondError(c, err)
	}

	metrics.DocumentsUploaded.Inc()
	logger.Info("Document uploaded",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.OriginalFilename),
		zap.Int64("size", doc.FileSize),
		zap.String("owner", doc.OwnerID),
	)

	if err := h.manager.Process(doc.ID); err != nil {
		// The row and blob exist; the caller can retry via reprocess.
		logger.Error("Failed to queue processing", zap.String("document_id", doc.ID), zap.Error(err))
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": doc.ID,
		"status":      doc.Status,
	})
}

func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.store.ListDocuments(auth.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(fiber.Map{
		"documents": docs,
		"count":     len(docs),
	})
}

// GetStatus returns the document's lifecycle state, failure detail and
// chunk count. Extracted text and the storage key never serialize.
func (h *DocumentHandler) GetStatus(c *fiber.Ctx) error {
	doc, err := fetchOwned(c, h.store, c.Params("id"))
	if doc == nil {
		return err
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) GetAnalysis(c *fiber.Ctx) error {
	doc, err := fetchOwned(c, h.store, c.Params("id"))
	if doc == nil {
		return err
	}

	if doc.Status != models.StatusProcessed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Analysis not ready",
			"status": doc.Status,
		})
	}

	result, err := h.store.GetAnalysis(doc.ID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (h *DocumentHandler) Reprocess(c *fiber.Ctx) error {
	doc, err := fetchOwned(c, h.store, c.Params("id"))
	if doc == nil {
		return err
	}

	if err := h.manager.Process(doc.ID); err != nil {
		return respondError(c, err)
	}

	logger.Info("Document reprocessing queued", zap.String("document_id", doc.ID))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": doc.ID,
		"message":     "Reprocessing started",
	})
}

func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	doc, err := fetchOwned(c, h.store, c.Params("id"))
	if doc == nil {
		return err
	}

	if err := h.manager.Delete(c.Context(), doc.ID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"document_id": doc.ID,
		"message":     "Document deleted",
	})
}
