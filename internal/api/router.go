// Package api assembles the HTTP surface: route table, handler wiring and
// per-route rate-limit costs.
package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/api/handlers"
	"github.com/clauselens/backend/internal/cache/redis"
	"github.com/clauselens/backend/internal/chat"
	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/middleware/auth"
	"github.com/clauselens/backend/internal/middleware/ratelimit"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/pipeline"
	"github.com/clauselens/backend/internal/storage/blob"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/internal/vector"
)

type Deps struct {
	Store     *sqlite.Client
	Blobs     blob.Store
	Manager   *pipeline.Manager
	Chat      *chat.Engine
	Generator *analysis.Generator
	Cache     *redis.Client       // nil disables ad-hoc analysis caching
	Limiter   *ratelimit.Limiter  // nil disables rate limiting
	Index     vector.Index
	Validator *validation.Validator

	HistoryPageSize int
}

// Register mounts every route under /api/v1. Uploads and reprocessing cost
// more rate-limit tokens than reads, since each one starts a pipeline run.
func Register(app *fiber.App, deps Deps) {
	documents := handlers.NewDocumentHandler(deps.Store, deps.Blobs, deps.Manager, deps.Validator)
	chatHandler := handlers.NewChatHandler(deps.Chat, deps.Validator, deps.HistoryPageSize)
	analyze := handlers.NewAnalyzeHandler(deps.Generator, deps.Cache, deps.Validator)
	events := handlers.NewEventsHandler(deps.Store, deps.Manager)
	health := handlers.NewHealthHandler(deps.Store, deps.Cache, deps.Index)

	app.Use(auth.Identify())

	limit := func(cost int) fiber.Handler {
		if deps.Limiter == nil {
			return func(c *fiber.Ctx) error { return c.Next() }
		}
		return deps.Limiter.Middleware(cost)
	}

	api := app.Group("/api/v1")

	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)
	api.Get("/metrics", metrics.MetricsHandler())

	api.Post("/documents", limit(5), documents.UploadDocument)
	api.Get("/documents", limit(1), documents.ListDocuments)
	api.Get("/documents/:id/status", limit(1), documents.GetStatus)
	api.Get("/documents/:id/analysis", limit(1), documents.GetAnalysis)
	api.Post("/documents/:id/reprocess", limit(5), documents.Reprocess)
	api.Delete("/documents/:id", limit(1), documents.DeleteDocument)
	api.Get("/documents/:id/events", events.Upgrade, websocket.New(events.Stream))

	api.Post("/chat", limit(2), chatHandler.Ask)
	api.Get("/chat/:document_id/history", limit(1), chatHandler.History)
	api.Post("/chat/:document_id/feedback", limit(1), chatHandler.Feedback)

	api.Post("/analyze", limit(2), analyze.Analyze)
}
