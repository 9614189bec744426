package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/api"
	"github.com/clauselens/backend/internal/cache/redis"
	"github.com/clauselens/backend/internal/chat"
	"github.com/clauselens/backend/internal/chunker"
	"github.com/clauselens/backend/internal/embedding"
	"github.com/clauselens/backend/internal/extract"
	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/middleware/ratelimit"
	"github.com/clauselens/backend/internal/middleware/security"
	"github.com/clauselens/backend/internal/middleware/validation"
	"github.com/clauselens/backend/internal/pipeline"
	"github.com/clauselens/backend/internal/storage/blob"
	"github.com/clauselens/backend/internal/storage/sqlite"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/internal/vector/memory"
	"github.com/clauselens/backend/internal/vector/milvus"
	"github.com/clauselens/backend/internal/vector/qdrant"
	"github.com/clauselens/backend/pkg/config"
	appLogger "github.com/clauselens/backend/pkg/logger"
)

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ClauseLens API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	// Documents stranded mid-pipeline by a previous crash can never make
	// progress; fail them so clients see a reprocessable state.
	if swept, err := sqliteClient.FailInterrupted(); err != nil {
		appLogger.Warn("Failed to sweep interrupted documents", zap.Error(err))
	} else if swept > 0 {
		appLogger.Warn("Failed documents interrupted by restart", zap.Int64("count", swept))
	}

	blobStore, err := blob.NewLocal(cfg.Blob.Dir)
	if err != nil {
		appLogger.Fatal("Failed to create blob store", zap.Error(err))
	}

	index := newIndex(cfg)
	defer index.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := index.EnsureReady(startupCtx); err != nil {
		appLogger.Fatal("Vector index not ready", zap.Error(err))
	}
	cancelStartup()

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer cache.Close()
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second,
	)

	var embeddingCache embedding.Cache
	if cache != nil {
		embeddingCache = cache
	}
	embedder := embedding.NewClient(embedding.Config{
		APIKey:    cfg.LLM.APIKey,
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.EmbeddingModel,
		Dimension: cfg.LLM.EmbeddingDim,
		BatchSize: cfg.LLM.EmbeddingBatchSize,
		Timeout:   time.Duration(cfg.LLM.EmbeddingTimeoutSec) * time.Second,
	}, embeddingCache)

	splitter, err := chunker.New(cfg.Processing.ChunkMaxTokens, cfg.Processing.ChunkOverlapTokens)
	if err != nil {
		appLogger.Fatal("Invalid chunking configuration", zap.Error(err))
	}

	generator := analysis.NewGenerator(llmClient, cfg.Processing.AnalysisMaxChars)

	manager := pipeline.NewManager(pipeline.Deps{
		Store:     sqliteClient,
		Blobs:     blobStore,
		Extractor: extract.NewExtractor(),
		Splitter:  splitter,
		Embedder:  embedder,
		Index:     index,
		Analyzer:  generator,
	}, pipeline.Config{
		StageRetries: cfg.Processing.StageRetries,
	})

	chatEngine := chat.NewEngine(sqliteClient, embedder, llmClient, index, chat.Config{
		TopK:          cfg.Chat.TopK,
		MinSimilarity: cfg.Chat.MinSimilarity,
		MaxSources:    cfg.Chat.MaxSources,
	})

	validator := validation.New(validation.Config{
		MaxFileSizeMB:  cfg.Processing.MaxFileSizeMB,
		AllowedTypes:   cfg.Processing.AllowedTypes,
		MaxQuestionLen: cfg.Chat.MaxQuestionLen,
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			PerMinute: cfg.RateLimit.PerMinute,
			Burst:     cfg.RateLimit.Burst,
		})
		defer limiter.Stop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.Headers(security.Config{Development: cfg.Server.Development}))

	api.Register(app, api.Deps{
		Store:           sqliteClient,
		Blobs:           blobStore,
		Manager:         manager,
		Chat:            chatEngine,
		Generator:       generator,
		Cache:           cache,
		Limiter:         limiter,
		Index:           index,
		Validator:       validator,
		HistoryPageSize: cfg.Chat.HistoryPageSize,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_provider", cfg.Vector.Provider),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()

	// Let in-flight pipeline runs finish before the storage clients close
	// underneath them.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	if err := manager.Close(drainCtx); err != nil {
		appLogger.Warn("Pipeline runs canceled during shutdown", zap.Error(err))
	}
	cancelDrain()

	appLogger.Info("Server stopped")
}

// newIndex builds the configured vector backend. The in-memory index keeps
// single-node deployments free of external services at the cost of needing
// a reprocess after restart.
func newIndex(cfg *config.Config) vector.Index {
	switch cfg.Vector.Provider {
	case "memory":
		appLogger.Warn("Using in-memory vector index; vectors are lost on restart")
		return memory.New()
	case "qdrant":
		idx, err := qdrant.New(
			cfg.Vector.Qdrant.Host,
			cfg.Vector.Qdrant.Port,
			cfg.Vector.Qdrant.Collection,
			cfg.LLM.EmbeddingDim,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Qdrant index", zap.Error(err))
		}
		return idx
	case "milvus":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		idx, err := milvus.New(
			ctx,
			cfg.Vector.Milvus.Endpoint,
			cfg.Vector.Milvus.APIKey,
			cfg.Vector.Milvus.Collection,
			cfg.LLM.EmbeddingDim,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus index", zap.Error(err))
		}
		return idx
	default:
		appLogger.Fatal("Unknown vector provider", zap.String("provider", cfg.Vector.Provider))
		return nil
	}
}
