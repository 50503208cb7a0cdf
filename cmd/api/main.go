package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/api/handlers"
	"github.com/docqa/backend/internal/cache/redis"
	"github.com/docqa/backend/internal/generation"
	"github.com/docqa/backend/internal/intent"
	"github.com/docqa/backend/internal/kg/neo4j"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/middleware/ratelimit"
	"github.com/docqa/backend/internal/middleware/security"
	"github.com/docqa/backend/internal/middleware/validation"
	"github.com/docqa/backend/internal/normalize"
	"github.com/docqa/backend/internal/query"
	"github.com/docqa/backend/internal/rerank"
	"github.com/docqa/backend/internal/retrieval"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/internal/vector/milvus"
	"github.com/docqa/backend/pkg/config"
	appLogger "github.com/docqa/backend/pkg/logger"
)

func main() {
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

	appLogger.Info("Starting document QA API server")

	metrics.Init()
	recorder := metrics.Recorder{}

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	neo4jClient, err := neo4j.NewClient(startupCtx, cfg.Neo4j, cfg.Store, cfg.Retrieval)
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	var vectors retrieval.SimilarityIndex = neo4jClient
	if cfg.Store.VectorBackend == config.VectorBackendMilvus {
		milvusClient, err := milvus.NewClient(startupCtx, cfg.Milvus)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer milvusClient.Close()

		if err := milvusClient.EnsureCollection(startupCtx); err != nil {
			appLogger.Fatal("Failed to load Milvus collection", zap.Error(err))
		}
		vectors = milvusClient
	}

	llmClient := llm.NewClient(cfg.LLM)

	var embedder retrieval.Embedder = llmClient
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(startupCtx, cfg.Redis)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		embedder = redis.NewCachedEmbedder(llmClient, redisClient, llmClient.EmbeddingModel(), recorder)
	}

	engineOpts := []query.Option{
		query.WithObserver(recorder),
		query.WithAccessRecorder(neo4jClient),
	}

	var history handlers.HistoryReader
	if cfg.SQLite.Enabled {
		sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
		}
		defer sqliteClient.Close()

		if err := sqliteClient.InitSchema(startupCtx); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
		history = sqliteClient
		engineOpts = append(engineOpts, query.WithHistory(sqliteClient))
	}

	queryEngine := query.NewEngine(
		normalize.NewNormalizer(llmClient, cfg.LLM.CorrectionModel, cfg.Normalizer.FailurePolicy),
		intent.NewRouter(llmClient, cfg.LLM.RouterModel),
		retrieval.NewOrchestrator(neo4jClient, vectors, embedder, cfg.Retrieval),
		rerank.NewReranker(rerank.NewClient(cfg.Rerank), cfg.Rerank.TopN),
		generation.NewGenerator(llmClient, cfg.LLM.Model, cfg.LLM.GenerationTemperature, cfg.LLM.MaxTokens),
		engineOpts...,
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	rateLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Format == "console",
	}))

	queryHandler := handlers.NewQueryHandler(queryEngine, history, cfg.Server.MaxQueryLength)
	healthHandler := handlers.NewHealthHandler(neo4jClient)
	wsHandler := handlers.NewWebSocketHandler(queryEngine, cfg.Server.MaxQueryLength,
		time.Duration(cfg.Server.WriteTimeout)*time.Second)

	api := app.Group("/api/v1")

	api.Post("/chat",
		rateLimiter.Middleware(),
		validation.Middleware(validation.Config{
			MaxQueryLength: cfg.Server.MaxQueryLength,
			Logger:         appLogger.GetLogger(),
		}),
		queryHandler.HandleChat,
	)
	api.Get("/query/history", queryHandler.GetQueryHistory)
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", rateLimiter.Middleware(), websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_backend", cfg.Store.VectorBackend),
		zap.Bool("embedding_cache", cfg.Redis.Enabled),
		zap.Bool("query_history", cfg.SQLite.Enabled),
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
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
