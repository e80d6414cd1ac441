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
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/agent"
	"github.com/thucydides-app/backend/internal/api/handlers"
	"github.com/thucydides-app/backend/internal/cache/redis"
	"github.com/thucydides-app/backend/internal/corpus"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/middleware/auth"
	"github.com/thucydides-app/backend/internal/middleware/ratelimit"
	"github.com/thucydides-app/backend/internal/middleware/security"
	"github.com/thucydides-app/backend/internal/middleware/validation"
	"github.com/thucydides-app/backend/internal/persona"
	"github.com/thucydides-app/backend/internal/retrieval"
	"github.com/thucydides-app/backend/internal/storage/sqlite"
	"github.com/thucydides-app/backend/internal/vector/milvus"
	"github.com/thucydides-app/backend/pkg/config"
	appLogger "github.com/thucydides-app/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting dialogue engine API server")

	metrics.Init()

	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to open SQLite database", zap.Error(err))
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	vectorDB, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.APIKey,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer vectorDB.Close()

	if err := vectorDB.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure passage collection", zap.Error(err))
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	var embeddingCache retrieval.EmbeddingCache
	if cfg.Redis.Enabled {
		cache, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			defer cache.Close()
			embeddingCache = cache
		}
	}

	retriever := retrieval.NewRetriever(llmClient, vectorDB, embeddingCache, retrieval.Config{
		TopK:         cfg.Retrieval.TopK,
		MinScore:     cfg.Retrieval.MinScore,
		ContextTurns: cfg.Retrieval.ContextTurns,
		DedupeWindow: cfg.Retrieval.DedupeWindow,
		Timeout:      time.Duration(cfg.Retrieval.TimeoutSec) * time.Second,
	})

	synthesizer := persona.NewSynthesizer(llmClient)

	dialogueAgent := agent.NewAgent(retriever, synthesizer, db, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		StripUngrounded: cfg.Agent.StripUngrounded,
		RetryBackoff:    time.Duration(cfg.Agent.RetryBackoffMS) * time.Millisecond,
	})
	manager := agent.NewManager(dialogueAgent, db)

	ingestor := corpus.NewIngestor(db, vectorDB, llmClient, cfg.Corpus.ChunkSize, cfg.Corpus.ChunkOverlap, cfg.Corpus.EmbedBatch)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + auth.HeaderUserID,
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(auth.Middleware())
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxUtteranceLength: cfg.Server.MaxUtteranceLength,
		MaxDocumentSize:    cfg.Server.BodyLimit,
	}))

	figureHandler := handlers.NewFigureHandler(db)
	dialogueHandler := handlers.NewDialogueHandler(manager, db)
	documentHandler := handlers.NewDocumentHandler(ingestor, db)
	streamHandler := handlers.NewStreamHandler(manager, cfg.Stream.ShowDrafts, cfg.Server.MaxUtteranceLength)

	api := app.Group("/api/v1")

	api.Get("/figures", figureHandler.ListFigures)
	api.Get("/figures/featured", figureHandler.ListFeatured)
	api.Get("/figures/:id", figureHandler.GetFigure)

	api.Post("/dialogues", dialogueHandler.StartDialogue)
	api.Get("/dialogues", dialogueHandler.ListSessions)
	api.Get("/dialogues/:id/turns", dialogueHandler.GetTurns)

	api.Post("/documents", documentHandler.IngestDocument)
	api.Get("/documents/:id", documentHandler.GetDocument)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/dialogue", websocket.New(streamHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

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
	appLogger.Info("Server stopped")
}
