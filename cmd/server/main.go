package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/api/internal/chunker"
	"github.com/voicebridge/api/internal/client"
	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/handler"
	"github.com/voicebridge/api/internal/middleware"
	"github.com/voicebridge/api/internal/pipeline"
	"github.com/voicebridge/api/internal/progress"
	"github.com/voicebridge/api/internal/retry"
	"github.com/voicebridge/api/internal/service"
	"github.com/voicebridge/api/internal/store"
	"github.com/voicebridge/api/internal/worker"
	ws "github.com/voicebridge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	retention := time.Duration(cfg.Storage.RetentionHours) * time.Hour
	jobStore := store.NewRedisStore(redisClient, retention)

	// Progress fan-out and its websocket bridge
	broadcaster := progress.NewBroadcaster()
	hub := ws.NewHub(broadcaster, jobStore)

	// Initialize external clients
	translatorClient := client.NewTranslatorClient(&cfg.Translator)
	sttClient := client.NewSTTClient(&cfg.STT)
	ttsClient := client.NewTTSClient(&cfg.TTS)
	extractorClient := client.NewExtractorClient(&cfg.Extractor)

	orchestrator := pipeline.NewOrchestrator(
		jobStore, broadcaster,
		sttClient, translatorClient, ttsClient, extractorClient,
		pipelineConfig(cfg),
	)

	// Initialize services and handlers
	jobService := service.NewJobService(jobStore, asynqClient, broadcaster, ttsClient, cfg.Storage.DataDir, retention)
	jobHandler := handler.NewJobHandler(jobService, validate)
	voiceHandler := handler.NewVoiceHandler(ttsClient)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    200 * 1024 * 1024, // 200MB uploads
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":      redisClient.Ping(c.Context()).Err() == nil,
				"translator": translatorClient.IsConfigured(),
				"stt":        sttClient.IsConfigured(),
				"tts":        ttsClient.IsConfigured(),
				"extractor":  extractorClient.IsConfigured(),
			},
		})
	})

	// API routes
	api := app.Group("/api")

	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Get("/:jobId/download", jobHandler.Download)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Delete("/:jobId", jobHandler.Delete)

	api.Get("/voices", voiceHandler.List)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, jobStore, orchestrator)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	// Translation budget (in tokens) is usually the tighter constraint;
	// character budgeting against the TTS limit is the fallback.
	chunkSize := cfg.Translator.MaxTokens
	chunkUnit := chunker.UnitTokens
	if !cfg.Pipeline.TokenUnits {
		chunkSize = cfg.TTS.MaxChunkSize
		chunkUnit = chunker.UnitCharacters
	}

	return pipeline.Config{
		ChunkConcurrency: cfg.Pipeline.ChunkConcurrency,
		GlobalChunkLimit: cfg.Pipeline.GlobalChunkLimit,
		ChunkSize:        chunkSize,
		ChunkUnit:        chunkUnit,
		PreferParagraphs: cfg.Pipeline.PreferParagraphs,
		StrictChunking:   cfg.Pipeline.StrictChunking,
		NeighborContext:  cfg.Pipeline.NeighborContext,
		ContextTailChars: cfg.Pipeline.ContextTailChars,
		Retry: retry.Policy{
			MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.Pipeline.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Pipeline.RetryMaxDelayMs) * time.Millisecond,
		},
		DataDir: cfg.Storage.DataDir,
	}
}

func startWorkerServer(cfg *config.Config, jobStore store.Store, orchestrator *pipeline.Orchestrator) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// One asynq slot per job; chunk-level parallelism is the
			// orchestrator's business.
			Concurrency: cfg.Pipeline.MaxConcurrentJobs,
			Queues: map[string]int{
				"pipeline": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	pipelineWorker := worker.NewPipelineWorker(
		jobStore,
		orchestrator,
		time.Duration(cfg.Pipeline.LeaseTTLSeconds)*time.Second,
		time.Duration(cfg.Pipeline.CancelPollMs)*time.Millisecond,
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePipeline, pipelineWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
