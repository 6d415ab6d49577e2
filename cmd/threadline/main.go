// Package main is the entry point for the Threadline chat streaming service.
// One binary serves the SSE chat surface, thread management, and the
// cross-instance stream cancellation bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/chat/handlers"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/chat/repository/sqlite"
	"github.com/threadline/threadline/internal/chat/service"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/httpmw"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/common/tracing"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/streams/registry"
	"github.com/threadline/threadline/pkg/embedding"
	"github.com/threadline/threadline/pkg/llm"
	"github.com/threadline/threadline/pkg/retrieval"
)

const serverName = "threadline"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Threadline...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory for a single instance, NATS when configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Thread/message repository
	var repo repository.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = repository.NewMemoryRepository()
		log.Info("Using in-memory repository")
	default:
		dbPath := expandHome(cfg.Database.Path)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			log.Fatal("Failed to create database directory", zap.Error(err), zap.String("db_path", dbPath))
		}
		repo, err = sqlite.New(dbPath)
		if err != nil {
			log.Fatal("Failed to initialize SQLite database", zap.Error(err), zap.String("db_path", dbPath))
		}
		log.Info("SQLite database initialized", zap.String("db_path", dbPath))
	}
	defer repo.Close()

	// 5. Stream cancellation registry, shared across instances via the bus
	instanceID := uuid.NewString()
	localReg := registry.NewLocalRegistry(registry.DefaultTTL, log)
	reg, err := registry.NewDistributedRegistry(localReg, eventBus, instanceID, log)
	if err != nil {
		log.Fatal("Failed to initialize stream registry", zap.Error(err))
	}
	defer reg.Close()
	log.Info("Stream registry initialized", zap.String("instance_id", instanceID))

	// 6. LLM provider
	provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: time.Duration(cfg.LLM.Timeout) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize LLM provider", zap.Error(err))
	}
	log.Info("LLM provider initialized", zap.String("model", cfg.LLM.Model))

	// 7. Retriever for the RAG and multi-agent flows
	var retriever retrieval.Retriever
	switch cfg.Retrieval.Driver {
	case "pgvector":
		embedder, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
		if err != nil {
			log.Fatal("Failed to initialize embedder", zap.Error(err))
		}
		pg, err := retrieval.NewPGVectorRetriever(ctx, cfg.Retrieval.DSN, embedder,
			time.Duration(cfg.Retrieval.Timeout)*time.Second)
		if err != nil {
			log.Fatal("Failed to initialize pgvector retrieval", zap.Error(err))
		}
		defer pg.Close()
		retriever = pg
		log.Info("pgvector retrieval initialized")
	default:
		retriever = retrieval.NewMemoryRetriever()
		log.Info("Using in-memory retrieval")
	}

	// 8. Agent catalog: normal is the fallback for unknown types
	catalog := agent.NewCatalog(agent.NewNormalAgent(provider, log), log)
	catalog.Register(agent.NewRAGAgent(provider, retriever, cfg.Retrieval.TopK, log))
	catalog.Register(agent.NewOrchestratorAgent(provider, retriever, cfg.Retrieval.TopK, log))
	log.Info("Agent catalog initialized", zap.Int("agent_types", len(catalog.List())))

	// 9. Chat coordinator and thread service
	replay := service.NewReplayBuffer(cfg.Chat.ReplayTTL())
	defer replay.Close()

	coordinator := service.NewCoordinator(repo, reg, catalog, replay, cfg.Chat, cfg.LLM, log)
	threads := service.NewThreadService(repo, log)

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	handlers.RegisterChatRoutes(router, coordinator, threads, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("chat", "/api/v1/chat"),
		zap.String("health", "/healthz"),
	)

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Threadline...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Threadline stopped")
}

// expandHome resolves a leading ~ in the configured database path.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
