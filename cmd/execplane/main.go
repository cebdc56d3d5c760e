// Package main is the unified entry point for Execplane.
// This single binary runs the whole control plane together with shared
// infrastructure: task persistence, the execution pipeline (router,
// builder, dispatcher, queue, scheduler), and the /chat and
// /local-executor websocket namespaces.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/execplane/internal/common/config"
	"github.com/kandev/execplane/internal/common/database"
	"github.com/kandev/execplane/internal/common/logger"
	"github.com/kandev/execplane/internal/execution/builder"
	"github.com/kandev/execplane/internal/execution/callback"
	"github.com/kandev/execplane/internal/execution/container"
	"github.com/kandev/execplane/internal/execution/dispatcher"
	"github.com/kandev/execplane/internal/execution/glue"
	"github.com/kandev/execplane/internal/execution/queue"
	"github.com/kandev/execplane/internal/execution/router"
	"github.com/kandev/execplane/internal/execution/scheduler"
	"github.com/kandev/execplane/internal/events"
	"github.com/kandev/execplane/internal/livesocket"
	"github.com/kandev/execplane/internal/statestore"
	"github.com/kandev/execplane/internal/task/repository"
	"github.com/kandev/execplane/internal/tracing"
)

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

	log.Info("Starting Execplane (unified mode)...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. StateStore (Redis) — cancellation flags, device presence, stream
	// replay, running-task heartbeat registry, startup coordination.
	state := statestore.New(cfg.Redis, log)
	defer state.Close()
	if err := state.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	log.Info("Connected to Redis")

	// 5. Database + task repository
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Connected to database")

	if err := glue.RunOnce(ctx, state, 60*time.Second, log, func(ctx context.Context) error {
		log.Info("running startup bootstrap (schema)")
		return db.EnsureSchema(ctx)
	}); err != nil {
		log.Fatal("Failed to bootstrap schema", zap.Error(err))
	}

	taskRepo := repository.New(db)

	// 5b. Event bus — fan-out notifications (task.updated) for consumers
	// outside the execution-critical path: NATS if configured, otherwise
	// an in-process bus.
	eventBus, eventBusCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBusCleanup()
	taskStore := glue.NewNotifyingTaskStore(taskRepo, eventBus.Bus, log)

	// 6. Docker client + container executor
	dockerClient, err := container.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not available", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	containerExecutor := container.New(dockerClient, cfg.Docker, cfg.Transport, log)

	// ============================================
	// EXECUTION PIPELINE
	// ============================================
	log.Info("Initializing execution pipeline...")

	execRouter := router.New(cfg.Transport)

	resourceClient := glue.NewResourceClient(cfg.Transport.ResourceServiceURL, 10*time.Second, log)
	tokenMinter := builder.NewTokenMinter(cfg.JWT)
	execBuilder := builder.New(
		resourceClient.GhostResolver(),
		resourceClient.ShellResolver(),
		resourceClient.ModelResolver(),
		resourceClient.AttachmentResolver(),
		tokenMinter,
	)

	disp := dispatcher.New(execRouter, taskStore, taskStore, state, log, 60*time.Second)
	disp.SetRunningTaskRegistry(state)

	taskQueue := queue.New(state, cfg.Queue, containerExecutor, taskStore, log)

	sched := scheduler.New(taskQueue, state, taskStore, containerExecutor, cfg.Heartbeat, cfg.Docker.RemoveOnCrash, log)

	log.Info("Execution pipeline initialized")

	// ============================================
	// LIVESOCKET (/chat, /local-executor)
	// ============================================
	log.Info("Initializing livesocket namespaces...")

	hub := livesocket.NewHub(log)
	go hub.Run(ctx)

	authAdapter := glue.NewTokenValidatorAdapter(tokenMinter)
	trigger := glue.NewTrigger(taskStore, resourceClient.BotAssignmentResolver(), execBuilder, disp, log)

	stopCh := make(chan struct{})
	chatServer := livesocket.NewChatServer(hub, authAdapter, taskStore, taskStore, state, trigger, stopCh, log)
	deviceServer := livesocket.NewDeviceServer(hub, authAdapter, state, taskStore, log)

	log.Info("Livesocket namespaces initialized")

	// ============================================
	// CALLBACK SINK (/internal/callback)
	// ============================================
	callbackHandlers := callback.NewHandlers(hub, taskStore, taskStore, state, log)

	// ============================================
	// START THE QUEUE + SCHEDULER
	// ============================================
	dispatchFunc := glue.NewQueueDispatchFunc(disp, hub)
	if err := sched.Start(ctx, dispatchFunc); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	livesocket.RegisterRoutes(r, chatServer, deviceServer)
	callback.RegisterRoutes(r, callbackHandlers)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "execplane",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Execplane server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Execplane configured",
		zap.String("chat", "/chat"),
		zap.String("local_executor", "/local-executor"),
		zap.String("callback", "/internal/callback"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Execplane...")
	close(stopCh)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	if err := sched.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}

	log.Info("Execplane stopped")
}

// corsMiddleware returns a permissive CORS policy for the websocket
// namespaces and the internal callback sink.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
