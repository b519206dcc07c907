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

	"github.com/aios/aios/internal/common/config"
	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/core"
	"github.com/aios/aios/internal/server/api"
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

	log.Info("Starting AIOS runtime...", zap.String("env", cfg.Env))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Build and start the core
	c, err := core.New(cfg, nil, nil, log)
	if err != nil {
		log.Fatal("Failed to build core", zap.Error(err))
	}
	if err := c.Start(ctx); err != nil {
		log.Fatal("Failed to start core", zap.Error(err))
	}

	// 5. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	// 6. Register API routes
	handler := api.NewHandler(
		c.Scheduler, c.Planner, c.Registry, c.Rollback, c.Recorder,
		c.Library, c.Reactor, c.Loop, c.Heartbeat, c.Store, c.EventStream, log)
	api.SetupRoutes(router.Group("/api/v1"), handler)

	router.GET("/metrics", gin.WrapH(c.Metrics.Handler()))
	router.GET("/ws", func(gc *gin.Context) {
		c.Hub.ServeWS(gc.Writer, gc.Request)
	})
	router.GET("/health", handler.SystemHealth)

	// 7. Create HTTP server
	port := cfg.Server.Port
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AIOS runtime...")

	// 10. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	c.Stop()

	log.Info("AIOS runtime stopped")
}
