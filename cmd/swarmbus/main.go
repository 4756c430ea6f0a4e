// Package main is the entry point for the swarmbus coordination server.
// It serves the tool surface over stdio; SSE and streamable HTTP transports
// can additionally be enabled for network clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/channels"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/directmsg"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/registry"
	"github.com/swarmbus/swarmbus/internal/tools"
	"github.com/swarmbus/swarmbus/internal/workqueue"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger. Output goes to stderr; stdout belongs to the
	// stdio JSON-RPC transport.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting swarmbus...")

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect to the broker
	bk, err := broker.Connect(cfg.Broker, log)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer bk.Close()
	log.Info("Connected to broker", zap.String("url", cfg.Broker.URL))

	// 5. Resolve identity
	id, err := identity.NewService(ctx, cfg.Identity, bk, log)
	if err != nil {
		log.Fatal("Failed to resolve identity", zap.Error(err))
	}

	// 6. Build the domain services
	specs, err := config.LoadChannelSpecs(cfg.Channels)
	if err != nil {
		log.Fatal("Failed to load channel configuration", zap.Error(err))
	}
	channelSvc := channels.NewService(bk, id, specs, log)

	msgSvc := directmsg.NewService(bk, id, cfg.Inbox, log)

	registrySvc, err := registry.NewService(ctx, bk, id, msgSvc, log)
	if err != nil {
		log.Fatal("Failed to open registry", zap.Error(err))
	}
	msgSvc.BindRecipientCheck(registrySvc.Exists)

	workSvc := workqueue.NewService(bk, id, cfg.WorkQueue, log)

	// 7. Create the configured channel streams up front
	if err := channelSvc.EnsureChannels(ctx); err != nil {
		log.Fatal("Failed to create channel streams", zap.Error(err))
	}

	// 8. Build the tool server
	toolServer := tools.New(tools.Services{
		Identity:  id,
		Registry:  registrySvc,
		Channels:  channelSvc,
		DirectMsg: msgSvc,
		WorkQueue: workSvc,
	}, log)

	// 9. Optionally expose the network transports
	var httpServer *http.Server
	if cfg.Server.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		toolServer.RegisterRoutes(router)

		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		}
		go func() {
			log.Info("HTTP transport listening",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Failed to start HTTP transport", zap.Error(err))
			}
		}()
	}

	// 10. Serve stdio until the client disconnects or a signal arrives
	if err := toolServer.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stdio transport error", zap.Error(err))
	}

	log.Info("Shutting down swarmbus...")

	// 11. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP transport shutdown error", zap.Error(err))
		}
	}
	if err := toolServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Tool server shutdown error", zap.Error(err))
	}

	log.Info("swarmbus stopped")
}
