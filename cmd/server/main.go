// Command server is the entry point for the forgeflow orchestrator: it
// wires the Task Store, Activity Log, Agent Session Manager, Planning
// Pipeline, and Workspace Automation Controller behind the HTTP+WebSocket
// External Interface Adapter.
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
	"golang.org/x/sync/errgroup"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/api"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/database"
	"github.com/kandev/forgeflow/internal/common/httpmw"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/events/bus"
	"github.com/kandev/forgeflow/internal/orchestrator"
	"github.com/kandev/forgeflow/internal/orchestrator/streaming"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("starting forgeflow orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	log.Info("database connected", zap.String("driver", cfg.Database.Driver))

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, natsErr := bus.NewNATSEventBus(cfg.NATS, cfg.Events.Namespace, log)
		if natsErr != nil {
			log.Fatal("failed to connect to NATS", zap.Error(natsErr))
		}
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	store := task.NewStore(db, eventBus, log)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate task store", zap.Error(err))
	}

	activityLog := activity.NewLog(db, log)
	if err := activityLog.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate activity log", zap.Error(err))
	}

	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	// No real agent SDK is wired in this build; the orchestrator still
	// serves every read/administrative route and the planning/execution
	// paths fail with sdk.ErrClientNotConfigured until a real client
	// replaces this one.
	client := sdk.NewUnconfiguredClient()

	service := orchestrator.New(client, store, activityLog, hub, cfg, log)

	workspaces, err := store.ListWorkspaces(ctx)
	if err != nil {
		log.Fatal("failed to list workspaces", zap.Error(err))
	}
	for _, ws := range workspaces {
		service.BridgeActivityToStream(ws.ID)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "forgeflow"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, service, log)

	wsHandler := streaming.NewWSHandler(hub, log)
	streaming.RegisterRoutes(v1, wsHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(serveErr))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down forgeflow orchestrator")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdown errgroup.Group
	shutdown.Go(func() error {
		return httpServer.Shutdown(shutdownCtx)
	})
	shutdown.Go(func() error {
		return service.Sessions.StopAll(shutdownCtx)
	})
	if err := shutdown.Wait(); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
