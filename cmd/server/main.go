// Command server is the fleet control plane's single entry point: one
// binary serving the agent WebSocket gateway, the UI-facing terminal
// gateway, and the REST API over shared registry/correlator/dispatcher/
// liveness/bulk/terminal state.
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

	"github.com/asedra/fleetctl/internal/api"
	"github.com/asedra/fleetctl/internal/bulk"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/httpmw"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/dispatcher"
	bus "github.com/asedra/fleetctl/internal/eventbus"
	"github.com/asedra/fleetctl/internal/liveness"
	"github.com/asedra/fleetctl/internal/messagehandler"
	"github.com/asedra/fleetctl/internal/mockagent"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
	"github.com/asedra/fleetctl/internal/terminal"
	"github.com/asedra/fleetctl/internal/tracing"
	"github.com/asedra/fleetctl/internal/wsgateway"
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
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fleetctl server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Storage (Postgres or SQLite)
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store opened", zap.String("driver", cfg.Database.Driver))

	if err := st.SavedCommands().SeedSystemDefaults(ctx); err != nil {
		log.Fatal("Failed to seed system saved commands", zap.Error(err))
	}

	// 6. Core domain services
	reg := registry.New(log, eventBus)
	corr := correlator.New(log, cfg.Dispatch.PendingRetention())
	disp := dispatcher.New(reg, corr, st, cfg.Dispatch, cfg.MockAgents, log)
	lv := liveness.New(cfg.Liveness, st)
	bulkOp := bulk.New(reg, disp, lv, st)
	termMgr := terminal.New(reg, st, cfg.Terminal, log)
	termMgr.StartSweeper()
	defer termMgr.StopSweeper()

	msgHandler := messagehandler.New(reg, disp, termMgr, st, log)

	// 7. Mock agent bootstrap: pre-populate the Registry with synthetic
	// online agents when test mode is enabled.
	if cfg.MockAgents.Enabled {
		mockagent.Bootstrap(ctx, reg, st, cfg.MockAgents.IDs, log)
		log.Info("Mock agents bootstrapped", zap.Int("count", len(cfg.MockAgents.IDs)))
	}

	// 8. WebSocket gateways
	agentWS := wsgateway.NewHandler(reg, msgHandler, log)
	terminalWS := wsgateway.NewTerminalHandler(termMgr, log)

	// 9. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("fleetctl-server"))

	apiHandler := api.NewHandler(reg, disp, lv, bulkOp, st, log)
	api.SetupRoutes(router, apiHandler, agentWS, terminalWS)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "fleetctl"})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fleetctl server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("fleetctl server stopped")
}
