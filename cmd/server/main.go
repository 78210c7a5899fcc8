package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"workflow.app/engine/common/id"
	"workflow.app/engine/common/logger"
	"workflow.app/engine/common/otel"
	"workflow.app/engine/core/config"
	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/handler"
	"workflow.app/engine/internal/httpapi"
	"workflow.app/engine/internal/search"
	"workflow.app/engine/internal/store"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	slog.InfoContext(ctx, "workflow engine starting", "env", cfg.Env, "service", cfg.OTel.ServiceName)
	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.EnsureSchema(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Bus.Stream)

	publisher := bus.NewRedisPublisher(redisClient, cfg.Bus.Stream, slog.Default())
	defer publisher.Close() //nolint:errcheck

	var projections store.ProjectionRepository = store.NewProjectionRepository(database)
	if cfg.Search.Enabled() {
		searchClient := search.NewClient(search.Config{URL: cfg.Search.URL, APIKey: cfg.Search.APIKey, Collection: cfg.Search.Collection})
		if err := search.EnsureCollection(ctx, searchClient, cfg.Search.Collection); err != nil {
			slog.WarnContext(ctx, "failed to ensure typesense collection, continuing without search mirror", "error", err)
		} else {
			projections = search.NewIndexedProjectionRepository(projections, searchClient, cfg.Search.Collection, slog.Default())
			slog.InfoContext(ctx, "typesense search mirror enabled", "collection", cfg.Search.Collection)
		}
	}

	deps := handler.Deps{
		Events:      store.NewEventStore(database),
		Projections: projections,
		Intake:      store.NewIntakeRepository(database),
		Idempotency: store.NewIdempotencyStore(database),
		Publisher:   publisher,
		Config:      workflowConfig(cfg.Workflow),
		Source:      cfg.EventSource,
	}

	discoverHandler := handler.NewDiscoverHandler(deps)
	schedulerHandler := handler.NewScheduleDuePollsHandler(deps)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, projections, discoverHandler, schedulerHandler)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, projections store.ProjectionRepository, discover, scheduler httpapi.Tickable) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(httpapi.Recovery(slog.Default()))
	router.Use(httpapi.Logger(slog.Default()))

	admin := httpapi.NewAdminHandler(projections, discover, scheduler, nil, slog.Default())
	httpapi.SetupRoutes(router, admin, httpapi.RouterConfig{AdminAPIKey: cfg.AdminAPIKey})

	return router
}

func workflowConfig(wc config.WorkflowConfig) handler.Config {
	return handler.Config{
		IntakeBatchSize:          wc.IntakeBatchSize,
		PollBatchSize:            wc.PollBatchSize,
		LeaseDuration:            wc.LeaseDuration,
		PollInterval:             wc.PollInterval,
		MaxSubmitAttempts:        wc.MaxSubmitAttempts,
		IdempotencyLeaseDuration: wc.IdempotencyLeaseDuration,
	}
}

const banner = `
██╗    ██╗ ██████╗ ██████╗ ██╗  ██╗███████╗██╗      ██████╗ ██╗    ██╗
██║    ██║██╔═══██╗██╔══██╗██║ ██╔╝██╔════╝██║     ██╔═══██╗██║    ██║
██║ █╗ ██║██║   ██║██████╔╝█████╔╝ █████╗  ██║     ██║   ██║██║ █╗ ██║
██║███╗██║██║   ██║██╔══██╗██╔═██╗ ██╔══╝  ██║     ██║   ██║██║███╗██║
╚███╔███╔╝╚██████╔╝██║  ██║██║  ██╗███████╗███████╗╚██████╔╝╚███╔███╔╝
 ╚══╝╚══╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝ ╚═════╝  ╚══╝╚══╝
`
