package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"workflow.app/engine/common/id"
	"workflow.app/engine/common/logger"
	"workflow.app/engine/common/otel"
	"workflow.app/engine/core/config"
	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/domain"
	"workflow.app/engine/internal/externalservice"
	"workflow.app/engine/internal/handler"
	"workflow.app/engine/internal/search"
	"workflow.app/engine/internal/store"
	"workflow.app/engine/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)
	logger.Setup(cfg)

	slog.InfoContext(ctx, "workflow engine worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Bus.Group,
		"consumer_name", cfg.Bus.Consumer)

	// Different node id than the server so snowflake ids stay unique across services.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
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
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Bus.Stream)

	consumer, err := bus.NewRedisConsumer(redisClient, bus.ConsumerConfig{
		Stream:       cfg.Bus.Stream,
		Group:        cfg.Bus.Group,
		Consumer:     cfg.Bus.Consumer,
		DLQStream:    cfg.Bus.DLQStream,
		BatchSize:    cfg.Bus.BatchSize,
		Block:        cfg.Bus.BlockTimeout,
		MaxAttempts:  cfg.Bus.MaxAttempts,
		RequeueDelay: cfg.Bus.RequeueDelay,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	publisher := bus.NewRedisPublisher(redisClient, cfg.Bus.Stream, slog.Default())
	defer publisher.Close() //nolint:errcheck

	var projections store.ProjectionRepository = store.NewProjectionRepository(database)
	if cfg.Search.Enabled() {
		searchClient := search.NewClient(search.Config{URL: cfg.Search.URL, APIKey: cfg.Search.APIKey, Collection: cfg.Search.Collection})
		if err := search.EnsureCollection(ctx, searchClient, cfg.Search.Collection); err != nil {
			slog.WarnContext(ctx, "failed to ensure typesense collection, continuing without search mirror", "error", err)
		} else {
			projections = search.NewIndexedProjectionRepository(projections, searchClient, cfg.Search.Collection, slog.Default())
		}
	}

	var externalClient externalservice.Client
	if cfg.ExternalSvc.Enabled() {
		externalClient = externalservice.NewBatchClient(externalservice.BatchClientConfig{
			APIKey:         cfg.ExternalSvc.APIKey,
			BaseURL:        cfg.ExternalSvc.BaseURL,
			CompletionFile: cfg.ExternalSvc.CompletionFile,
			Endpoint:       cfg.ExternalSvc.Endpoint,
		})
	} else {
		slog.WarnContext(ctx, "external service not configured, using in-memory stub")
		externalClient = externalservice.NewStub(nil)
	}

	deps := handler.Deps{
		Events:      store.NewEventStore(database),
		Projections: projections,
		Intake:      store.NewIntakeRepository(database),
		Idempotency: store.NewIdempotencyStore(database),
		External:    externalClient,
		Publisher:   publisher,
		Config:      workflowConfig(cfg.Workflow),
		Source:      cfg.EventSource,
	}

	registry := worker.NewRegistry(
		handler.NewPrepareSubmissionHandler(deps),
		handler.NewSubmitJobHandler(deps),
		handler.NewPollExternalJobHandler(deps),
		handler.NewCompleteRequestHandler(deps),
	)

	w := worker.New(consumer, registry, worker.Config{MaxAttempts: cfg.Bus.MaxAttempts}, slog.Default())

	reclaimer := bus.NewReclaimer(redisClient, bus.ReclaimerConfig{
		Stream:      cfg.Bus.Stream,
		Group:       cfg.Bus.Group,
		Consumer:    cfg.Bus.Consumer + "-reclaimer",
		MinIdle:     cfg.Bus.ReclaimMinIdle,
		Interval:    cfg.Bus.ReclaimEvery,
		BatchSize:   cfg.Bus.BatchSize,
		MaxAttempts: cfg.Bus.MaxAttempts,
	}, consumer, reclaimProcessor(registry))

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go reclaimer.Run(ctx)

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	}
	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

// reclaimProcessor adapts the handler registry to the bus.MessageProcessor
// shape the reclaimer invokes on messages it claims from a dead consumer.
func reclaimProcessor(registry map[domain.EventType]worker.EventHandler) bus.MessageProcessor {
	return func(ctx context.Context, msg bus.Message) error {
		h, ok := registry[domain.EventType(msg.EventType)]
		if !ok {
			slog.WarnContext(ctx, "reclaimer: no handler registered for event type, discarding", "event_type", msg.EventType)
			return nil
		}
		return h.Handle(ctx, msg)
	}
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
                         worker
`
