package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workflow.app/engine/common/id"
	"workflow.app/engine/common/logger"
	"workflow.app/engine/common/otel"
	"workflow.app/engine/core/config"
	"workflow.app/engine/core/db"
	"workflow.app/engine/internal/bus"
	"workflow.app/engine/internal/handler"
	"workflow.app/engine/internal/store"
	"workflow.app/engine/internal/worker"

	"github.com/redis/go-redis/v9"
)

// The scheduler runs the two timer-driven handlers — Discover and
// ScheduleDuePolls — that have no triggering integration event, only a
// clock (spec §4.3, §4.9). Running them as a separate service keeps the
// bus-triggered worker's dispatch loop free of ticker bookkeeping.
func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeScheduler)
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

	slog.InfoContext(ctx, "workflow engine scheduler starting", "env", cfg.Env)

	if err := id.Init(3); err != nil {
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

	publisher := bus.NewRedisPublisher(redisClient, cfg.Bus.Stream, slog.Default())
	defer publisher.Close() //nolint:errcheck

	deps := handler.Deps{
		Events:      store.NewEventStore(database),
		Projections: store.NewProjectionRepository(database),
		Intake:      store.NewIntakeRepository(database),
		Idempotency: store.NewIdempotencyStore(database),
		Publisher:   publisher,
		Config:      workflowConfig(cfg.Workflow),
		Source:      cfg.EventSource,
	}

	discoverRunner := worker.NewTimerRunner("discover", cfg.Workflow.DiscoverInterval, handler.NewDiscoverHandler(deps), slog.Default())
	scheduleRunner := worker.NewTimerRunner("schedule-due-polls", cfg.Workflow.ScheduleDuePollsInterval, handler.NewScheduleDuePollsHandler(deps), slog.Default())

	go discoverRunner.Run(ctx)
	go scheduleRunner.Run(ctx)

	slog.InfoContext(ctx, "scheduler running",
		"discover_interval", cfg.Workflow.DiscoverInterval,
		"schedule_due_polls_interval", cfg.Workflow.ScheduleDuePollsInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down scheduler...")

	discoverRunner.Stop()
	scheduleRunner.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "scheduler shutdown complete")
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
                        scheduler
`
