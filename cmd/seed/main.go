package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"workflow.app/engine/common/id"
	"workflow.app/engine/common/logger"
	"workflow.app/engine/core/config"
	"workflow.app/engine/core/db"
)

// seed loads demo intake rows directly into the intake store so a freshly
// started server/worker/scheduler trio has something to discover. It talks
// to Postgres directly rather than through internal/store.IntakeRepository,
// since inserting brand new rows isn't a workflow-core operation.
func main() {
	var (
		partition string
		count     int
	)
	flag.StringVar(&partition, "partition", "demo", "partition key to seed rows under")
	flag.IntVar(&count, "count", 10, "number of unprocessed intake rows to create")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	if err := id.Init(9); err != nil {
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

	now := time.Now().UTC()
	inserted := 0
	for i := 0; i < count; i++ {
		rowKey := fmt.Sprintf("row-%d", id.New())
		_, err := database.Pool().Exec(ctx, `
			INSERT INTO intake_rows (partition_key, row_key, status, lease_until, etag)
			VALUES ($1, $2, 'Unprocessed', $3, $4)
			ON CONFLICT (partition_key, row_key) DO NOTHING`,
			partition, rowKey, now, fmt.Sprintf("seed-%d", id.New()))
		if err != nil {
			slog.ErrorContext(ctx, "failed to insert intake row", "error", err, "row_key", rowKey)
			os.Exit(1)
		}
		inserted++
	}

	slog.InfoContext(ctx, "seed complete", "partition", partition, "inserted", inserted)
}
