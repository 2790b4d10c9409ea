package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"search-ingest/internal/cache"
	"search-ingest/internal/config"
	"search-ingest/internal/database"
	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
	"search-ingest/internal/metrics"
	"search-ingest/internal/queue"
	"search-ingest/internal/search"
	"search-ingest/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	registry, err := dataset.Load(cfg.DatasetsFile)
	if err != nil {
		slog.Error("dataset registry load failed", "component", "worker", "file", cfg.DatasetsFile, "error", err)
		os.Exit(1)
	}

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		slog.Error("postgres schema setup failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(cfg.ElasticsearchURL, search.WithTermsIndex(cfg.TermsIndex))
	if err != nil {
		slog.Error("elasticsearch init failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "component", "worker", "error", err)
		os.Exit(1)
	}

	// ── Pipeline tuning ────────────────────────────────────────────────────────

	pipeline := []ingest.Option{
		ingest.WithBulkLimit(cfg.BulkLimit),
		ingest.WithFlushConcurrency(cfg.FlushConcurrency),
		ingest.WithTermsIndex(cfg.TermsIndex),
		ingest.WithDeleteChunkSize(cfg.DeleteChunkSize),
	}
	if cfg.BulkRPS > 0 {
		pipeline = append(pipeline, ingest.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.BulkRPS), 1)))
	}
	if cfg.ProcessImages {
		pipeline = append(pipeline, ingest.WithImageProcessor(dataset.NewImageChecker(nil)))
	}
	pipeline = append(pipeline, metrics.PipelineOptions()...)

	// ── Run ────────────────────────────────────────────────────────────────────
	//
	// ctx is cancelled on SIGINT/SIGTERM; a run in progress stops at its next
	// cancellation check, is recorded as failed, and Run returns.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(registry, searchClient, redisClient, redisClient, db, consumer, worker.Options{
		RunTimeout:          cfg.RunTimeout,
		LockTTL:             cfg.LockTTL,
		IncludeSourcePrefix: cfg.IncludeSourcePrefix,
		Pipeline:            pipeline,
	})
	if err := w.Run(ctx); err != nil {
		slog.Error("worker error", "component", "worker", "error", err)
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────

	consumer.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("worker stopped", "component", "worker")
}
