package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"search-ingest/internal/api"
	"search-ingest/internal/cache"
	"search-ingest/internal/config"
	"search-ingest/internal/database"
	"search-ingest/internal/dataset"
	"search-ingest/internal/queue"
	"search-ingest/internal/search"
	"search-ingest/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	registry, err := dataset.Load(cfg.DatasetsFile)
	if err != nil {
		slog.Error("dataset registry load failed", "component", "api", "file", cfg.DatasetsFile, "error", err)
		os.Exit(1)
	}

	// ── Infrastructure ─────────────────────────────────────────────────────────

	db, err := database.Connect(cfg.PostgresDSN)
	if err != nil {
		slog.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		slog.Error("postgres schema setup failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := cache.New(cfg.RedisAddr)
	if err != nil {
		slog.Error("redis connect failed", "error", err)
		os.Exit(1)
	}

	publisher, err := queue.NewPublisher(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("rabbitmq connect failed", "error", err)
		os.Exit(1)
	}

	searchClient, err := search.New(cfg.ElasticsearchURL)
	if err != nil {
		slog.Error("elasticsearch init failed", "error", err)
		os.Exit(1)
	}

	// ── Scheduled re-ingestion ─────────────────────────────────────────────────

	cronScheduler, err := worker.StartCronJobs(registry.All(), publisher)
	if err != nil {
		slog.Error("invalid cron schedule", "error", err)
		os.Exit(1)
	}

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Runs:      db,
		Cache:     redisClient,
		Publisher: publisher,
		Datasets:  registry,
		Search:    searchClient,
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort, "datasets", registry.Len())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order matters:
	//  1. Stop accepting new HTTP requests (srv.Shutdown); in-flight requests finish.
	//  2. Stop the cron scheduler; it waits for a running enqueue to finish.
	//  3. Close infrastructure clients in reverse init order.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutdown signal received", "component", "api")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	<-cronScheduler.Stop().Done()
	slog.Info("cron stopped", "component", "api")

	publisher.Close()
	redisClient.Close()
	db.Conn.Close()

	slog.Info("shutdown complete", "component", "api")
}
