package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/liyaqa/hookline/internal/config"
	"github.com/liyaqa/hookline/internal/database"
	"github.com/liyaqa/hookline/internal/dispatcher"
	"github.com/liyaqa/hookline/internal/ratelimit"
	"github.com/liyaqa/hookline/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to postgres")

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to parse redis URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb)
		slog.Info("connected to redis")
	}

	s := store.New(pool)
	disp := dispatcher.New(s.Deliveries, s.Webhooks, limiter, dispatcher.Options{
		Concurrency:     cfg.WorkerConcurrency,
		PollInterval:    cfg.PollInterval,
		SweepInterval:   cfg.SweepInterval,
		ClaimBatch:      cfg.ClaimBatch,
		DeliveryTimeout: cfg.DeliveryTimeout,
		FailFast:        cfg.FailFastClientErrors,
	})

	workerDone := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(workerDone)
	}()

	// Minimal health endpoint for k8s liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		slog.Info("worker health server listening", "port", "8081")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	<-workerDone
	slog.Info("worker stopped")
}
