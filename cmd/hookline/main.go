package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/liyaqa/hookline/internal/config"
	"github.com/liyaqa/hookline/internal/database"
	"github.com/liyaqa/hookline/internal/dispatcher"
	"github.com/liyaqa/hookline/internal/handler"
	"github.com/liyaqa/hookline/internal/ratelimit"
	"github.com/liyaqa/hookline/internal/router"
	"github.com/liyaqa/hookline/internal/store"
	"github.com/redis/go-redis/v9"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery dispatcher in-process")
	flag.Parse()

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

	// Rate limiter: shared Redis windows when configured, per-process otherwise
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
	rt := router.New(s.Webhooks, s.Deliveries)
	sender := dispatcher.NewSender(cfg.DeliveryTimeout, cfg.FailFastClientErrors)

	webhookH := handler.NewWebhookHandler(s)
	deliveryH := handler.NewDeliveryHandler(s.Deliveries)
	eventH := handler.NewEventHandler(rt)
	testH := handler.NewTestWebhookHandler(s, sender)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := r.Group("/api")
	{
		api.POST("/events", eventH.Ingest)

		api.POST("/webhooks", webhookH.Create)
		api.GET("/webhooks", webhookH.List)
		api.GET("/webhooks/:id", webhookH.Get)
		api.PATCH("/webhooks/:id", webhookH.Update)
		api.DELETE("/webhooks/:id", webhookH.Delete)
		api.POST("/webhooks/:id/activate", webhookH.Activate)
		api.POST("/webhooks/:id/deactivate", webhookH.Deactivate)
		api.POST("/webhooks/:id/secret", webhookH.RegenerateSecret)
		api.POST("/webhooks/:id/test", testH.Send)
		api.GET("/webhooks/:id/deliveries", deliveryH.ListByWebhook)
		api.GET("/webhooks/:id/stats", deliveryH.Stats)

		api.GET("/deliveries", deliveryH.ListByTenant)
		api.GET("/deliveries/:id", deliveryH.Get)
		api.POST("/deliveries/:id/retry", deliveryH.Retry)
	}

	workerDone := make(chan struct{})
	if *withWorker {
		disp := dispatcher.New(s.Deliveries, s.Webhooks, limiter, dispatcher.Options{
			Concurrency:     cfg.WorkerConcurrency,
			PollInterval:    cfg.PollInterval,
			SweepInterval:   cfg.SweepInterval,
			ClaimBatch:      cfg.ClaimBatch,
			DeliveryTimeout: cfg.DeliveryTimeout,
			FailFast:        cfg.FailFastClientErrors,
		})
		go func() {
			disp.Run(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	<-workerDone
	slog.Info("server stopped")
}
