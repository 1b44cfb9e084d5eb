// Command worker leases queued research jobs and runs them through the
// orchestrator pipeline. It exposes Prometheus metrics and a liveness
// probe on a dedicated port and requeues in-flight work on shutdown.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/real"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/stub"
	"github.com/fairyhunter13/deep-research/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/deep-research/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/deep-research/internal/app"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/service/executor"
	"github.com/fairyhunter13/deep-research/internal/service/ratelimiter"
	"github.com/fairyhunter13/deep-research/internal/service/semcache"
	"github.com/fairyhunter13/deep-research/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Job-queue and provider metrics are registered here too so the worker
	// process can be scraped independently of the server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", httpserver.HealthzHandler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.WorkerPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	tiers, err := config.LoadTierCatalog(cfg.TiersFile)
	if err != nil {
		slog.Error("tier catalog load failed", slog.String("path", cfg.TiersFile), slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// The worker cannot run without the durable queue; the lease protocol
	// lives in Postgres.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool, cfg.VectorDim); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	eventRepo := postgres.NewJobEventRepo(pool)
	reportRepo := postgres.NewReportRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool)

	// Redis-backed admission control, shared with the server so both
	// processes draw from the same provider budget.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	{
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("redis unavailable, provider admission control disabled", slog.Any("error", err))
			_ = rdb.Close()
			rdb = nil
		}
	}
	var limiter ratelimiter.Limiter
	if rdb != nil {
		rl := ratelimiter.NewRedisLuaLimiter(rdb, pool, ratelimiter.NewBucketConfig(cfg.ProviderRatePerMin, cfg.ProviderRateBurst))
		if err := rl.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limit warm load failed", slog.Any("error", err))
		}
		limiter = rl
	}

	var base domain.AIGateway
	if cfg.AIProvider == "real" {
		base = real.New(cfg)
		slog.Info("provider gateway ready", slog.String("provider", "real"), slog.String("base_url", cfg.AIBaseURL))
	} else {
		base = stub.New(cfg.VectorDim)
		slog.Info("provider gateway ready", slog.String("provider", "stub"))
	}
	gateway := ai.NewInstrumentedGateway(ai.NewBreakerGateway(ratelimiter.NewAdmissionGateway(base, limiter)))

	// Semantic cache with write-through persistence, rehydrated on boot.
	cache := semcache.New(semcache.Options{
		MaxEntries:   cfg.CacheMaxEntries,
		TTL:          cfg.CacheTTL,
		SimThreshold: cfg.CacheSimThreshold,
	}, cacheRepo)
	if n := cache.WarmLoad(ctx); n > 0 {
		slog.Info("semantic cache warmed", slog.Int("entries", n))
	}

	exec := executor.New(executor.Config{
		InitialWorkers: 1,
		MaxWorkers:     cfg.MaxConcurrency,
		QueueCap:       cfg.ExecutorQueueCap,
		IncreaseEvery:  cfg.AIMDIncreaseEvery,
		TaskTimeout:    cfg.TaskTimeout,
	})
	defer exec.Close()

	jm := usecase.NewJobManager(cfg, jobRepo, eventRepo, nil, nil)
	orch := usecase.NewOrchestrator(cfg, tiers, gateway, cache, reportRepo, jobRepo, exec, jm)
	worker := app.NewWorker(cfg, jm, orch)

	// Maintenance owns lease reclaim, terminal-job TTL, idempotency expiry,
	// and cache purging for the whole deployment.
	maint := app.NewMaintenance(jobRepo, cacheRepo, cfg.JobTTL, cfg.CleanupInterval)

	// Dispatch notifications shave the poll interval off job pickup. The
	// lease loop works without them, so a broker failure only logs.
	if cfg.KafkaEnabled {
		consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "deep-research-workers", cfg.DispatchTopic, func(string) {
			worker.Wake()
		})
		if err != nil {
			slog.Warn("dispatch consumer unavailable, relying on lease polling", slog.Any("error", err))
		} else {
			defer consumer.Close()
			go func() { _ = consumer.Run(ctx) }()
		}
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			slog.Error("worker loop error", slog.Any("error", err))
		}
	}()
	go maint.Run(ctx)

	slog.Info("worker started", slog.String("worker_id", worker.ID()), slog.Int("metrics_port", cfg.WorkerPort))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Cancelling the root context requeues any in-flight job; wait for the
	// loop to finish that handoff before exiting.
	stop()
	select {
	case <-workerDone:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("worker loop did not stop in time")
	}
	slog.Info("worker stopped")
}
