// Command server hosts the research tool surface: tool dispatch over HTTP,
// per-job SSE event streams, health and readiness probes, Prometheus
// metrics, and the authenticated ops endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/real"
	"github.com/fairyhunter13/deep-research/internal/adapter/ai/stub"
	"github.com/fairyhunter13/deep-research/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/deep-research/internal/adapter/repo/memory"
	"github.com/fairyhunter13/deep-research/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/deep-research/internal/app"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/service/executor"
	"github.com/fairyhunter13/deep-research/internal/service/ratelimiter"
	"github.com/fairyhunter13/deep-research/internal/service/semcache"
	"github.com/fairyhunter13/deep-research/internal/tool"
	"github.com/fairyhunter13/deep-research/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider, and job instrumentation.
	observability.InitMetrics()

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

	ctx := context.Background()

	// Infra: DB pool. An unreachable database degrades the process to
	// in-memory storage instead of refusing to start; /readyz reports it.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
	}
	degraded := err != nil
	if degraded {
		slog.Warn("postgres unavailable, serving from in-memory storage", slog.Any("error", err))
		if pool != nil {
			pool.Close()
			pool = nil
		}
	} else {
		if err := postgres.Migrate(ctx, pool, cfg.VectorDim); err != nil {
			slog.Error("migrations failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
	}

	// Repositories
	var (
		jobRepo    domain.JobRepository
		eventRepo  domain.JobEventRepository
		reportRepo domain.ReportRepository
		docRepo    domain.DocIndexRepository
	)
	if degraded {
		docStore := memory.NewDocIndexStore()
		jobStore := memory.NewJobStore()
		eventStore := memory.NewEventStore()
		jobStore.LinkEvents(eventStore)
		jobRepo = jobStore
		eventRepo = eventStore
		reportRepo = memory.NewReportStore(docStore)
		docRepo = docStore
	} else {
		jobRepo = postgres.NewJobRepo(pool)
		eventRepo = postgres.NewJobEventRepo(pool)
		reportRepo = postgres.NewReportRepo(pool)
		docRepo = postgres.NewDocIndexRepo(pool)
	}

	// Redis backs provider admission control; without it calls run
	// unthrottled against provider-side limits alone.
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

	// Provider gateway: admission, then per-model breaker, then metrics.
	var base domain.AIGateway
	if cfg.AIProvider == "real" {
		base = real.New(cfg)
		slog.Info("provider gateway ready", slog.String("provider", "real"), slog.String("base_url", cfg.AIBaseURL))
	} else {
		base = stub.New(cfg.VectorDim)
		slog.Info("provider gateway ready", slog.String("provider", "stub"))
	}
	gateway := ai.NewInstrumentedGateway(ai.NewBreakerGateway(ratelimiter.NewAdmissionGateway(base, limiter)))

	// Dispatch notifications cut submit-to-start latency; workers poll
	// regardless, so a missing broker only slows pickup.
	var dispatch domain.DispatchNotifier
	var brokerPing app.Pinger
	if cfg.KafkaEnabled {
		notifier, err := redpanda.NewNotifier(cfg.KafkaBrokers, cfg.DispatchTopic)
		if err != nil {
			slog.Warn("dispatch notifier unavailable, workers rely on polling", slog.Any("error", err))
		} else {
			dispatch = notifier
			brokerPing = notifier
			defer func() { _ = notifier.Close() }()
		}
	}

	// Usecases
	jm := usecase.NewJobManager(cfg, jobRepo, eventRepo, dispatch, nil)
	registry := tool.NewRegistry(jm,
		usecase.NewReportService(reportRepo),
		usecase.NewSearchService(cfg, docRepo, gateway))

	// Readiness checks
	var poolPing app.Pinger
	if pool != nil {
		poolPing = pool
	}
	var redisPing app.RedisClient
	if rdb != nil {
		redisPing = redisAdapter{rdb}
	}
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(poolPing, redisPing, brokerPing)

	srv := httpserver.NewServer(cfg, registry, jm, dbCheck, redisCheck, kafkaCheck, func() bool { return degraded })
	handler := app.BuildRouter(cfg, srv)

	// In degraded mode nothing shares the in-memory queue with a separate
	// worker process, so the pipeline runs embedded to keep the tool
	// surface usable end to end.
	background, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if degraded {
		cache := semcache.New(semcache.Options{
			MaxEntries:   cfg.CacheMaxEntries,
			TTL:          cfg.CacheTTL,
			SimThreshold: cfg.CacheSimThreshold,
		}, nil)
		exec := executor.New(executor.Config{
			InitialWorkers: 1,
			MaxWorkers:     cfg.MaxConcurrency,
			QueueCap:       cfg.ExecutorQueueCap,
			IncreaseEvery:  cfg.AIMDIncreaseEvery,
			TaskTimeout:    cfg.TaskTimeout,
		})
		defer exec.Close()
		orch := usecase.NewOrchestrator(cfg, tiers, gateway, cache, reportRepo, jobRepo, exec, jm)
		embedded := app.NewWorker(cfg, jm, orch)
		go func() { _ = embedded.Run(background) }()
		go app.NewMaintenance(jobRepo, nil, cfg.JobTTL, cfg.CleanupInterval).Run(background)
		slog.Info("degraded mode: embedded worker processing jobs in process",
			slog.String("worker_id", embedded.ID()))
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
