package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by model and operation",
		},
		[]string{"model", "operation", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "operation"},
	)
	AITierFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tier_fallbacks_total",
			Help: "Total number of model fallbacks within and across tiers",
		},
		[]string{"role"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
		[]string{"type"},
	)
	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock duration of terminal jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type", "status"},
	)
	LeaseReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_lease_reclaims_total",
			Help: "Total number of expired leases reclaimed by the reaper or a new worker",
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "semantic_cache_lookups_total",
			Help: "Semantic cache lookups by outcome (hit_exact, hit_semantic, miss)",
		},
		[]string{"outcome"},
	)
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "semantic_cache_entries",
			Help: "Current number of live semantic cache entries",
		},
	)

	ExecutorConcurrency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_concurrency",
			Help: "Current adaptive concurrency limit of the bounded executor",
		},
	)
	ExecutorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Tasks waiting in the executor admission queue",
		},
	)
	SubQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_subqueries_total",
			Help: "Sub-queries executed by outcome (ok, error)",
		},
		[]string{"outcome"},
	)
	SynthesisTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synthesis_tokens_total",
			Help: "Approximate tokens streamed by the synthesis agent",
		},
	)

	SearchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_searches_total",
			Help: "Hybrid knowledge-base searches by scope",
		},
		[]string{"scope"},
	)
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool dispatches by tool name and outcome (ok, error)",
		},
		[]string{"tool", "outcome"},
	)
	ReportRating = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "report_rating",
			Help:    "Distribution of user ratings on reports (1-5)",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITierFallbacksTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobDurationSeconds)
	prometheus.MustRegister(LeaseReclaimsTotal)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(ExecutorConcurrency)
	prometheus.MustRegister(ExecutorQueueDepth)
	prometheus.MustRegister(SubQueriesTotal)
	prometheus.MustRegister(SynthesisTokensTotal)
	prometheus.MustRegister(SearchesTotal)
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(ReportRating)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartRunningJob(jobType string) {
	JobsRunning.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDurationSeconds.WithLabelValues(jobType, "succeeded").Observe(dur.Seconds())
}

func FailJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
	JobDurationSeconds.WithLabelValues(jobType, "failed").Observe(dur.Seconds())
}

func CancelJob(jobType string, dur time.Duration) {
	JobsRunning.WithLabelValues(jobType).Dec()
	JobsCancelledTotal.WithLabelValues(jobType).Inc()
	JobDurationSeconds.WithLabelValues(jobType, "cancelled").Observe(dur.Seconds())
}

// ObserveRating records a user rating on a report.
func ObserveRating(rating int) {
	if rating >= 1 && rating <= 5 {
		ReportRating.Observe(float64(rating))
	}
}
