package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/deep-research/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// Progress waypoints. Planning and research iterations share the band
// between progressPlanStart and progressSynthesis so the percentage stays
// monotonic no matter how many iterations run.
const (
	progressStart     = 10
	progressSynthesis = 60
	progressPersist   = 95
)

// ProgressReporter receives coarse progress updates from the pipeline.
// The job manager implements it.
type ProgressReporter interface {
	Progress(ctx domain.Context, jobID, token string, percent int, message string) error
}

// Orchestrator runs the research pipeline for one leased job: cache probe,
// past-report lookup, iterative plan-and-research, streamed synthesis, and
// the transactional persist of report plus index entry.
type Orchestrator struct {
	cfg      config.Config
	tiers    config.TierCatalog
	gateway  domain.AIGateway
	cache    domain.SemanticCache
	reports  domain.ReportRepository
	jobs     domain.JobRepository
	planner  *Planner
	research *Researcher
	synth    *Synthesizer
	progress ProgressReporter
}

// NewOrchestrator wires the pipeline. progress may be nil when the caller
// does not surface percentages.
func NewOrchestrator(
	cfg config.Config,
	tiers config.TierCatalog,
	gateway domain.AIGateway,
	cache domain.SemanticCache,
	reports domain.ReportRepository,
	jobs domain.JobRepository,
	exec domain.Executor,
	progress ProgressReporter,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tiers:    tiers,
		gateway:  gateway,
		cache:    cache,
		reports:  reports,
		jobs:     jobs,
		planner:  NewPlanner(gateway, tiers),
		research: NewResearcher(cfg, tiers, gateway, exec),
		synth:    NewSynthesizer(cfg, tiers, gateway),
		progress: progress,
	}
}

// Run executes the pipeline for job and returns the result to store. All
// intermediate events flow through sink; the caller owns the final event.
func (o *Orchestrator) Run(ctx domain.Context, job domain.Job, sink domain.EventSink) (domain.ResearchResult, error) {
	ctx, span := otel.Tracer("usecase/orchestrator").Start(ctx, "orchestrator.Run",
		trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	start := time.Now()
	var zero domain.ResearchResult

	var params domain.ResearchParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return zero, fmt.Errorf("op=usecase.Run: decode params: %w", domain.ErrInvalidArgument)
	}
	params.Normalize()

	if err := o.checkpoint(ctx, job.ID); err != nil {
		return zero, err
	}

	// Tier 1: exact fingerprint match short-circuits the whole pipeline.
	fingerprint := params.Fingerprint()
	if e, ok := o.cache.GetExact(ctx, fingerprint); ok {
		return o.cachedResult(ctx, job, sink, e, 0, start)
	}

	// One query embedding serves the similarity probe, the past-report
	// lookup, and the report's index entry. Embedding failure degrades all
	// three instead of failing the job.
	queryEmb := o.embedQuery(ctx, job.ID, params.Query)
	if len(queryEmb) > 0 {
		if e, sim, ok := o.cache.GetSimilar(ctx, queryEmb); ok {
			return o.cachedResult(ctx, job, sink, e, sim, start)
		}
	}

	baseIDs, pastContext := o.lookupPastReports(ctx, queryEmb)

	o.reportProgress(ctx, job, progressStart, "research started")

	results, iterations, err := o.iterate(ctx, job, params, pastContext, sink)
	if err != nil {
		return zero, err
	}

	okCount := 0
	for _, r := range results {
		if r.OK() {
			okCount++
		}
	}
	if okCount == 0 {
		return zero, fmt.Errorf("op=usecase.Run: all %d sub-queries failed: %w", len(results), domain.ErrNoResults)
	}

	if err := o.checkpoint(ctx, job.ID); err != nil {
		return zero, err
	}
	if err := sink.Emit(ctx, job.ID, domain.EventPhaseStarted, domain.PhasePayload{Phase: domain.PhaseSynthesizing}); err != nil {
		return zero, err
	}
	o.reportProgress(ctx, job, progressSynthesis, "synthesizing report")

	output, err := o.synth.Synthesize(ctx, params, results, func(delta string, totalTokens int) error {
		if cerr := ctx.Err(); cerr != nil {
			return ctxErr(cerr)
		}
		return sink.Emit(ctx, job.ID, domain.EventSynthesisChunk, domain.SynthesisChunkPayload{
			Content:         delta,
			TokensGenerated: totalTokens,
		})
	})
	if err != nil {
		return zero, err
	}
	if err := sink.Emit(ctx, job.ID, domain.EventPhaseComplete, domain.PhasePayload{Phase: domain.PhaseSynthesizing}); err != nil {
		return zero, err
	}
	o.reportProgress(ctx, job, progressPersist, "persisting report")

	if err := o.checkpoint(ctx, job.ID); err != nil {
		return zero, err
	}

	report := domain.Report{
		ID:        uuid.New().String(),
		Query:     params.Query,
		Params:    params,
		Content:   output.Content,
		CreatedAt: time.Now().UTC(),
		Metadata: domain.ReportMetadata{
			DurationMs:          time.Since(start).Milliseconds(),
			Iterations:          iterations,
			SubQueries:          len(results),
			FailedSubQueries:    len(results) - okCount,
			Models:              modelsUsed(results, output.Model),
			TokensGenerated:     output.TokensGenerated,
			AttachmentSummaries: attachmentSummaries(params),
		},
		BasedOnReportIDs: baseIDs,
	}
	entry := domain.DocEntry{
		ID:         uuid.New().String(),
		SourceType: domain.DocSourceReport,
		SourceID:   report.ID,
		Title:      textx.TruncateRunes(params.Query, 200),
		Content:    output.Content,
		Embedding:  queryEmb,
		Tokens:     tokencount.Count(output.Content, output.Model),
		CreatedAt:  report.CreatedAt,
	}

	reportID, err := o.persist(ctx, report, entry)
	if err != nil {
		return zero, err
	}

	now := time.Now().UTC()
	o.cache.Put(ctx, domain.CacheEntry{
		Fingerprint:    fingerprint,
		QueryEmbedding: queryEmb,
		ReportID:       reportID,
		Content:        output.Content,
		InsertedAt:     now,
		ExpiresAt:      now.Add(o.cfg.CacheTTL),
	})

	slog.Info("research pipeline finished",
		slog.String("job_id", job.ID),
		slog.String("report_id", reportID),
		slog.Int("iterations", iterations),
		slog.Int("sub_queries", len(results)),
		slog.Int("failed_sub_queries", len(results)-okCount),
		slog.Int("tokens_generated", output.TokensGenerated))

	return domain.ResearchResult{
		ReportID:   reportID,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// iterate runs up to MaxIterations plan-research rounds and returns every
// agent result gathered across them.
func (o *Orchestrator) iterate(ctx domain.Context, job domain.Job, params domain.ResearchParams, pastContext []string, sink domain.EventSink) ([]domain.AgentResult, int, error) {
	maxIter := o.cfg.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}
	// Iterations fill the band between the start and synthesis waypoints.
	band := float64(progressSynthesis-progressStart) / float64(maxIter)

	var all []domain.AgentResult
	iterations := 0
	for it := 1; it <= maxIter; it++ {
		if err := o.checkpoint(ctx, job.ID); err != nil {
			return nil, iterations, err
		}
		iterations = it

		if err := sink.Emit(ctx, job.ID, domain.EventPhaseStarted, domain.PhasePayload{Phase: domain.PhasePlanning, Iteration: it}); err != nil {
			return nil, iterations, err
		}
		plan, err := o.planner.Plan(ctx, planInput{
			Params:      params,
			PastContext: pastContext,
			Previous:    all,
			Iteration:   it,
		})
		if err != nil {
			if it == 1 {
				return nil, iterations, err
			}
			// A broken refinement round must not discard gathered results.
			slog.Warn("refinement planning failed, moving to synthesis",
				slog.String("job_id", job.ID),
				slog.Int("iteration", it),
				slog.Any("error", err))
			_ = sink.Emit(ctx, job.ID, domain.EventPhaseComplete, domain.PhasePayload{Phase: domain.PhasePlanning, Iteration: it})
			iterations = it - 1
			break
		}
		if err := sink.Emit(ctx, job.ID, domain.EventPhaseComplete, domain.PhasePayload{Phase: domain.PhasePlanning, Iteration: it}); err != nil {
			return nil, iterations, err
		}

		if len(plan.SubQueries) == 0 {
			if it == 1 {
				return nil, iterations, fmt.Errorf("op=usecase.Run: planner produced no sub-queries: %w", domain.ErrNoResults)
			}
			// The refinement round judged coverage complete.
			iterations = it - 1
			break
		}
		o.reportProgress(ctx, job, progressStart+int(float64(it-1)*band+band*0.3),
			fmt.Sprintf("planned %d sub-queries", len(plan.SubQueries)))

		if err := sink.Emit(ctx, job.ID, domain.EventPhaseStarted, domain.PhasePayload{Phase: domain.PhaseResearching, Iteration: it}); err != nil {
			return nil, iterations, err
		}
		results, err := o.research.Research(ctx, job.ID, plan.SubQueries, params, sink)
		if err != nil {
			return nil, iterations, err
		}
		if err := sink.Emit(ctx, job.ID, domain.EventPhaseComplete, domain.PhasePayload{Phase: domain.PhaseResearching, Iteration: it}); err != nil {
			return nil, iterations, err
		}
		all = append(all, results...)
		o.reportProgress(ctx, job, progressStart+int(float64(it)*band), "research iteration complete")

		if plan.Done {
			break
		}
	}
	return all, iterations, nil
}

// cachedResult emits cache_hit and returns the cached report as the job
// result without touching any provider.
func (o *Orchestrator) cachedResult(ctx domain.Context, job domain.Job, sink domain.EventSink, e domain.CacheEntry, similarity float64, start time.Time) (domain.ResearchResult, error) {
	if err := sink.Emit(ctx, job.ID, domain.EventCacheHit, domain.CacheHitPayload{
		ReportID:   e.ReportID,
		Similarity: similarity,
	}); err != nil {
		return domain.ResearchResult{}, err
	}
	slog.Info("semantic cache hit",
		slog.String("job_id", job.ID),
		slog.String("report_id", e.ReportID),
		slog.Float64("similarity", similarity))
	return domain.ResearchResult{
		ReportID:   e.ReportID,
		DurationMs: time.Since(start).Milliseconds(),
		Cached:     true,
	}, nil
}

// embedQuery returns the query embedding or nil. Failures are logged and
// degrade cache similarity, past-report lookup, and vector indexing.
func (o *Orchestrator) embedQuery(ctx domain.Context, jobID, query string) []float32 {
	embs, err := o.gateway.Embed(ctx, []string{query})
	if err != nil || len(embs) != 1 {
		slog.Warn("query embedding unavailable",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return nil
	}
	return embs[0]
}

// lookupPastReports finds prior reports near the query so the planner can
// build on them. The result order is most similar first.
func (o *Orchestrator) lookupPastReports(ctx domain.Context, queryEmb []float32) ([]string, []string) {
	if len(queryEmb) == 0 || o.cfg.PastReportTopK <= 0 {
		return nil, nil
	}
	matches, err := o.reports.FindBySimilarity(ctx, queryEmb, o.cfg.PastReportTopK, o.cfg.PastReportSimFloor)
	if err != nil {
		slog.Warn("past report lookup failed", slog.Any("error", err))
		return nil, nil
	}
	ids := make([]string, 0, len(matches))
	snippets := make([]string, 0, len(matches))
	for _, mt := range matches {
		ids = append(ids, mt.Report.ID)
		snippets = append(snippets, textx.Snippet(mt.Report.Content, 600))
	}
	return ids, snippets
}

// persist writes the report and its index entry, retrying briefly on
// transient storage errors so a finished pipeline is not thrown away.
func (o *Orchestrator) persist(ctx domain.Context, report domain.Report, entry domain.DocEntry) (string, error) {
	var reportID string
	op := func() error {
		id, err := o.reports.Save(ctx, report, entry)
		if err != nil {
			return err
		}
		reportID = id
		return nil
	}
	delay := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return reportID, nil
		}
		if !errors.Is(err, domain.ErrStorageTransient) || attempt >= 4 {
			return "", err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctxErr(ctx.Err())
		}
		delay *= 2
	}
}

// checkpoint aborts between pipeline steps when the job context ended or
// cancellation was requested. The flag read is advisory; a read failure
// never aborts the job because the worker's watcher is authoritative.
func (o *Orchestrator) checkpoint(ctx domain.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	cancelled, err := o.jobs.IsCancelRequested(ctx, jobID)
	if err != nil {
		slog.Debug("cancel flag check failed",
			slog.String("job_id", jobID),
			slog.Any("error", err))
		return nil
	}
	if cancelled {
		return fmt.Errorf("op=usecase.Run: cancel requested: %w", domain.ErrCancelled)
	}
	return nil
}

func (o *Orchestrator) reportProgress(ctx domain.Context, job domain.Job, percent int, message string) {
	if o.progress == nil {
		return
	}
	if err := o.progress.Progress(ctx, job.ID, job.ProgressToken, percent, message); err != nil {
		slog.Debug("progress update failed",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
}

// modelsUsed collects the distinct models that contributed, keeping first
// use order, with the synthesis model last.
func modelsUsed(results []domain.AgentResult, synthModel string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(m string) {
		if m == "" {
			return
		}
		if _, ok := seen[m]; ok {
			return
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	for _, r := range results {
		for _, m := range splitModels(r.Model) {
			add(m)
		}
	}
	add(synthModel)
	return out
}

func attachmentSummaries(p domain.ResearchParams) []string {
	var out []string
	for _, im := range p.Images {
		detail := im.Detail
		if detail == "" {
			detail = "auto"
		}
		out = append(out, fmt.Sprintf("image %s (detail=%s)", textx.TruncateRunes(im.URL, 120), detail))
	}
	for _, d := range p.TextDocuments {
		out = append(out, fmt.Sprintf("document %s (%d bytes)", d.Name, len(d.Content)))
	}
	for _, d := range p.StructuredData {
		out = append(out, fmt.Sprintf("data %s (%s, %d bytes)", d.Name, d.Type, len(d.Content)))
	}
	return out
}
