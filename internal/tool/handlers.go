package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/usecase"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// job_status render formats.
const (
	statusFormatSummary = "summary"
	statusFormatFull    = "full"
	statusFormatEvents  = "events"

	defaultMaxEvents = 50
	snippetRunes     = 300
)

type submitArgs struct {
	Query          string                        `json:"query" validate:"required,min=3"`
	CostPreference domain.CostPreference         `json:"costPreference" validate:"omitempty,oneof=low high"`
	AudienceLevel  domain.AudienceLevel          `json:"audienceLevel" validate:"omitempty,oneof=beginner intermediate expert"`
	OutputFormat   domain.OutputFormat           `json:"outputFormat" validate:"omitempty,oneof=report briefing bullet_points"`
	IncludeSources *bool                         `json:"includeSources"`
	MaxLength      int                           `json:"maxLength" validate:"omitempty,min=100,max=100000"`
	Images         []domain.ImageAttachment      `json:"images" validate:"omitempty,max=8,dive"`
	TextDocuments  []domain.TextDocument         `json:"textDocuments" validate:"omitempty,max=16,dive"`
	StructuredData []domain.StructuredAttachment `json:"structuredData" validate:"omitempty,max=16,dive"`
	IdempotencyKey string                        `json:"idempotencyKey" validate:"omitempty,max=64"`
	ForceNew       bool                          `json:"forceNew"`
	ProgressToken  string                        `json:"progressToken"`
}

type submitResponse struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	SSEURL string          `json:"sseUrl"`
	Reused bool            `json:"reused,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (r *Registry) submitResearch(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a submitArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}

	// Sources are included unless the caller opts out.
	includeSources := true
	if a.IncludeSources != nil {
		includeSources = *a.IncludeSources
	}
	params := domain.ResearchParams{
		Query:          a.Query,
		CostPreference: a.CostPreference,
		AudienceLevel:  a.AudienceLevel,
		OutputFormat:   a.OutputFormat,
		IncludeSources: includeSources,
		MaxLength:      a.MaxLength,
		Images:         a.Images,
		TextDocuments:  a.TextDocuments,
		StructuredData: a.StructuredData,
	}

	res, err := r.Jobs.Submit(ctx, params, usecase.SubmitOptions{
		IdempotencyKey: a.IdempotencyKey,
		ForceNew:       a.ForceNew,
		ProgressToken:  a.ProgressToken,
	})
	if err != nil {
		return nil, err
	}
	return submitResponse{
		JobID:  res.JobID,
		Status: string(res.Status),
		SSEURL: r.streamURL(res.JobID),
		Reused: res.Reused,
		Result: res.Result,
	}, nil
}

func (r *Registry) streamURL(jobID string) string {
	if r.StreamURL != nil {
		return r.StreamURL(jobID)
	}
	return fmt.Sprintf("/v1/jobs/%s/events", jobID)
}

type jobStatusArgs struct {
	JobID     string `json:"jobId" validate:"required"`
	Format    string `json:"format" validate:"omitempty,oneof=summary full events"`
	MaxEvents int    `json:"maxEvents" validate:"omitempty,min=1,max=500"`
	SinceSeq  int64  `json:"sinceSeq" validate:"omitempty,min=0"`
}

type jobStatusResponse struct {
	JobID      string            `json:"jobId"`
	Status     string            `json:"status"`
	Progress   int               `json:"progress"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Error      string            `json:"error,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Params     json.RawMessage   `json:"params,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Events     []domain.JobEvent `json:"events,omitempty"`
}

func (r *Registry) jobStatus(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a jobStatusArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}
	if a.Format == "" {
		a.Format = statusFormatSummary
	}
	if a.MaxEvents == 0 {
		a.MaxEvents = defaultMaxEvents
	}

	j, err := r.Jobs.Get(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	resp := jobStatusResponse{
		JobID:      j.ID,
		Status:     string(j.Status),
		Progress:   j.Progress,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Error:      j.Error,
	}
	switch a.Format {
	case statusFormatFull:
		resp.Retryable = j.Retryable
		resp.Attempts = j.Attempts
		resp.Params = j.Params
		resp.Result = j.Result
	case statusFormatEvents:
		evs, err := r.Jobs.Events(ctx, a.JobID, a.SinceSeq, a.MaxEvents)
		if err != nil {
			return nil, err
		}
		resp.Events = evs
	}
	return resp, nil
}

type cancelArgs struct {
	JobID string `json:"jobId" validate:"required"`
}

type cancelResponse struct {
	JobID          string `json:"jobId"`
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previousStatus"`
}

func (r *Registry) cancelJob(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a cancelArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}
	res, err := r.Jobs.Cancel(ctx, a.JobID)
	if err != nil {
		return nil, err
	}
	return cancelResponse{
		JobID:          a.JobID,
		Cancelled:      res.Cancelled,
		PreviousStatus: string(res.PreviousStatus),
	}, nil
}

type getReportArgs struct {
	ReportID string `json:"reportId" validate:"required"`
	// Mode is validated by the report service, which also accepts it
	// case-insensitively.
	Mode string `json:"mode"`
}

type reportResponse struct {
	ReportID         string                `json:"reportId"`
	Query            string                `json:"query"`
	Mode             string                `json:"mode"`
	Content          string                `json:"content"`
	CreatedAt        time.Time             `json:"createdAt"`
	Metadata         domain.ReportMetadata `json:"metadata"`
	Rating           *int                  `json:"rating,omitempty"`
	RatingComment    *string               `json:"ratingComment,omitempty"`
	BasedOnReportIDs []string              `json:"basedOnReportIds,omitempty"`
}

func (r *Registry) getReport(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a getReportArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}
	mode := strings.ToLower(strings.TrimSpace(a.Mode))
	if mode == "" {
		mode = usecase.ReportModeFull
	}
	rep, content, err := r.Reports.Get(ctx, a.ReportID, mode)
	if err != nil {
		return nil, err
	}
	return reportResponse{
		ReportID:         rep.ID,
		Query:            rep.Query,
		Mode:             mode,
		Content:          content,
		CreatedAt:        rep.CreatedAt,
		Metadata:         rep.Metadata,
		Rating:           rep.Rating,
		RatingComment:    rep.RatingComment,
		BasedOnReportIDs: rep.BasedOnReportIDs,
	}, nil
}

type searchArgs struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=50"`
	// Scope is validated by the search service.
	Scope string `json:"scope"`
}

type searchHit struct {
	ID         string    `json:"id"`
	SourceType string    `json:"sourceType"`
	SourceID   string    `json:"sourceId"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	Score      float64   `json:"score"`
	BM25       float64   `json:"bm25"`
	Cosine     float64   `json:"cosine"`
	CreatedAt  time.Time `json:"createdAt"`
}

type searchResponse struct {
	Query string      `json:"query"`
	Scope string      `json:"scope"`
	Count int         `json:"count"`
	Hits  []searchHit `json:"hits"`
}

func (r *Registry) search(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a searchArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}
	scope := strings.ToLower(strings.TrimSpace(a.Scope))
	if scope == "" {
		scope = usecase.SearchScopeBoth
	}
	hits, err := r.Searcher.Search(ctx, a.Query, a.Limit, scope)
	if err != nil {
		return nil, err
	}
	out := searchResponse{
		Query: a.Query,
		Scope: scope,
		Count: len(hits),
		Hits:  make([]searchHit, 0, len(hits)),
	}
	for _, h := range hits {
		out.Hits = append(out.Hits, searchHit{
			ID:         h.Entry.ID,
			SourceType: h.Entry.SourceType,
			SourceID:   h.Entry.SourceID,
			Title:      h.Entry.Title,
			Snippet:    textx.Snippet(h.Entry.Content, snippetRunes),
			Score:      h.Score,
			BM25:       h.BM25,
			Cosine:     h.Cosine,
			CreatedAt:  h.Entry.CreatedAt,
		})
	}
	return out, nil
}

type rateArgs struct {
	ReportID string `json:"reportId" validate:"required"`
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Comment  string `json:"comment"`
}

type rateResponse struct {
	ReportID string `json:"reportId"`
	Rating   int    `json:"rating"`
	Recorded bool   `json:"recorded"`
}

func (r *Registry) rateReport(ctx domain.Context, raw json.RawMessage) (any, error) {
	var a rateArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := validateArgs(a); err != nil {
		return nil, err
	}
	if err := r.Reports.Rate(ctx, a.ReportID, a.Rating, a.Comment); err != nil {
		return nil, err
	}
	return rateResponse{ReportID: a.ReportID, Rating: a.Rating, Recorded: true}, nil
}
