// Package tool implements the public tool surface of the research service:
// the six callable tools, shorthand alias expansion, default filling,
// argument validation, and the {content, isError} envelope every call
// returns. The registry is transport-free; the HTTP layer only routes a
// tool name and a JSON body here, and a JSON-RPC or stdio adapter could do
// the same.
package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/usecase"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// Tool names accepted by Dispatch.
const (
	NameSubmitResearch = "submit_research"
	NameJobStatus      = "job_status"
	NameCancelJob      = "cancel_job"
	NameGetReport      = "get_report"
	NameSearch         = "search"
	NameRateReport     = "rate_report"
)

// names lists the tools in their documented order.
var names = []string{
	NameSubmitResearch,
	NameJobStatus,
	NameCancelJob,
	NameGetReport,
	NameSearch,
	NameRateReport,
}

// Names returns the registered tool names in a stable order.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Known reports whether name is a registered tool.
func Known(name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Content is one block of a tool result. This surface emits text blocks
// only; each tool's JSON payload is carried in Text.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the uniform envelope every tool returns. Failures set IsError
// and carry a single-line {code, message} object in the text block;
// detailed diagnostics live in the job event log, not here.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type toolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Registry dispatches tool calls to the application services.
type Registry struct {
	Jobs     *usecase.JobManager
	Reports  usecase.ReportService
	Searcher usecase.SearchService
	// StreamURL renders the event-stream URL returned by submit_research.
	// Nil falls back to the server's default route shape.
	StreamURL func(jobID string) string
}

// NewRegistry constructs a Registry over the given services.
func NewRegistry(jobs *usecase.JobManager, reports usecase.ReportService, searcher usecase.SearchService) *Registry {
	return &Registry{Jobs: jobs, Reports: reports, Searcher: searcher}
}

// Dispatch normalizes args and runs the named tool. An unknown name is the
// only transport-level error; every other failure is reported inside the
// envelope with IsError set.
func (r *Registry) Dispatch(ctx domain.Context, name string, args json.RawMessage) (Result, error) {
	if !Known(name) {
		return Result{}, fmt.Errorf("op=tool.Dispatch: unknown tool %q: %w", name, domain.ErrNotFound)
	}

	payload, err := r.run(ctx, name, args)
	if err != nil {
		observability.ToolCallsTotal.WithLabelValues(name, "error").Inc()
		slog.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("code", domain.ErrorCode(err)),
			slog.Any("error", err))
		return errorResult(err), nil
	}
	observability.ToolCallsTotal.WithLabelValues(name, "ok").Inc()
	return textResult(payload)
}

func (r *Registry) run(ctx domain.Context, name string, args json.RawMessage) (any, error) {
	norm, err := normalizeArgs(name, args)
	if err != nil {
		return nil, err
	}
	switch name {
	case NameSubmitResearch:
		return r.submitResearch(ctx, norm)
	case NameJobStatus:
		return r.jobStatus(ctx, norm)
	case NameCancelJob:
		return r.cancelJob(ctx, norm)
	case NameGetReport:
		return r.getReport(ctx, norm)
	case NameSearch:
		return r.search(ctx, norm)
	default:
		return r.rateReport(ctx, norm)
	}
}

func textResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Errorf("op=tool.encode: %w", domain.ErrInternal)), nil
	}
	return Result{Content: []Content{{Type: "text", Text: string(b)}}}, nil
}

func errorResult(err error) Result {
	b, _ := json.Marshal(toolError{
		Code:    domain.ErrorCode(err),
		Message: textx.Snippet(err.Error(), 300),
	})
	return Result{Content: []Content{{Type: "text", Text: string(b)}}, IsError: true}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// validateArgs runs struct-tag validation and flattens failures into one
// single-line message.
func validateArgs(v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		parts := make([]string, 0, len(ve))
		for _, fe := range ve {
			parts = append(parts, strings.ToLower(fe.Field())+"="+fe.Tag())
		}
		return fmt.Errorf("op=tool.validate: %s: %w", strings.Join(parts, ", "), domain.ErrInvalidArgument)
	}
	return fmt.Errorf("op=tool.validate: %v: %w", err, domain.ErrInvalidArgument)
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("op=tool.decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
