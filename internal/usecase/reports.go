package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/pkg/textx"
)

// Report render modes.
const (
	ReportModeFull     = "full"
	ReportModeSummary  = "summary"
	ReportModeTruncate = "truncate"

	summaryRunes  = 1200
	truncateRunes = 4000
)

// ReportService reads and rates persisted reports.
type ReportService struct {
	Reports domain.ReportRepository
}

// NewReportService constructs a ReportService.
func NewReportService(reports domain.ReportRepository) ReportService {
	return ReportService{Reports: reports}
}

// Get returns the report and its content rendered per mode: full (the
// default), summary, or truncate.
func (s ReportService) Get(ctx domain.Context, id, mode string) (domain.Report, string, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Report{}, "", fmt.Errorf("op=usecase.GetReport: report id required: %w", domain.ErrInvalidArgument)
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ReportModeFull
	}
	switch mode {
	case ReportModeFull, ReportModeSummary, ReportModeTruncate:
	default:
		return domain.Report{}, "", fmt.Errorf("op=usecase.GetReport: mode must be full, summary, or truncate: %w", domain.ErrInvalidArgument)
	}

	rep, err := s.Reports.Get(ctx, id)
	if err != nil {
		return domain.Report{}, "", err
	}

	content := rep.Content
	switch mode {
	case ReportModeSummary:
		content = textx.ClipForPrompt(content, summaryRunes)
	case ReportModeTruncate:
		content = textx.ClipForPrompt(content, truncateRunes)
	}
	return rep, content, nil
}

// Rate records caller feedback on a report. Rating is the 1..5 scale;
// comment is optional.
func (s ReportService) Rate(ctx domain.Context, id string, rating int, comment string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("op=usecase.RateReport: report id required: %w", domain.ErrInvalidArgument)
	}
	if rating < 1 || rating > 5 {
		return fmt.Errorf("op=usecase.RateReport: rating must be between 1 and 5: %w", domain.ErrInvalidArgument)
	}
	if err := s.Reports.AddFeedback(ctx, id, rating, strings.TrimSpace(comment)); err != nil {
		return err
	}
	observability.ObserveRating(rating)
	return nil
}

// ListRecent returns up to limit most recent reports for ops surfaces.
func (s ReportService) ListRecent(ctx domain.Context, limit int) ([]domain.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.Reports.ListRecent(ctx, limit)
}
