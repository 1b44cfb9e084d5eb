package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// MountAdmin attaches the operator endpoints behind basic auth. Callers
// must only mount this when credentials are configured.
func (s *Server) MountAdmin(r chi.Router) {
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(BasicAuthGuard(s.Cfg))
		ar.Get("/stats", s.AdminStatsHandler())
		ar.Post("/jobs/{id}/requeue", s.AdminRequeueHandler())
	})
}

// AdminStatsHandler reports job counts by status.
func (s *Server) AdminStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		byStatus := make(map[string]int, len(stats.ByStatus))
		for st, n := range stats.ByStatus {
			byStatus[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":     stats.Total,
			"by_status": byStatus,
		})
	}
}

// AdminRequeueHandler forces a running job back onto the queue, for example
// when its worker is wedged but still heartbeating. Queued and terminal
// jobs conflict.
func (s *Server) AdminRequeueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, map[string]string{"job_id": id})
			return
		}
		if job.Status != domain.JobRunning {
			writeError(w, r, fmt.Errorf("op=http.admin_requeue: job is %s, only running jobs can be requeued: %w", job.Status, domain.ErrConflict), nil)
			return
		}
		if err := s.Jobs.Requeue(r.Context(), job); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job requeued by operator", slog.String("job_id", id))
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":   id,
			"requeued": true,
		})
	}
}
