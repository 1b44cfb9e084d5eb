package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
	"github.com/fairyhunter13/deep-research/internal/tool"
	"github.com/fairyhunter13/deep-research/internal/usecase"
)

const readyProbeTimeout = 2 * time.Second

// Server aggregates handler dependencies.
type Server struct {
	Cfg   config.Config
	Tools *tool.Registry
	Jobs  *usecase.JobManager

	// Readiness probes; nil probes are skipped. Degraded reports whether
	// the process fell back to in-memory storage at boot.
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
	Degraded   func() bool

	// SSEHeartbeat overrides the keepalive comment interval; zero means
	// the default.
	SSEHeartbeat time.Duration
}

// NewServer constructs an HTTP server with handlers and probes wired.
func NewServer(cfg config.Config, tools *tool.Registry, jobs *usecase.JobManager, dbCheck, redisCheck, kafkaCheck func(context.Context) error, degraded func() bool) *Server {
	return &Server{
		Cfg:        cfg,
		Tools:      tools,
		Jobs:       jobs,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		KafkaCheck: kafkaCheck,
		Degraded:   degraded,
	}
}

// maxToolBody caps tool argument bodies. Attachments ride inside the JSON
// payload, so the cap scales with the per-attachment limit.
func (s *Server) maxToolBody() int64 {
	max := s.Cfg.MaxAttachmentBytes() * 8
	if max < 1<<20 {
		max = 1 << 20
	}
	return max
}

// ToolIndexHandler lists the callable tools.
func (s *Server) ToolIndexHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"tools": tool.Names()})
	}
}

// ToolsHandler dispatches POST /v1/tools/{tool}. The body is the tool's
// argument object; the response is the tool envelope. Tool-level failures
// stay in-band (isError), only an unknown tool or transport problem maps
// to an HTTP error.
func (s *Server) ToolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") && !strings.Contains(a, "*/*") {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{
				Code:    "VALIDATION_ERROR",
				Message: "not acceptable",
				Details: map[string]any{"accept": a},
			}})
			return
		}
		name := chi.URLParam(r, "tool")

		r.Body = http.MaxBytesReader(w, r.Body, s.maxToolBody())
		body, err := io.ReadAll(r.Body)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "VALIDATION_ERROR",
					Message: "payload too large",
					Details: map[string]any{"max_bytes": s.maxToolBody()},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("op=http.tools: read body: %v: %w", err, domain.ErrInvalidArgument), nil)
			return
		}

		res, err := s.Tools.Dispatch(r.Context(), name, json.RawMessage(body))
		if err != nil {
			writeError(w, r, err, map[string]string{"tool": name})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// HealthzHandler reports process liveness.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler probes the configured backends. Degraded mode (in-memory
// fallback) keeps the server ready but is reported so operators and load
// balancers can tell.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		probe("db", s.DBCheck)
		probe("redis", s.RedisCheck)
		probe("kafka", s.KafkaCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		mode := "ok"
		if s.Degraded != nil && s.Degraded() {
			mode = "degraded"
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks, "mode": mode})
	}
}
