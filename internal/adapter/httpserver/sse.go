package httpserver

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

const (
	defaultSSEHeartbeat = 15 * time.Second
	sseReplayPage       = 500
)

// JobEventsHandler streams a job's event log as Server-Sent Events.
// Stored events strictly after since_seq (or the Last-Event-ID header on
// reconnect) are replayed first, then live events follow. Every frame
// carries the sequence number as its SSE id, so a dropped connection
// resumes without gaps or duplicates. The stream ends after the final
// event.
func (s *Server) JobEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		sinceSeq, err := resumePoint(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if _, err := s.Jobs.Get(r.Context(), jobID); err != nil {
			writeError(w, r, err, map[string]string{"job_id": jobID})
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("op=http.events: streaming unsupported: %w", domain.ErrInternal), nil)
			return
		}

		// Streams outlive the server's write timeout; clear the deadline for
		// this connection only.
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			LoggerFrom(r).Warn("write deadline not cleared", slog.Any("error", err))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()

		// Subscribe before replaying so nothing emitted in between is lost;
		// the seq cursor deduplicates the overlap.
		live, unsubscribe := s.Jobs.Subscribe(jobID)
		defer unsubscribe()

		last, done, err := s.replayStored(ctx, w, jobID, sinceSeq)
		if err != nil {
			LoggerFrom(r).Warn("event replay aborted",
				slog.String("job_id", jobID), slog.Any("error", err))
			return
		}
		flusher.Flush()
		if done {
			return
		}

		hb := s.SSEHeartbeat
		if hb <= 0 {
			hb = defaultSSEHeartbeat
		}
		ticker := time.NewTicker(hb)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-live:
				if !open {
					// Closed on the final event or because this consumer fell
					// behind. The log has whatever the channel did not carry.
					if _, _, err := s.replayStored(ctx, w, jobID, last); err == nil {
						flusher.Flush()
					}
					return
				}
				if ev.Seq <= last {
					continue
				}
				if ev.Seq > last+1 {
					var err error
					if last, done, err = s.replayStored(ctx, w, jobID, last); err != nil || done {
						flusher.Flush()
						return
					}
					flusher.Flush()
					continue
				}
				writeSSEEvent(w, ev)
				flusher.Flush()
				last = ev.Seq
				if ev.Type.Final() {
					return
				}
			case <-ticker.C:
				_, _ = io.WriteString(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

// replayStored writes all persisted events after sinceSeq and reports the
// new cursor and whether a final event was written.
func (s *Server) replayStored(ctx domain.Context, w io.Writer, jobID string, sinceSeq int64) (int64, bool, error) {
	last := sinceSeq
	for {
		evs, err := s.Jobs.Events(ctx, jobID, last, sseReplayPage)
		if err != nil {
			return last, false, err
		}
		for _, ev := range evs {
			writeSSEEvent(w, ev)
			last = ev.Seq
			if ev.Type.Final() {
				return last, true, nil
			}
		}
		if len(evs) < sseReplayPage {
			return last, false, nil
		}
	}
}

func writeSSEEvent(w io.Writer, ev domain.JobEvent) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	// Payloads are single-line JSON, so one data field suffices.
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload)
}

// resumePoint picks the replay cursor: the standard Last-Event-ID header
// wins over the since_seq query parameter.
func resumePoint(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since_seq")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("op=http.events: since_seq must be a non-negative integer: %w", domain.ErrInvalidArgument)
	}
	return seq, nil
}
