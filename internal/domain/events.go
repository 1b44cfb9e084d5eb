package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the append-only job event log entries.
type EventType string

const (
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseComplete  EventType = "phase_complete"
	EventProgress       EventType = "progress"
	EventAgentProgress  EventType = "agent_progress"
	EventSynthesisChunk EventType = "synthesis_chunk"
	EventCacheHit       EventType = "cache_hit"
	EventJobComplete    EventType = "job_complete"
	EventJobError       EventType = "job_error"
	EventJobCancelled   EventType = "job_cancelled"
)

// Final reports whether the event type closes a job's event stream. Exactly
// one final event is appended per job.
func (t EventType) Final() bool {
	return t == EventJobComplete || t == EventJobError || t == EventJobCancelled
}

// Phase names the orchestrator pipeline stages.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseResearching  Phase = "researching"
	PhaseSynthesizing Phase = "synthesizing"
)

// JobEvent is one append-only log entry. Seq starts at 1 and increases by
// exactly one per event of the same job; entries are never rewritten.
type JobEvent struct {
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

type PhasePayload struct {
	Phase     Phase `json:"phase"`
	Iteration int   `json:"iteration,omitempty"`
}

type ProgressPayload struct {
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

type AgentProgressPayload struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	AgentID string `json:"agentId"`
	OK      bool   `json:"ok"`
}

type SynthesisChunkPayload struct {
	Content         string `json:"content"`
	TokensGenerated int    `json:"tokensGenerated"`
}

type CacheHitPayload struct {
	ReportID   string  `json:"reportId"`
	Similarity float64 `json:"similarity,omitempty"`
}

type JobCompletePayload struct {
	ReportID   string `json:"reportId"`
	DurationMs int64  `json:"durationMs"`
}

type JobErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type JobCancelledPayload struct {
	PartialReportID string `json:"partialReportId,omitempty"`
}

// MarshalEventPayload encodes an event payload for the log.
func MarshalEventPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=domain.marshal_event: %w", ErrInternal)
	}
	return b, nil
}
