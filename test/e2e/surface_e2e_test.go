//go:build e2e

// Surface checks: tool discovery, validation and error envelopes, hybrid
// search, and the SSE event stream with resume.
package e2e_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestE2E_ToolIndex(t *testing.T) {
	client := &http.Client{Timeout: e2eHTTPTimeout}
	waitForServerReady(t, client, e2eReadyTimeout)

	resp, err := client.Get(baseURL + "/v1/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var index struct {
		Tools []string `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&index))
	require.ElementsMatch(t, []string{
		"submit_research", "job_status", "cancel_job", "get_report", "search", "rate_report",
	}, index.Tools)
}

func TestE2E_ErrorEnvelopes(t *testing.T) {
	client := &http.Client{Timeout: e2eHTTPTimeout}
	waitForServerReady(t, client, e2eReadyTimeout)

	// Tool-level failures stay inside the envelope with a stable code.
	payload, isErr := callTool(t, client, "submit_research", map[string]any{"query": "hi"})
	require.True(t, isErr)
	require.Equal(t, "VALIDATION_ERROR", str(payload, "code"))

	payload, isErr = callTool(t, client, "job_status", map[string]any{"jobId": "no-such-job"})
	require.True(t, isErr)
	require.Equal(t, "NOT_FOUND", str(payload, "code"))

	payload, isErr = callTool(t, client, "rate_report", map[string]any{"reportId": "x", "rating": 9})
	require.True(t, isErr)
	require.Equal(t, "VALIDATION_ERROR", str(payload, "code"))

	payload, isErr = callTool(t, client, "search", map[string]any{"query": "anything", "scope": "everywhere"})
	require.True(t, isErr)
	require.Equal(t, "VALIDATION_ERROR", str(payload, "code"))

	// Only an unknown tool name is a transport-level error.
	resp, err := client.Post(baseURL+"/v1/tools/no_such_tool", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, "NOT_FOUND", envelope.Error.Code)
}

func TestE2E_SearchShape(t *testing.T) {
	client := &http.Client{Timeout: e2eHTTPTimeout}
	waitForServerReady(t, client, e2eReadyTimeout)

	for _, scope := range []string{"both", "reports", "docs"} {
		payload, isErr := callTool(t, client, "search", map[string]any{
			"query": "distributed consensus",
			"scope": scope,
			"limit": 5,
		})
		require.False(t, isErr, "search scope=%s failed: %v", scope, payload)
		require.Equal(t, scope, str(payload, "scope"))

		count, ok := payload["count"].(float64)
		require.True(t, ok, "count missing: %v", payload)
		hits, _ := payload["hits"].([]any)
		require.Len(t, hits, int(count))
		for _, h := range hits {
			hit, ok := h.(map[string]any)
			require.True(t, ok)
			require.NotEmpty(t, str(hit, "id"))
			require.NotEmpty(t, str(hit, "sourceType"))
			require.NotEmpty(t, str(hit, "snippet"))
		}
	}
}

// sseFrame is one parsed event from the stream.
type sseFrame struct {
	ID    int64
	Event string
	Data  string
}

// readStream consumes the job event stream until the server closes it or ctx
// expires, skipping heartbeat comments.
func readStream(t *testing.T, ctx context.Context, path string, lastEventID string) []sseFrame {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	// No client timeout: the stream lives until the job's final event.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			cur.ID = id
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	// A deadline hit surfaces as a scanner error; the caller's assertions on
	// the collected frames decide whether that matters.
	return frames
}

func isFinalEvent(name string) bool {
	return name == "job_complete" || name == "job_error" || name == "job_cancelled"
}

func TestE2E_EventStreamFollowsJob(t *testing.T) {
	client := &http.Client{Timeout: e2eHTTPTimeout}
	waitForServerReady(t, client, e2eReadyTimeout)

	sub := submitResearch(t, client, map[string]any{
		"query":    "notable uses of formal methods in industry (" + nonce() + ")",
		"forceNew": true,
	})
	ssePath := str(sub, "sseUrl")
	require.NotEmpty(t, ssePath)

	ctx, cancel := context.WithTimeout(context.Background(), e2eJobTimeout)
	defer cancel()
	frames := readStream(t, ctx, ssePath, "")
	require.NotEmpty(t, frames, "stream closed without any events")

	for i := 1; i < len(frames); i++ {
		require.Greater(t, frames[i].ID, frames[i-1].ID, "event ids must be strictly increasing")
	}
	last := frames[len(frames)-1]
	require.True(t, isFinalEvent(last.Event), "stream ended on %q, not a final event", last.Event)
	require.NotEmpty(t, last.Data)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.Data), &body))

	// Reconnecting with Last-Event-ID replays everything after the cursor
	// and closes at the final event again.
	resumeFrom := frames[0].ID
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel2()
	replay := readStream(t, ctx2, ssePath, strconv.FormatInt(resumeFrom, 10))
	require.NotEmpty(t, replay)
	require.Greater(t, replay[0].ID, resumeFrom, "replay must start strictly after the cursor")
	require.True(t, isFinalEvent(replay[len(replay)-1].Event))
	require.Len(t, replay, len(frames)-1, "replay after the first event should carry the rest")
}
