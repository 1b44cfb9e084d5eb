//go:build e2e

// Package e2e_test drives a running research server through its public HTTP
// surface: the tool dispatch endpoint, the job event stream, and the health
// probes. Point RESEARCH_API_URL at the server (default http://localhost:8080)
// and run:
//
//	go test -tags e2e -timeout 10m ./test/e2e/...
//
// The suite is written to be safe to run repeatedly: queries carry a nonce so
// fingerprint dedup never reuses a job from an earlier run unless a test asks
// for exactly that, and provider-constrained failures are tolerated where the
// behavior under test does not depend on a completed report.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	// e2eJobTimeout is the longest a single research job may take before the
	// test gives up on it. Generous for real providers, far above stub time.
	e2eJobTimeout = 120 * time.Second

	// e2eHTTPTimeout bounds individual tool calls.
	e2eHTTPTimeout = 15 * time.Second

	// e2eReadyTimeout is the longest to wait for the server to come up.
	e2eReadyTimeout = 60 * time.Second

	// e2ePollInterval paces job_status polling.
	e2ePollInterval = 500 * time.Millisecond
)

var baseURL = getenv("RESEARCH_API_URL", "http://localhost:8080")

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// nonce tags a query so fingerprint dedup stays scoped to this run.
func nonce() string {
	return fmt.Sprintf("run %d", time.Now().UnixNano())
}

// toolEnvelope mirrors the {content, isError} envelope every tool returns.
type toolEnvelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// callTool posts args to /v1/tools/{name} and decodes the text block into a
// generic map. Transport-level 429s from the per-IP limiter are retried
// briefly; everything else must be HTTP 200, tool-level failures ride inside
// the envelope and are returned as (payload, true).
func callTool(t *testing.T, client *http.Client, name string, args map[string]any) (map[string]any, bool) {
	t.Helper()

	body, err := json.Marshal(args)
	require.NoError(t, err)

	for attempt := 0; attempt < 6; attempt++ {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/tools/"+name, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		require.Equal(t, http.StatusOK, resp.StatusCode, "tool %s", name)

		var env toolEnvelope
		err = json.NewDecoder(resp.Body).Decode(&env)
		_ = resp.Body.Close()
		require.NoError(t, err)
		require.NotEmpty(t, env.Content, "tool %s returned an empty envelope", name)

		payload := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(env.Content[0].Text), &payload),
			"tool %s text block is not JSON: %s", name, env.Content[0].Text)
		return payload, env.IsError
	}
	t.Fatalf("tool %s still rate limited after retries", name)
	return nil, false
}

// str reads a string field out of a decoded payload, empty when absent.
func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// waitForServerReady polls /healthz until the server answers.
func waitForServerReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("server at %s not ready within %s", baseURL, timeout)
}

// submitResearch runs submit_research and returns the response payload.
func submitResearch(t *testing.T, client *http.Client, args map[string]any) map[string]any {
	t.Helper()
	payload, isErr := callTool(t, client, "submit_research", args)
	require.False(t, isErr, "submit_research failed: %v", payload)
	require.NotEmpty(t, str(payload, "jobId"), "submit_research returned no job id: %v", payload)
	return payload
}

// waitForTerminal polls job_status (format full) until the job reaches a
// terminal status and returns the last status payload.
func waitForTerminal(t *testing.T, client *http.Client, jobID string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]any
	for time.Now().Before(deadline) {
		payload, isErr := callTool(t, client, "job_status", map[string]any{"jobId": jobID, "format": "full"})
		require.False(t, isErr, "job_status failed: %v", payload)
		last = payload
		switch str(payload, "status") {
		case "succeeded", "failed", "cancelled":
			return payload
		}
		time.Sleep(e2ePollInterval)
	}
	t.Fatalf("job %s not terminal within %s, last status: %v", jobID, timeout, last)
	return nil
}

// providerConstrained reports whether a failed job died on provider pressure
// rather than a bug. Those failures are acceptable in shared environments.
func providerConstrained(payload map[string]any) bool {
	retryable, _ := payload["retryable"].(bool)
	return retryable
}
