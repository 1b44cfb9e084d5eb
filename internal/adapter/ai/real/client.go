// Package real implements the AI gateway against OpenAI-compatible chat and
// embedding APIs.
package real

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
	"github.com/fairyhunter13/deep-research/internal/domain"
)

const (
	errSnippetBytes   = 512
	maxRetryAfterWait = 30 * time.Second
)

// Client implements domain.AIGateway over HTTP. Chat and embeddings may be
// served by different providers, hence the two base URLs and HTTP clients.
type Client struct {
	cfg     config.Config
	chatHC  *http.Client
	embedHC *http.Client
}

var _ domain.AIGateway = (*Client)(nil)

// New constructs a gateway client with per-call timeouts from config.
func New(cfg config.Config) *Client {
	chatTimeout := cfg.ProviderTimeout
	if chatTimeout <= 0 {
		chatTimeout = 60 * time.Second
	}
	embedTimeout := 30 * time.Second
	if cfg.IsDev() {
		embedTimeout = 60 * time.Second
	}
	// Outbound provider calls join the request trace.
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &Client{
		cfg:     cfg,
		chatHC:  &http.Client{Timeout: chatTimeout, Transport: transport},
		embedHC: &http.Client{Timeout: embedTimeout, Transport: transport},
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// readSnippet drains up to n bytes of a response body for error context.
func readSnippet(r io.Reader, n int64) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return strings.TrimSpace(string(b))
}

// classifyStatus maps a non-2xx provider status to the retry taxonomy:
// 429 and 5xx are retryable, any other 4xx aborts immediately.
func classifyStatus(op string, resp *http.Response) error {
	snippet := readSnippet(resp.Body, errSnippetBytes)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s status 429 (%s): %w", op, snippet, domain.ErrProviderRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s status %d (%s): %w", op, resp.StatusCode, snippet, domain.ErrProviderUnavailable)
	default:
		return backoff.Permanent(fmt.Errorf("%s status %d (%s): %w", op, resp.StatusCode, snippet, domain.ErrProviderPermanent))
	}
}

func outcomeFor(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "upstream_error"
	default:
		return "rejected"
	}
}

func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		return time.Until(at)
	}
	return 0
}

// waitRetryAfter blocks for the provider's Retry-After hint, capped, unless
// ctx ends first. The exponential backoff still applies on top.
func waitRetryAfter(ctx context.Context, h string) {
	d := parseRetryAfter(h)
	if d <= 0 {
		return
	}
	if d > maxRetryAfterWait {
		d = maxRetryAfterWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// mapCtxErr folds context termination into the error taxonomy so callers see
// ErrTimeout or ErrCancelled instead of raw context errors.
func mapCtxErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("provider call: %w", domain.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("provider call: %w", domain.ErrCancelled)
	default:
		return err
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// wireMessages converts domain messages to the OpenAI shape. Messages with
// image attachments use the content-parts form.
func wireMessages(msgs []domain.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Images) == 0 {
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]map[string]any, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, map[string]any{"type": "text", "text": m.Content})
		}
		for _, img := range m.Images {
			iu := map[string]any{"url": img.URL}
			if img.Detail != "" {
				iu["detail"] = img.Detail
			}
			parts = append(parts, map[string]any{"type": "image_url", "image_url": iu})
		}
		out = append(out, wireMessage{Role: m.Role, Content: parts})
	}
	return out
}

func (c *Client) chatPayload(req domain.ChatRequest, stream bool) ([]byte, error) {
	body := map[string]any{
		"model":       req.Model,
		"messages":    wireMessages(req.Messages),
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Seed != nil {
		body["seed"] = *req.Seed
	}
	if req.ForceJSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	return json.Marshal(body)
}

func (c *Client) newChatRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AIBaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.AIAPIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
	}
	if c.cfg.AIReferer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.AIReferer)
	}
	if c.cfg.AITitle != "" {
		httpReq.Header.Set("X-Title", c.cfg.AITitle)
	}
	return httpReq, nil
}

// Chat performs one blocking chat completion with bounded retries.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	payload, err := c.chatPayload(req, false)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("marshal chat request: %w", err)
	}

	var out domain.ChatResponse
	op := func() error {
		start := time.Now()
		httpReq, err := c.newChatRequest(ctx, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.chatHC.Do(httpReq)
		observability.AIRequestDuration.WithLabelValues(req.Model, "chat").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat", "error").Inc()
			return fmt.Errorf("chat request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat", outcomeFor(resp.StatusCode)).Inc()
			slog.Warn("chat completion failed",
				slog.String("model", req.Model),
				slog.Int("status", resp.StatusCode))
			statusErr := classifyStatus("chat", resp)
			if resp.StatusCode == http.StatusTooManyRequests {
				waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
			}
			return statusErr
		}
		var body struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat", "error").Inc()
			return fmt.Errorf("decode chat response: %v: %w", err, domain.ErrProviderUnavailable)
		}
		if len(body.Choices) == 0 {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat", "error").Inc()
			return fmt.Errorf("chat returned no choices: %w", domain.ErrProviderUnavailable)
		}
		observability.AIRequestsTotal.WithLabelValues(req.Model, "chat", "ok").Inc()
		model := body.Model
		if model == "" {
			model = req.Model
		}
		out = domain.ChatResponse{
			Content: body.Choices[0].Message.Content,
			Model:   model,
			Usage: domain.ChatUsage{
				PromptTokens:     body.Usage.PromptTokens,
				CompletionTokens: body.Usage.CompletionTokens,
			},
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		return domain.ChatResponse{}, mapCtxErr(err)
	}
	return out, nil
}

// ChatStream performs one streaming chat completion. Retries apply only
// until the first delta is delivered; a stream broken after that surfaces
// to the caller, which owns any replay decision.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest, onDelta func(delta string) error) (domain.ChatResponse, error) {
	payload, err := c.chatPayload(req, true)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("marshal chat request: %w", err)
	}

	var out domain.ChatResponse
	delivered := false
	op := func() error {
		httpReq, err := c.newChatRequest(ctx, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		start := time.Now()
		resp, err := c.chatHC.Do(httpReq)
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat_stream", "error").Inc()
			return fmt.Errorf("chat stream request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat_stream", outcomeFor(resp.StatusCode)).Inc()
			statusErr := classifyStatus("chat stream", resp)
			if resp.StatusCode == http.StatusTooManyRequests {
				waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
			}
			return statusErr
		}
		got, err := consumeStream(resp.Body, req.Model, onDelta, &delivered)
		observability.AIRequestDuration.WithLabelValues(req.Model, "chat_stream").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues(req.Model, "chat_stream", "error").Inc()
			if delivered {
				// A partly consumed stream cannot be replayed.
				return backoff.Permanent(err)
			}
			return err
		}
		observability.AIRequestsTotal.WithLabelValues(req.Model, "chat_stream", "ok").Inc()
		out = got
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		return domain.ChatResponse{}, mapCtxErr(err)
	}
	return out, nil
}

// consumeStream reads "data:" SSE frames until [DONE] or EOF, forwarding
// content deltas to onDelta as they arrive.
func consumeStream(body io.Reader, model string, onDelta func(string) error, delivered *bool) (domain.ChatResponse, error) {
	var acc strings.Builder
	got := domain.ChatResponse{Model: model}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return got, fmt.Errorf("decode stream chunk: %v: %w", err, domain.ErrProviderUnavailable)
		}
		if chunk.Model != "" {
			got.Model = chunk.Model
		}
		if chunk.Usage != nil {
			got.Usage = domain.ChatUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" {
				continue
			}
			*delivered = true
			acc.WriteString(ch.Delta.Content)
			if err := onDelta(ch.Delta.Content); err != nil {
				return got, fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return got, fmt.Errorf("read stream: %v: %w", err, domain.ErrProviderUnavailable)
	}
	got.Content = acc.String()
	return got, nil
}

// Embed returns one vector per input text, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]any{
		"model": c.cfg.EmbeddingsModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var vecs [][]float32
	op := func() error {
		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EmbeddingsBaseURL+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build embed request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if key := c.embedAPIKey(); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := c.embedHC.Do(httpReq)
		observability.AIRequestDuration.WithLabelValues(c.cfg.EmbeddingsModel, "embed").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues(c.cfg.EmbeddingsModel, "embed", "error").Inc()
			return fmt.Errorf("embed request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			observability.AIRequestsTotal.WithLabelValues(c.cfg.EmbeddingsModel, "embed", outcomeFor(resp.StatusCode)).Inc()
			slog.Warn("embeddings call failed",
				slog.String("model", c.cfg.EmbeddingsModel),
				slog.Int("status", resp.StatusCode))
			statusErr := classifyStatus("embed", resp)
			if resp.StatusCode == http.StatusTooManyRequests {
				waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
			}
			return statusErr
		}
		var body struct {
			Data []struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			observability.AIRequestsTotal.WithLabelValues(c.cfg.EmbeddingsModel, "embed", "error").Inc()
			return fmt.Errorf("decode embed response: %v: %w", err, domain.ErrProviderUnavailable)
		}
		if len(body.Data) != len(texts) {
			observability.AIRequestsTotal.WithLabelValues(c.cfg.EmbeddingsModel, "embed", "error").Inc()
			return backoff.Permanent(fmt.Errorf("embed returned %d vectors for %d inputs: %w", len(body.Data), len(texts), domain.ErrProviderPermanent))
		}
		observability.AIRequestsTotal.WithLabelValues(c.cfg.EmbeddingsModel, "embed", "ok").Inc()
		vecs = make([][]float32, len(texts))
		for _, d := range body.Data {
			if d.Index < 0 || d.Index >= len(vecs) {
				return backoff.Permanent(fmt.Errorf("embed index %d out of range: %w", d.Index, domain.ErrProviderPermanent))
			}
			v := make([]float32, len(d.Embedding))
			for i, f := range d.Embedding {
				v[i] = float32(f)
			}
			vecs[d.Index] = v
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx)); err != nil {
		return nil, mapCtxErr(err)
	}
	return vecs, nil
}

func (c *Client) embedAPIKey() string {
	if c.cfg.EmbeddingsAPIKey != "" {
		return c.cfg.EmbeddingsAPIKey
	}
	return c.cfg.AIAPIKey
}
