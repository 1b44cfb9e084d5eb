// Package tokencount provides token counting and trimming for provider
// calls, backed by tiktoken-go.
//
// Exact counts only exist for OpenAI tokenizers; other model families are
// approximated with cl100k_base, which is close enough for progress
// reporting and context budgeting.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// The default loader downloads BPE files at first use; the bundled offline
// loader keeps token counting deterministic and network-free.
func init() {
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

// Counter provides thread-safe token counting with cached encodings.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.String("normalized", normalized))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider-prefixed model ids
// ("openai/gpt-4o-mini", "meta-llama/llama-3.1-8b-instruct") to
// tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.Contains(model, "gpt-"):
		return "gpt-4"
	default:
		// Non-OpenAI families tokenize similarly enough for budgeting.
		return "gpt-4"
	}
}

// Count counts tokens in text for the given model. On encoder failure it
// falls back to a rough 4-characters-per-token estimate.
func (c *Counter) Count(text, model string) int {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Trim returns text cut down to at most maxTokens tokens. Text within the
// budget is returned unchanged.
func (c *Counter) Trim(text, model string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		// Estimate without an encoder.
		limit := maxTokens * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}

// Count uses the default counter.
func Count(text, model string) int {
	return DefaultCounter.Count(text, model)
}

// Trim uses the default counter.
func Trim(text, model string, maxTokens int) string {
	return DefaultCounter.Trim(text, model, maxTokens)
}
