package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount(t *testing.T) {
	t.Parallel()

	counter := NewCounter()

	tests := []struct {
		name     string
		text     string
		model    string
		minCount int
		maxCount int
	}{
		{
			name:     "simple text with gpt-4",
			text:     "Hello, world!",
			model:    "gpt-4",
			minCount: 3,
			maxCount: 5,
		},
		{
			name:     "longer text",
			text:     "The quick brown fox jumps over the lazy dog.",
			model:    "gpt-3.5-turbo",
			minCount: 8,
			maxCount: 12,
		},
		{
			name:     "provider-prefixed model",
			text:     "Hello, world!",
			model:    "meta-llama/llama-3.1-8b-instruct:free",
			minCount: 3,
			maxCount: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text, tt.model)
			assert.GreaterOrEqual(t, count, tt.minCount)
			assert.LessOrEqual(t, count, tt.maxCount)
		})
	}
}

func TestCount_Empty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, NewCounter().Count("", "gpt-4"))
}

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"gpt-4", "gpt-4"},
		{"gpt-4-turbo", "gpt-4"},
		{"gpt-3.5-turbo", "gpt-3.5-turbo"},
		{"openai/gpt-4o-mini", "gpt-4"},
		{"meta-llama/llama-3.1-8b-instruct:free", "gpt-4"},
		{"anthropic/claude-3-haiku", "gpt-4"},
		{"unknown-model", "gpt-4"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeModelName(tt.input))
		})
	}
}

func TestTrim_WithinBudgetUnchanged(t *testing.T) {
	t.Parallel()

	text := "short sentence"
	assert.Equal(t, text, NewCounter().Trim(text, "gpt-4", 100))
}

func TestTrim_CutsToBudget(t *testing.T) {
	t.Parallel()

	counter := NewCounter()
	long := strings.Repeat("This is a test sentence for trimming. ", 50)

	trimmed := counter.Trim(long, "gpt-4", 20)
	assert.Less(t, len(trimmed), len(long))
	assert.LessOrEqual(t, counter.Count(trimmed, "gpt-4"), 20)
	assert.True(t, strings.HasPrefix(long, trimmed))
}

func TestTrim_ZeroBudget(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", NewCounter().Trim("anything", "gpt-4", 0))
}

func TestDefaultCounterHelpers(t *testing.T) {
	t.Parallel()

	assert.Greater(t, Count("Hello, world!", "gpt-4"), 0)
	assert.Equal(t, "hi", Trim("hi", "gpt-4", 10))
}

func TestEncodingCacheStable(t *testing.T) {
	t.Parallel()

	counter := NewCounter()
	first := counter.Count("Hello", "gpt-4")
	second := counter.Count("Hello", "gpt-4")
	assert.Equal(t, first, second)
}
