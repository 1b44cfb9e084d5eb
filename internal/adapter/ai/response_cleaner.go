package ai

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ResponseCleaner recovers a JSON object from model output that wraps it in
// markdown fences or surrounding prose. It never touches the content of
// string values.
type ResponseCleaner struct{}

// NewResponseCleaner creates a new response cleaner.
func NewResponseCleaner() *ResponseCleaner {
	return &ResponseCleaner{}
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// CleanJSONResponse strips fences, extracts the first balanced JSON object
// and removes trailing commas. The result may still be invalid; callers
// decide whether to retry the model.
func (rc *ResponseCleaner) CleanJSONResponse(response string) string {
	response = rc.stripMarkdownFences(response)
	response = rc.extractJSONObject(response)
	if !rc.IsValidJSON(response) {
		response = trailingCommaRe.ReplaceAllString(response, "$1")
	}
	return response
}

// stripMarkdownFences removes ```json ... ``` wrappers.
func (rc *ResponseCleaner) stripMarkdownFences(response string) string {
	response = strings.TrimSpace(response)
	if after, ok := strings.CutPrefix(response, "```json"); ok {
		response = after
	} else if after, ok := strings.CutPrefix(response, "```"); ok {
		response = after
	}
	response = strings.TrimSuffix(strings.TrimSpace(response), "```")
	return strings.TrimSpace(response)
}

// extractJSONObject returns the first balanced {...} span, brace counting
// with awareness of strings and escapes.
func (rc *ResponseCleaner) extractJSONObject(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return response
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return response[start:]
}

// IsValidJSON checks if a string is valid JSON.
func (rc *ResponseCleaner) IsValidJSON(response string) bool {
	var tmp any
	return json.Unmarshal([]byte(response), &tmp) == nil
}

// CleanAndValidateJSON cleans the response and fails if it is still not
// valid JSON.
func (rc *ResponseCleaner) CleanAndValidateJSON(response string) (string, error) {
	cleaned := rc.CleanJSONResponse(response)
	if !rc.IsValidJSON(cleaned) {
		return "", &JSONValidationError{
			Original: response,
			Cleaned:  cleaned,
			Message:  "cleaned response is still not valid JSON",
		}
	}
	return cleaned, nil
}

// JSONValidationError reports a response that could not be repaired.
type JSONValidationError struct {
	Original string
	Cleaned  string
	Message  string
}

func (e *JSONValidationError) Error() string {
	return e.Message
}
