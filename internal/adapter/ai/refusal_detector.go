package ai

import "strings"

// RefusalDetector flags completions where the model declined to answer so
// the research agent can record them as failed sub-queries instead of
// feeding boilerplate into synthesis.
type RefusalDetector struct{}

// NewRefusalDetector creates a new refusal detector.
func NewRefusalDetector() *RefusalDetector {
	return &RefusalDetector{}
}

// Refusals are detected lexically. Indicators are matched against the head
// of the response only; a long answer that merely quotes one of these
// phrases is not a refusal.
const refusalScanWindow = 280

var refusalIndicators = []string{
	"i'm sorry, but",
	"i am sorry, but",
	"i cannot",
	"i can't",
	"i can not",
	"i'm unable",
	"i am unable",
	"i won't be able",
	"i must decline",
	"i don't have access",
	"i do not have access",
	"as an ai",
	"unfortunately, i cannot",
	"unfortunately, i can't",
}

// IsRefusal reports whether the response opens with a refusal.
func (rd *RefusalDetector) IsRefusal(response string) bool {
	head := strings.ToLower(strings.TrimSpace(response))
	if head == "" {
		return false
	}
	if len(head) > refusalScanWindow {
		head = head[:refusalScanWindow]
	}
	for _, indicator := range refusalIndicators {
		if strings.Contains(head, indicator) {
			return true
		}
	}
	return false
}
