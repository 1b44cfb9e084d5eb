package tool

import (
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// aliasTable maps accepted shorthand argument names to their canonical form,
// per tool. The same shorthand can land on different canonical names
// depending on the tool ("format" is the output format on submission but the
// render mode on retrieval; "id" is a job id or a report id).
var aliasTable = map[string]map[string]string{
	NameSubmitResearch: {
		"q":        "query",
		"cost":     "costPreference",
		"audience": "audienceLevel",
		"format":   "outputFormat",
	},
	NameJobStatus: {
		"id": "jobId",
	},
	NameCancelJob: {
		"id": "jobId",
	},
	NameGetReport: {
		"id":     "reportId",
		"format": "mode",
	},
	NameSearch: {
		"q": "query",
	},
	NameRateReport: {
		"id": "reportId",
	},
}

// normalizeArgs rewrites shorthand keys to their canonical names. A
// shorthand never overwrites an explicitly supplied canonical key; it is
// dropped instead. Absent or null args become an empty object so required
// checks fire during validation rather than during decoding.
func normalizeArgs(name string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("op=tool.normalize: arguments must be a JSON object: %w", domain.ErrInvalidArgument)
	}
	if m == nil {
		m = map[string]any{}
	}
	for alias, canonical := range aliasTable[name] {
		v, ok := m[alias]
		if !ok {
			continue
		}
		if _, exists := m[canonical]; !exists {
			m[canonical] = v
		}
		delete(m, alias)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("op=tool.normalize: %w", domain.ErrInternal)
	}
	return out, nil
}
