package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanJSONResponse_StripsFences(t *testing.T) {
	rc := NewResponseCleaner()
	in := "```json\n{\"done\": true}\n```"
	out, err := rc.CleanAndValidateJSON(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"done": true}`, out)
}

func TestCleanJSONResponse_ExtractsFromProse(t *testing.T) {
	rc := NewResponseCleaner()
	in := `Here is the plan you asked for: {"subQueries": [{"query": "a"}], "done": false} Hope that helps!`
	out, err := rc.CleanAndValidateJSON(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subQueries": [{"query": "a"}], "done": false}`, out)
}

func TestCleanJSONResponse_BracesInsideStrings(t *testing.T) {
	rc := NewResponseCleaner()
	in := `{"query": "what does {x} mean?", "note": "it's fine"}`
	out, err := rc.CleanAndValidateJSON(in)
	require.NoError(t, err)
	assert.JSONEq(t, in, out)
}

func TestCleanJSONResponse_TrailingCommas(t *testing.T) {
	rc := NewResponseCleaner()
	in := `{"items": ["a", "b",], "done": true,}`
	out, err := rc.CleanAndValidateJSON(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items": ["a", "b"], "done": true}`, out)
}

func TestCleanAndValidateJSON_Unrecoverable(t *testing.T) {
	rc := NewResponseCleaner()
	_, err := rc.CleanAndValidateJSON("no json here at all")
	require.Error(t, err)
	var verr *JSONValidationError
	assert.ErrorAs(t, err, &verr)
}
