package reasoning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerSchema = `{
	"type": "object",
	"required": ["answer"],
	"properties": {
		"answer": {"type": "string"},
		"score": {"type": "number"}
	}
}`

func TestDecodeStructuredPlainJSON(t *testing.T) {
	schema, err := CompileSchema(answerSchema)
	require.NoError(t, err)

	var out struct {
		Answer string  `json:"answer"`
		Score  float64 `json:"score"`
	}
	err = DecodeStructured(`{"answer": "42", "score": 0.9}`, schema, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.Answer)
	assert.Equal(t, 0.9, out.Score)
}

func TestDecodeStructuredStripsCodeFences(t *testing.T) {
	schema, err := CompileSchema(answerSchema)
	require.NoError(t, err)

	var out struct {
		Answer string `json:"answer"`
	}
	text := "```json\n{\"answer\": \"fenced\"}\n```"
	require.NoError(t, DecodeStructured(text, schema, &out))
	assert.Equal(t, "fenced", out.Answer)
}

func TestDecodeStructuredRepairsAlmostJSON(t *testing.T) {
	schema, err := CompileSchema(answerSchema)
	require.NoError(t, err)

	var out struct {
		Answer string `json:"answer"`
	}
	// Trailing comma and single quotes: invalid JSON a model emits often.
	require.NoError(t, DecodeStructured(`{'answer': 'repaired',}`, schema, &out))
	assert.Equal(t, "repaired", out.Answer)
}

func TestDecodeStructuredSchemaViolation(t *testing.T) {
	schema, err := CompileSchema(answerSchema)
	require.NoError(t, err)

	var out struct {
		Answer string `json:"answer"`
	}
	err = DecodeStructured(`{"score": 0.5}`, schema, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestDecodeStructuredNilSchemaSkipsValidation(t *testing.T) {
	var out map[string]interface{}
	require.NoError(t, DecodeStructured(`{"anything": true}`, nil, &out))
	assert.Equal(t, true, out["anything"])
}
