package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

func salesResults() []models.SourceExecutionResult {
	return []models.SourceExecutionResult{
		{SourceID: "src-sales", Kind: models.SourceKindRelational, Success: true,
			Data: map[string]interface{}{"rows": []interface{}{map[string]interface{}{"total": 125000}}}},
		{SourceID: "src-crm", Kind: models.SourceKindExternalAPI, Success: false, ErrorReason: "timeout"},
		{SourceID: "src-report", Kind: models.SourceKindDocument, Success: true,
			Data: map[string]interface{}{"excerpt": "Q1 revenue grew 12%"}},
	}
}

func TestSynthesizeNoResultsShortCircuits(t *testing.T) {
	fc := &fakeCompleter{}
	stage := NewSynthesisStage(fc, zap.NewNop())

	ans := stage.Synthesize(context.Background(), "sales?", nil, nil)

	assert.Equal(t, NoDataAnswer, ans.Content)
	assert.Equal(t, 0.0, ans.ConfidenceScore)
	assert.Equal(t, "no_data", ans.Metadata["status"])
	assert.Equal(t, 0, fc.calls)
}

func TestSynthesizeAllFailedShortCircuits(t *testing.T) {
	fc := &fakeCompleter{}
	stage := NewSynthesisStage(fc, zap.NewNop())

	results := []models.SourceExecutionResult{
		{SourceID: "src-sales", Success: false, ErrorReason: "timeout"},
		{SourceID: "src-crm", Success: false, ErrorReason: "connection refused"},
	}
	ans := stage.Synthesize(context.Background(), "sales?", results, nil)

	assert.Equal(t, NoDataAnswer, ans.Content)
	assert.Equal(t, 2, ans.Metadata["sources_failed"])
	assert.Equal(t, 0, fc.calls)
}

func TestSynthesizeAttributionSoundness(t *testing.T) {
	// The model attributes a failed source and an invented one, and
	// forgets one successful source.
	fc := &fakeCompleter{responses: []string{`{
		"content": "Q1 sales were $125k, up 12%.",
		"source_attributions": [
			{"source_id": "src-sales", "contribution": "revenue total"},
			{"source_id": "src-crm", "contribution": "customer data"},
			{"source_id": "src-invented", "contribution": "nothing"}
		],
		"confidence_score": 0.85
	}`}}
	stage := NewSynthesisStage(fc, zap.NewNop())

	ans := stage.Synthesize(context.Background(), "sales?", salesResults(), nil)

	require.Len(t, ans.SourceAttributions, 2)
	got := map[string]bool{}
	for _, a := range ans.SourceAttributions {
		got[a.SourceID] = true
	}
	assert.True(t, got["src-sales"])
	assert.True(t, got["src-report"], "every successful source is attributed")
	assert.False(t, got["src-crm"], "failed sources are never attributed")
	assert.False(t, got["src-invented"])
	assert.Equal(t, "complete", ans.Metadata["status"])
	assert.Equal(t, 1, ans.Metadata["sources_failed"])
}

func TestSynthesizeSoftFailureDegrades(t *testing.T) {
	fc := &fakeCompleter{err: errReasoningDown}
	stage := NewSynthesisStage(fc, zap.NewNop())

	ans := stage.Synthesize(context.Background(), "sales?", salesResults(), nil)

	assert.Equal(t, "degraded", ans.Metadata["status"])
	assert.Contains(t, ans.Content, "src-sales")
	assert.Len(t, ans.SourceAttributions, 2)
	assert.Equal(t, 0.2, ans.ConfidenceScore)
}
