package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFilterEmptyCatalogShortCircuits(t *testing.T) {
	fc := &fakeCompleter{}
	stage := NewFilterStage(fc, zap.NewNop())

	res := stage.Filter(context.Background(), "total sales?", testSnapshot(), nil)

	assert.Empty(t, res.FilteredSources)
	assert.False(t, res.SoftFailed)
	assert.Equal(t, 0, fc.calls, "empty catalog must not call the reasoning service")
}

func TestFilterSelectsRelevantSources(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{
		"filtered_sources": [
			{"source_id": "src-sales", "relevance_score": 0.95, "reasoning": "revenue tables"},
			{"source_id": "src-report", "relevance_score": 0.6, "reasoning": "quarterly review"}
		],
		"confidence_score": 0.9
	}`}}
	stage := NewFilterStage(fc, zap.NewNop())

	res := stage.Filter(context.Background(), "what were Q1 sales?", testSnapshot(salesSources()...), nil)

	require.Len(t, res.FilteredSources, 2)
	assert.Equal(t, "src-sales", res.FilteredSources[0].SourceID)
	assert.InDelta(t, 0.95, res.FilteredSources[0].RelevanceScore, 1e-9)
	assert.InDelta(t, 0.9, res.ConfidenceScore, 1e-9)
	assert.Equal(t, 1, fc.calls)
	assert.False(t, res.SoftFailed)
}

func TestFilterDropsHallucinatedAndDuplicateSources(t *testing.T) {
	fc := &fakeCompleter{responses: []string{`{
		"filtered_sources": [
			{"source_id": "src-sales", "relevance_score": 1.7},
			{"source_id": "src-sales", "relevance_score": 0.4},
			{"source_id": "src-made-up", "relevance_score": 0.9}
		],
		"confidence_score": -0.3
	}`}}
	stage := NewFilterStage(fc, zap.NewNop())

	res := stage.Filter(context.Background(), "sales?", testSnapshot(salesSources()...), nil)

	require.Len(t, res.FilteredSources, 1)
	assert.Equal(t, "src-sales", res.FilteredSources[0].SourceID)
	// Scores are clamped into [0,1].
	assert.Equal(t, 1.0, res.FilteredSources[0].RelevanceScore)
	assert.Equal(t, 0.0, res.ConfidenceScore)
}

func TestFilterSoftFailure(t *testing.T) {
	fc := &fakeCompleter{err: errReasoningDown}
	stage := NewFilterStage(fc, zap.NewNop())

	res := stage.Filter(context.Background(), "sales?", testSnapshot(salesSources()...), nil)

	assert.True(t, res.SoftFailed)
	assert.Empty(t, res.FilteredSources)
}

func TestFilterRetriesMalformedOutputOnce(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		`this is not json at all {{{`,
		`{"filtered_sources": [{"source_id": "src-sales", "relevance_score": 0.8}], "confidence_score": 0.8}`,
	}}
	stage := NewFilterStage(fc, zap.NewNop())

	res := stage.Filter(context.Background(), "sales?", testSnapshot(salesSources()...), nil)

	assert.Equal(t, 2, fc.calls)
	assert.False(t, res.SoftFailed)
	require.Len(t, res.FilteredSources, 1)
	assert.Equal(t, 20, res.TokensUsed, "both attempts' tokens are counted")
}
