package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/catalog"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
	"github.com/kaptinlin/jsonschema"
)

const filterSchema = `{
	"type": "object",
	"required": ["filtered_sources"],
	"properties": {
		"filtered_sources": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source_id", "relevance_score"],
				"properties": {
					"source_id": {"type": "string"},
					"relevance_score": {"type": "number"},
					"reasoning": {"type": "string"}
				}
			}
		},
		"confidence_score": {"type": "number"}
	}
}`

// FilterResult is the relevance filter stage's output.
type FilterResult struct {
	FilteredSources []models.FilteredSource
	ConfidenceScore float64
	TokensUsed      int
	// SoftFailed is set when the reasoning call failed and the empty
	// fallback was substituted; the pipeline continues regardless.
	SoftFailed bool
}

// FilterStage narrows the catalog snapshot to sources plausibly
// relevant to the query with a single reasoning call.
type FilterStage struct {
	completer reasoning.Completer
	schema    *jsonschema.Schema
	logger    *zap.Logger
}

// NewFilterStage builds the filter stage.
func NewFilterStage(completer reasoning.Completer, logger *zap.Logger) *FilterStage {
	return &FilterStage{
		completer: completer,
		schema:    mustCompileSchema(filterSchema),
		logger:    logger,
	}
}

// Filter runs the stage. An empty catalog short-circuits without a
// reasoning call; a reasoning failure degrades to the same empty result
// rather than propagating an error.
func (s *FilterStage) Filter(ctx context.Context, query string, snap *catalog.Snapshot, history []models.ConversationTurn) FilterResult {
	if snap.Empty() {
		return FilterResult{FilteredSources: []models.FilteredSource{}, ConfidenceScore: 0.0}
	}

	start := time.Now()
	defer func() {
		metrics.StageLatency.WithLabelValues(agentFilter).Observe(time.Since(start).Seconds())
	}()

	var out struct {
		FilteredSources []struct {
			SourceID       string  `json:"source_id"`
			RelevanceScore float64 `json:"relevance_score"`
			Reasoning      string  `json:"reasoning"`
		} `json:"filtered_sources"`
		ConfidenceScore float64 `json:"confidence_score"`
	}
	tokens, err := completeStructured(ctx, s.completer, reasoning.Request{
		Stage:    agentFilter,
		Prompt:   s.prompt(query, snap, history),
		JSONMode: true,
	}, s.schema, &out)
	if err != nil {
		metrics.StageSoftFailures.WithLabelValues(agentFilter).Inc()
		s.logger.Warn("filter stage soft failure", zap.Error(err))
		return FilterResult{
			FilteredSources: []models.FilteredSource{},
			ConfidenceScore: 0.0,
			TokensUsed:      tokens,
			SoftFailed:      true,
		}
	}

	// Every returned source must exist in the snapshot; anything else
	// is hallucinated and dropped.
	filtered := make([]models.FilteredSource, 0, len(out.FilteredSources))
	seen := make(map[string]struct{}, len(out.FilteredSources))
	for _, fs := range out.FilteredSources {
		if _, ok := snap.ByID(fs.SourceID); !ok {
			s.logger.Warn("filter returned unknown source, dropping",
				zap.String("source_id", fs.SourceID))
			continue
		}
		if _, dup := seen[fs.SourceID]; dup {
			continue
		}
		seen[fs.SourceID] = struct{}{}
		filtered = append(filtered, models.FilteredSource{
			SourceID:       fs.SourceID,
			RelevanceScore: clamp01(fs.RelevanceScore),
			Reasoning:      fs.Reasoning,
		})
	}

	return FilterResult{
		FilteredSources: filtered,
		ConfidenceScore: clamp01(out.ConfidenceScore),
		TokensUsed:      tokens,
	}
}

func (s *FilterStage) prompt(query string, snap *catalog.Snapshot, history []models.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("Select the data sources relevant to the question.\n\n")
	if h := historyBlock(history, 6); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("Available sources:\n")
	for _, src := range snap.Sources {
		fmt.Fprintf(&b, "- id=%s kind=%s name=%q summary=%s\n", src.ID, src.Kind, src.Name, src.ContentSummary)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\n", query)
	b.WriteString(`Respond as JSON: {"filtered_sources": [{"source_id": "...", "relevance_score": 0.0, "reasoning": "..."}], "confidence_score": 0.0}`)
	return b.String()
}
