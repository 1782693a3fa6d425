package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
	"github.com/kaptinlin/jsonschema"
)

const rankSchema = `{
	"type": "object",
	"required": ["ranked_sources", "strategy"],
	"properties": {
		"ranked_sources": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source_id", "rank"],
				"properties": {
					"source_id": {"type": "string"},
					"rank": {"type": "integer"},
					"priority": {"type": "string"},
					"reasoning": {"type": "string"}
				}
			}
		},
		"strategy": {
			"type": "object",
			"required": ["mode"],
			"properties": {
				"mode": {"type": "string"},
				"combination_approach": {"type": "string"}
			}
		},
		"optimization_notes": {"type": "string"}
	}
}`

// RankResult is the ranking stage's output.
type RankResult struct {
	RankedSources     []models.RankedSource
	Strategy          models.ProcessingStrategy
	OptimizationNotes string
	TokensUsed        int
	SoftFailed        bool
}

// RankStage orders filtered sources and chooses the processing strategy
// with a single reasoning call.
type RankStage struct {
	completer reasoning.Completer
	schema    *jsonschema.Schema
	logger    *zap.Logger
}

// NewRankStage builds the ranking stage.
func NewRankStage(completer reasoning.Completer, logger *zap.Logger) *RankStage {
	return &RankStage{
		completer: completer,
		schema:    mustCompileSchema(rankSchema),
		logger:    logger,
	}
}

// Rank runs the stage. Empty input short-circuits deterministically to
// single_source with no reasoning call. A reasoning failure falls back
// to ranking all filtered sources in filter order.
func (s *RankStage) Rank(ctx context.Context, query string, filtered []models.FilteredSource, history []models.ConversationTurn) RankResult {
	if len(filtered) == 0 {
		return RankResult{
			RankedSources: []models.RankedSource{},
			Strategy:      models.ProcessingStrategy{Mode: models.StrategySingleSource},
		}
	}

	start := time.Now()
	defer func() {
		metrics.StageLatency.WithLabelValues(agentRank).Observe(time.Since(start).Seconds())
	}()

	var out struct {
		RankedSources []struct {
			SourceID  string `json:"source_id"`
			Rank      int    `json:"rank"`
			Priority  string `json:"priority"`
			Reasoning string `json:"reasoning"`
		} `json:"ranked_sources"`
		Strategy struct {
			Mode                string `json:"mode"`
			CombinationApproach string `json:"combination_approach"`
		} `json:"strategy"`
		OptimizationNotes string `json:"optimization_notes"`
	}
	tokens, err := completeStructured(ctx, s.completer, reasoning.Request{
		Stage:    agentRank,
		Prompt:   s.prompt(query, filtered, history),
		JSONMode: true,
	}, s.schema, &out)
	if err != nil {
		metrics.StageSoftFailures.WithLabelValues(agentRank).Inc()
		s.logger.Warn("rank stage soft failure, using filter order", zap.Error(err))
		return RankResult{
			RankedSources: fallbackRanking(filtered),
			Strategy:      defaultStrategy(len(filtered)),
			TokensUsed:    tokens,
			SoftFailed:    true,
		}
	}

	// Sanitize: drop unknown sources, normalize priorities, and repair
	// duplicate ranks by renumbering in filter order.
	filterOrder := make(map[string]int, len(filtered))
	for i, fs := range filtered {
		filterOrder[fs.SourceID] = i
	}

	ranked := make([]models.RankedSource, 0, len(out.RankedSources))
	seen := make(map[string]struct{}, len(out.RankedSources))
	ranksSeen := make(map[int]bool, len(out.RankedSources))
	duplicateRanks := false
	for _, rs := range out.RankedSources {
		if _, ok := filterOrder[rs.SourceID]; !ok {
			s.logger.Warn("rank returned unknown source, dropping",
				zap.String("source_id", rs.SourceID))
			continue
		}
		if _, dup := seen[rs.SourceID]; dup {
			continue
		}
		seen[rs.SourceID] = struct{}{}
		if ranksSeen[rs.Rank] {
			duplicateRanks = true
		}
		ranksSeen[rs.Rank] = true
		ranked = append(ranked, models.RankedSource{
			SourceID:  rs.SourceID,
			Rank:      rs.Rank,
			Priority:  normalizePriority(rs.Priority),
			Reasoning: rs.Reasoning,
		})
	}

	if len(ranked) == 0 {
		ranked = fallbackRanking(filtered)
	} else if duplicateRanks {
		// Tie-break rule: renumber by original filter order, never error.
		sort.SliceStable(ranked, func(i, j int) bool {
			return filterOrder[ranked[i].SourceID] < filterOrder[ranked[j].SourceID]
		})
		for i := range ranked {
			ranked[i].Rank = i + 1
		}
	} else {
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
		for i := range ranked {
			ranked[i].Rank = i + 1 // keep ranks dense after drops
		}
	}

	strategy := models.ProcessingStrategy{
		Mode:                normalizeMode(out.Strategy.Mode, len(ranked)),
		CombinationApproach: out.Strategy.CombinationApproach,
	}

	return RankResult{
		RankedSources:     ranked,
		Strategy:          strategy,
		OptimizationNotes: out.OptimizationNotes,
		TokensUsed:        tokens,
	}
}

func (s *RankStage) prompt(query string, filtered []models.FilteredSource, history []models.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("Order these data sources for answering the question and choose a processing strategy.\n")
	b.WriteString("Strategy modes: single_source, multi_source_parallel, multi_source_sequential (use sequential only when a later source needs an earlier source's result).\n\n")
	if h := historyBlock(history, 6); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("Filtered sources:\n")
	for _, fs := range filtered {
		fmt.Fprintf(&b, "- id=%s relevance=%.2f reasoning=%s\n", fs.SourceID, fs.RelevanceScore, fs.Reasoning)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\n", query)
	b.WriteString(`Respond as JSON: {"ranked_sources": [{"source_id": "...", "rank": 1, "priority": "high|medium|low", "reasoning": "..."}], "strategy": {"mode": "...", "combination_approach": "..."}, "optimization_notes": "..."}`)
	return b.String()
}

// fallbackRanking ranks all filtered sources in filter order with
// medium priority.
func fallbackRanking(filtered []models.FilteredSource) []models.RankedSource {
	ranked := make([]models.RankedSource, len(filtered))
	for i, fs := range filtered {
		ranked[i] = models.RankedSource{
			SourceID: fs.SourceID,
			Rank:     i + 1,
			Priority: models.PriorityMedium,
		}
	}
	return ranked
}

func defaultStrategy(n int) models.ProcessingStrategy {
	if n <= 1 {
		return models.ProcessingStrategy{Mode: models.StrategySingleSource}
	}
	return models.ProcessingStrategy{Mode: models.StrategyMultiSourceParallel}
}

func normalizePriority(p string) string {
	switch p {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
		return p
	default:
		return models.PriorityMedium
	}
}

func normalizeMode(mode string, n int) string {
	switch mode {
	case models.StrategySingleSource, models.StrategyMultiSourceParallel, models.StrategyMultiSourceSequential:
		if n <= 1 && mode != models.StrategySingleSource {
			return models.StrategySingleSource
		}
		return mode
	default:
		return defaultStrategy(n).Mode
	}
}
