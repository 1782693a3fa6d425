package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
	"github.com/kaptinlin/jsonschema"
)

// NoDataAnswer is the deterministic fallback content when no source
// produced a successful result.
const NoDataAnswer = "No relevant data sources were found for this question."

const synthesisSchema = `{
	"type": "object",
	"required": ["content"],
	"properties": {
		"content": {"type": "string"},
		"source_attributions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source_id"],
				"properties": {
					"source_id": {"type": "string"},
					"contribution": {"type": "string"}
				}
			}
		},
		"follow_up_questions": {"type": "array", "items": {"type": "string"}},
		"confidence_score": {"type": "number"}
	}
}`

// maxResultJSONChars bounds how much of one source's payload is inlined
// into the synthesis prompt.
const maxResultJSONChars = 6000

// SynthesisStage fuses the per-source result envelopes into the final
// answer with one reasoning call.
type SynthesisStage struct {
	completer reasoning.Completer
	schema    *jsonschema.Schema
	logger    *zap.Logger
}

// NewSynthesisStage builds the synthesis stage.
func NewSynthesisStage(completer reasoning.Completer, logger *zap.Logger) *SynthesisStage {
	return &SynthesisStage{
		completer: completer,
		schema:    mustCompileSchema(synthesisSchema),
		logger:    logger,
	}
}

// Synthesize runs the stage. With no successful results it
// short-circuits to the no-data answer without a reasoning call. Only
// the successful subset is sent to the reasoning service; failures are
// summarized in a single note to bound prompt size.
func (s *SynthesisStage) Synthesize(ctx context.Context, query string, results []models.SourceExecutionResult, history []models.ConversationTurn) *models.SynthesizedAnswer {
	successful := make([]models.SourceExecutionResult, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.Success {
			successful = append(successful, r)
		} else {
			failed++
		}
	}

	if len(successful) == 0 {
		return &models.SynthesizedAnswer{
			Content:            NoDataAnswer,
			SourceAttributions: []models.SourceAttribution{},
			ConfidenceScore:    0.0,
			Metadata: map[string]interface{}{
				"status":         "no_data",
				"sources_failed": failed,
			},
		}
	}

	start := time.Now()
	defer func() {
		metrics.StageLatency.WithLabelValues(agentSynthesis).Observe(time.Since(start).Seconds())
	}()

	var out struct {
		Content            string `json:"content"`
		SourceAttributions []struct {
			SourceID     string `json:"source_id"`
			Contribution string `json:"contribution"`
		} `json:"source_attributions"`
		FollowUpQuestions []string `json:"follow_up_questions"`
		ConfidenceScore   float64  `json:"confidence_score"`
	}
	tokens, err := completeStructured(ctx, s.completer, reasoning.Request{
		Stage:    agentSynthesis,
		Prompt:   s.prompt(query, successful, failed, history),
		JSONMode: true,
	}, s.schema, &out)
	if err != nil {
		metrics.StageSoftFailures.WithLabelValues(agentSynthesis).Inc()
		s.logger.Warn("synthesis stage soft failure", zap.Error(err))
		return s.degradedAnswer(successful, failed, tokens)
	}

	// Attribution soundness: attributions may only reference the
	// successful subset, and every successful source must appear.
	allowed := make(map[string]struct{}, len(successful))
	for _, r := range successful {
		allowed[r.SourceID] = struct{}{}
	}
	attributions := make([]models.SourceAttribution, 0, len(successful))
	attributed := make(map[string]struct{}, len(successful))
	for _, a := range out.SourceAttributions {
		if _, ok := allowed[a.SourceID]; !ok {
			s.logger.Warn("synthesis attributed unknown source, dropping",
				zap.String("source_id", a.SourceID))
			continue
		}
		if _, dup := attributed[a.SourceID]; dup {
			continue
		}
		attributed[a.SourceID] = struct{}{}
		attributions = append(attributions, models.SourceAttribution{
			SourceID:     a.SourceID,
			Contribution: a.Contribution,
		})
	}
	for _, r := range successful {
		if _, ok := attributed[r.SourceID]; !ok {
			attributions = append(attributions, models.SourceAttribution{
				SourceID:     r.SourceID,
				Contribution: "contributed data to the answer",
			})
		}
	}

	return &models.SynthesizedAnswer{
		Content:            out.Content,
		SourceAttributions: attributions,
		FollowUpQuestions:  out.FollowUpQuestions,
		TokensUsed:         tokens,
		ConfidenceScore:    clamp01(out.ConfidenceScore),
		Metadata: map[string]interface{}{
			"status":             "complete",
			"sources_successful": len(successful),
			"sources_failed":     failed,
		},
	}
}

// degradedAnswer presents the raw successful results when the synthesis
// call itself failed; weaker than a fused answer but better than none.
func (s *SynthesisStage) degradedAnswer(successful []models.SourceExecutionResult, failed, tokens int) *models.SynthesizedAnswer {
	attributions := make([]models.SourceAttribution, len(successful))
	var b strings.Builder
	b.WriteString("Data was retrieved but could not be synthesized into a narrative answer.\n")
	for i, r := range successful {
		attributions[i] = models.SourceAttribution{
			SourceID:     r.SourceID,
			Contribution: "returned data (unsynthesized)",
		}
		fmt.Fprintf(&b, "\nSource %s:\n%s\n", r.SourceID, compactJSON(r.Data, maxResultJSONChars))
	}
	return &models.SynthesizedAnswer{
		Content:            b.String(),
		SourceAttributions: attributions,
		TokensUsed:         tokens,
		ConfidenceScore:    0.2,
		Metadata: map[string]interface{}{
			"status":             "degraded",
			"sources_successful": len(successful),
			"sources_failed":     failed,
		},
	}
}

func (s *SynthesisStage) prompt(query string, successful []models.SourceExecutionResult, failed int, history []models.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("Synthesize one answer to the question from the retrieved data. Attribute each source's contribution.\n\n")
	if h := historyBlock(history, 6); h != "" {
		b.WriteString(h)
		b.WriteString("\n")
	}
	for _, r := range successful {
		fmt.Fprintf(&b, "Source %s (%s):\n%s\n\n", r.SourceID, r.Kind, compactJSON(r.Data, maxResultJSONChars))
	}
	if failed > 0 {
		fmt.Fprintf(&b, "Note: %d source(s) failed and returned no data.\n\n", failed)
	}
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	b.WriteString(`Respond as JSON: {"content": "...", "source_attributions": [{"source_id": "...", "contribution": "..."}], "follow_up_questions": ["..."], "confidence_score": 0.0}`)
	return b.String()
}

func compactJSON(v interface{}, limit int) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(b)
	if len(s) > limit {
		s = s[:limit] + "...(truncated)"
	}
	return s
}
