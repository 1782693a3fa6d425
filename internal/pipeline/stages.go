// Package pipeline contains the reasoning stages and the orchestrator
// that sequences them: filter -> rank -> execute -> synthesize, with
// lifecycle events published to the streaming session along the way.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
)

// Stage agent names used in streaming events.
const (
	agentFilter    = "filter"
	agentRank      = "rank"
	agentSynthesis = "synthesis"
)

// completeStructured issues one completion and decodes its structured
// output. A malformed response is retried exactly once (fresh
// completion); the second failure is returned to the caller, which
// substitutes its deterministic fallback.
func completeStructured(ctx context.Context, c reasoning.Completer, req reasoning.Request, schema *jsonschema.Schema, v interface{}) (int, error) {
	tokens := 0
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, err := c.Complete(ctx, req)
		if err != nil {
			return tokens, err
		}
		tokens += result.TokensUsed
		if err := reasoning.DecodeStructured(result.Text, schema, v); err != nil {
			lastErr = err
			continue
		}
		return tokens, nil
	}
	return tokens, fmt.Errorf("structured output malformed after retry: %w", lastErr)
}

// historyBlock renders recent conversation turns for a prompt; empty
// history renders empty.
func historyBlock(history []models.ConversationTurn, maxTurns int) string {
	if len(history) == 0 {
		return ""
	}
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	return b.String()
}

func mustCompileSchema(doc string) *jsonschema.Schema {
	schema, err := reasoning.CompileSchema(doc)
	if err != nil {
		panic(fmt.Sprintf("compile stage schema: %v", err))
	}
	return schema
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
