// Package usage accumulates per-query token consumption and hands it
// off to the usage-accounting collaborator in a single call. Billing
// and credit deduction live behind the Recorder; this package only
// reports.
package usage

import (
	"context"
	"sync"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// QueryContext identifies the query a usage record belongs to.
type QueryContext struct {
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id,omitempty"`
	Query       string `json:"query"`
}

// Recorder is the usage-accounting collaborator contract.
type Recorder interface {
	Record(ctx context.Context, userID string, breakdown models.TokenBreakdown, qctx QueryContext) error
}

// Accumulator gathers token counts across stages and coordinators for
// one query. Coordinator goroutines write concurrently; the snapshot is
// taken once after synthesis (or on the failure path) for the single
// Record handoff.
type Accumulator struct {
	mu        sync.Mutex
	breakdown models.TokenBreakdown
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{breakdown: models.TokenBreakdown{ExecutionTokens: map[string]int{}}}
}

// AddFilter adds tokens consumed by the filter stage.
func (a *Accumulator) AddFilter(n int) {
	a.mu.Lock()
	a.breakdown.FilterTokens += n
	a.mu.Unlock()
}

// AddRank adds tokens consumed by the ranking stage.
func (a *Accumulator) AddRank(n int) {
	a.mu.Lock()
	a.breakdown.RankTokens += n
	a.mu.Unlock()
}

// AddSynthesis adds tokens consumed by the synthesis stage.
func (a *Accumulator) AddSynthesis(n int) {
	a.mu.Lock()
	a.breakdown.SynthesisTokens += n
	a.mu.Unlock()
}

// AddExecution adds tokens consumed executing against one source.
func (a *Accumulator) AddExecution(sourceID string, n int) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	a.breakdown.ExecutionTokens[sourceID] += n
	a.mu.Unlock()
}

// Snapshot returns a copy of the current breakdown.
func (a *Accumulator) Snapshot() models.TokenBreakdown {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.breakdown
	out.ExecutionTokens = make(map[string]int, len(a.breakdown.ExecutionTokens))
	for k, v := range a.breakdown.ExecutionTokens {
		out.ExecutionTokens[k] = v
	}
	return out
}

// NopRecorder discards usage records; used in tests.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, models.TokenBreakdown, QueryContext) error {
	return nil
}
