package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/catalog"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/config"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/executors"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/streaming"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/tracing"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/usage"
)

// Deps are the orchestrator's injected collaborators.
type Deps struct {
	Catalog   catalog.Reader
	Filter    *FilterStage
	Rank      *RankStage
	Synthesis *SynthesisStage
	Registry  *executors.Registry
	Streams   *streaming.Manager
	Recorder  usage.Recorder
	// Tunables returns the live pipeline configuration; hot-reloaded
	// values apply to subsequent queries.
	Tunables func() config.PipelineConfig
	Logger   *zap.Logger
}

// Orchestrator runs one query end to end: snapshot the catalog, filter,
// rank, fan out to the execution coordinators, synthesize, and publish
// lifecycle events to the streaming session throughout. Every stage
// failure is absorbed; the caller always receives a SynthesizedAnswer.
type Orchestrator struct {
	deps Deps
}

// NewOrchestrator validates deps and builds the orchestrator.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Filter == nil || deps.Rank == nil ||
		deps.Synthesis == nil || deps.Registry == nil || deps.Streams == nil ||
		deps.Recorder == nil || deps.Tunables == nil || deps.Logger == nil {
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	return &Orchestrator{deps: deps}, nil
}

// Run executes the pipeline for one query. req must already be
// validated and carry a session ID. Run never aborts mid-pipeline: a
// degraded answer is still an answer, and a panic anywhere in the
// pipeline is converted into one.
func (o *Orchestrator) Run(ctx context.Context, req models.QueryRequest) (answer *models.SynthesizedAnswer) {
	d := o.deps
	cfg := d.Tunables()
	sessionID := req.SessionID
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "pipeline.run")
	defer span.End()

	metrics.PipelinesStarted.Inc()
	d.Streams.AcquireWriter(sessionID)
	defer d.Streams.ReleaseWriter(sessionID)

	acc := usage.NewAccumulator()
	// Usage handoff is one atomic write, best-effort, and happens even
	// when the pipeline degraded along the way.
	defer func() {
		if rec := recover(); rec != nil {
			d.Logger.Error("pipeline panic",
				zap.Any("panic", rec),
				zap.String("session_id", sessionID),
				zap.ByteString("stack", debug.Stack()),
			)
			answer = &models.SynthesizedAnswer{
				Content:    "The query could not be completed due to an internal error.",
				TokensUsed: acc.Snapshot().Total(),
				Metadata:   map[string]interface{}{"status": "degraded", "reason": "internal error"},
			}
			d.Streams.Publish(sessionID, streaming.FinalResult(sessionID, answer))
			metrics.RecordPipelineMetrics("unknown", "degraded", time.Since(start).Seconds(), answer.TokensUsed)
		}
	}()

	defer func() {
		breakdown := acc.Snapshot()
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.Recorder.Record(recordCtx, req.UserID, breakdown, usage.QueryContext{
			SessionID:   sessionID,
			WorkspaceID: req.WorkspaceID,
			AgentID:     req.AgentID,
			Query:       req.Query,
		}); err != nil {
			d.Logger.Warn("usage handoff failed", zap.Error(err), zap.String("session_id", sessionID))
		}
	}()

	// Catalog snapshot. A catalog failure is not fatal: the pipeline
	// continues with an empty snapshot and produces the no-data answer.
	snap, err := catalog.Take(ctx, d.Catalog, req.WorkspaceID, req.SelectedSourceIDs)
	if err != nil {
		d.Logger.Warn("catalog snapshot failed, continuing with empty catalog",
			zap.Error(err), zap.String("workspace_id", req.WorkspaceID))
		snap = catalog.NewSnapshot(req.WorkspaceID, nil, time.Now())
	}

	// Stage: filter
	d.Streams.Publish(sessionID, streaming.AgentStart(sessionID, agentFilter))
	fr := d.Filter.Filter(ctx, req.Query, snap, req.ConversationHistory)
	acc.AddFilter(fr.TokensUsed)
	if fr.SoftFailed {
		d.Streams.Publish(sessionID, streaming.AgentError(sessionID, agentFilter, "relevance filtering degraded"))
	} else {
		d.Streams.Publish(sessionID, streaming.AgentComplete(sessionID, agentFilter))
	}

	// Stage: rank
	d.Streams.Publish(sessionID, streaming.AgentStart(sessionID, agentRank))
	rr := d.Rank.Rank(ctx, req.Query, fr.FilteredSources, req.ConversationHistory)
	acc.AddRank(rr.TokensUsed)
	if rr.SoftFailed {
		d.Streams.Publish(sessionID, streaming.AgentError(sessionID, agentRank, "ranking degraded"))
	} else {
		d.Streams.Publish(sessionID, streaming.AgentComplete(sessionID, agentRank))
	}

	// Stage: execute
	results := o.execute(ctx, cfg, snap, rr, req, acc)

	// Stage: synthesize
	d.Streams.Publish(sessionID, streaming.AgentStart(sessionID, agentSynthesis))
	answer = d.Synthesis.Synthesize(ctx, req.Query, results, req.ConversationHistory)
	acc.AddSynthesis(answer.TokensUsed)
	if status, _ := answer.Metadata["status"].(string); status == "degraded" {
		d.Streams.Publish(sessionID, streaming.AgentError(sessionID, agentSynthesis, "synthesis degraded"))
	} else {
		d.Streams.Publish(sessionID, streaming.AgentComplete(sessionID, agentSynthesis))
	}
	answer.TokensUsed = acc.Snapshot().Total()

	d.Streams.Publish(sessionID, streaming.FinalResult(sessionID, answer))

	status, _ := answer.Metadata["status"].(string)
	if status == "" {
		status = "complete"
	}
	metrics.RecordPipelineMetrics(rr.Strategy.Mode, status, time.Since(start).Seconds(), answer.TokensUsed)
	d.Logger.Info("pipeline completed",
		zap.String("session_id", sessionID),
		zap.String("strategy", rr.Strategy.Mode),
		zap.String("status", status),
		zap.Int("sources_ranked", len(rr.RankedSources)),
		zap.Int("tokens_used", answer.TokensUsed),
		zap.Duration("duration", time.Since(start)),
	)
	return answer
}

// execute fans the query out to coordinators per the chosen strategy
// and fans all envelopes back in. Exactly one envelope per dispatched
// source, regardless of success.
func (o *Orchestrator) execute(ctx context.Context, cfg config.PipelineConfig, snap *catalog.Snapshot, rr RankResult, req models.QueryRequest, acc *usage.Accumulator) []models.SourceExecutionResult {
	ranked := rr.RankedSources
	if len(ranked) == 0 {
		return nil
	}

	switch rr.Strategy.Mode {
	case models.StrategySingleSource:
		res := o.executeOne(ctx, cfg, snap, ranked[0], req, acc, "")
		return []models.SourceExecutionResult{res}

	case models.StrategyMultiSourceSequential:
		results := make([]models.SourceExecutionResult, 0, len(ranked))
		carryOver := ""
		for _, rs := range ranked {
			res := o.executeOne(ctx, cfg, snap, rs, req, acc, carryOver)
			results = append(results, res)
			if res.Success {
				// Later sources see a bounded summary of this result,
				// never the unbounded payload.
				carryOver = compactJSON(res.Data, cfg.CarryOverLimitChars)
			}
		}
		return results

	case models.StrategyMultiSourceParallel:
		fallthrough
	default:
		// One slot per source, each written exactly once by its own
		// goroutine; no other shared mutable state.
		results := make([]models.SourceExecutionResult, len(ranked))
		sem := make(chan struct{}, maxParallel(cfg))
		var wg sync.WaitGroup
		for i, rs := range ranked {
			wg.Add(1)
			go func(i int, rs models.RankedSource) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[i] = o.executeOne(ctx, cfg, snap, rs, req, acc, "")
			}(i, rs)
		}
		wg.Wait()
		return results
	}
}

// executeOne dispatches a single source to its coordinator under the
// per-source timeout, emitting lifecycle events keyed by the source ID.
func (o *Orchestrator) executeOne(ctx context.Context, cfg config.PipelineConfig, snap *catalog.Snapshot, rs models.RankedSource, req models.QueryRequest, acc *usage.Accumulator, carryOver string) (res models.SourceExecutionResult) {
	d := o.deps
	sessionID := req.SessionID

	// Coordinators run on their own goroutines under the parallel
	// strategy; a panic there must become a failed envelope, not a
	// process crash.
	defer func() {
		if rec := recover(); rec != nil {
			d.Logger.Error("coordinator panic",
				zap.Any("panic", rec),
				zap.String("source_id", rs.SourceID),
				zap.ByteString("stack", debug.Stack()),
			)
			res = models.SourceExecutionResult{
				SourceID:    rs.SourceID,
				Success:     false,
				ErrorReason: "internal error",
			}
			d.Streams.Publish(sessionID, streaming.AgentError(sessionID, rs.SourceID, res.ErrorReason))
		}
	}()

	source, ok := snap.ByID(rs.SourceID)
	if !ok {
		// Ranked sources are validated against the snapshot upstream;
		// reaching this means a stage bug, surfaced as a failed envelope.
		return models.SourceExecutionResult{
			SourceID:    rs.SourceID,
			Success:     false,
			ErrorReason: "source missing from catalog snapshot",
		}
	}

	timeout := cfg.SourceTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.Streams.Publish(sessionID, streaming.AgentStart(sessionID, rs.SourceID))
	res = d.Registry.Execute(execCtx, *source, req.Query, executors.ExecutionContext{
		SessionID:           sessionID,
		ConversationHistory: req.ConversationHistory,
		CarryOver:           carryOver,
		Progress: func(pct int, msg string) {
			d.Streams.Publish(sessionID, streaming.AgentProgress(sessionID, rs.SourceID, pct, msg))
		},
	})
	acc.AddExecution(rs.SourceID, res.TokensUsed)

	if res.Success {
		d.Streams.Publish(sessionID, streaming.AgentComplete(sessionID, rs.SourceID))
	} else {
		d.Streams.Publish(sessionID, streaming.AgentError(sessionID, rs.SourceID, res.ErrorReason))
	}
	return res
}

func maxParallel(cfg config.PipelineConfig) int {
	if cfg.MaxParallelSources > 0 {
		return cfg.MaxParallelSources
	}
	return 8
}
