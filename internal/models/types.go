package models

import (
	"fmt"
	"time"
)

// SourceKind identifies the class of a data source. The set is closed:
// every consumer switches exhaustively over these values.
type SourceKind string

const (
	SourceKindRelational  SourceKind = "relational"
	SourceKindExternalAPI SourceKind = "external_api"
	SourceKindDocument    SourceKind = "document"
)

// ParseSourceKind validates a raw kind string at the catalog boundary.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case SourceKindRelational, SourceKindExternalAPI, SourceKindDocument:
		return SourceKind(s), nil
	default:
		return "", fmt.Errorf("unknown source kind %q", s)
	}
}

// Priorities assigned by the ranking stage
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Strategy modes
const (
	StrategySingleSource          = "single_source"
	StrategyMultiSourceParallel   = "multi_source_parallel"
	StrategyMultiSourceSequential = "multi_source_sequential"
)

// DataSourceDescriptor is one entry of a workspace's source catalog.
// Descriptors are an immutable snapshot for the lifetime of a query;
// the catalog collaborator refreshes them, never the pipeline.
type DataSourceDescriptor struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Kind           SourceKind `json:"kind"`
	Name           string     `json:"name"`
	ConnectionRef  string     `json:"connection_ref"`
	ContentSummary string     `json:"content_summary"`
}

// FilteredSource is the filter stage's verdict for one catalog entry.
type FilteredSource struct {
	SourceID       string  `json:"source_id"`
	RelevanceScore float64 `json:"relevance_score"`
	Reasoning      string  `json:"reasoning"`
}

// RankedSource is one entry of the ranking stage's ordered plan.
// Rank is 1-based and unique within a query.
type RankedSource struct {
	SourceID  string `json:"source_id"`
	Rank      int    `json:"rank"`
	Priority  string `json:"priority"`
	Reasoning string `json:"reasoning"`
}

// ProcessingStrategy is the query-scoped execution plan chosen by the
// ranking stage.
type ProcessingStrategy struct {
	Mode                string `json:"mode"`
	CombinationApproach string `json:"combination_approach"`
}

// SourceExecutionResult is the normalized envelope a coordinator returns
// for one (query, source) pair. It is written exactly once and never
// mutated afterwards.
type SourceExecutionResult struct {
	SourceID        string                 `json:"source_id"`
	Kind            SourceKind             `json:"kind"`
	Success         bool                   `json:"success"`
	Data            map[string]interface{} `json:"data,omitempty"`
	ErrorReason     string                 `json:"error_reason,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	TokensUsed      int                    `json:"tokens_used"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// SourceAttribution credits one source's contribution to the answer.
type SourceAttribution struct {
	SourceID     string `json:"source_id"`
	Contribution string `json:"contribution"`
}

// SynthesizedAnswer is the terminal artifact of a query and the only
// thing returned to the caller.
type SynthesizedAnswer struct {
	Content            string                 `json:"content"`
	SourceAttributions []SourceAttribution    `json:"source_attributions"`
	FollowUpQuestions  []string               `json:"follow_up_questions,omitempty"`
	TokensUsed         int                    `json:"tokens_used"`
	ConfidenceScore    float64                `json:"confidence_score"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationTurn is one prior exchange forwarded as context.
type ConversationTurn struct {
	Role       string    `json:"role"` // "user" or "assistant"
	Content    string    `json:"content"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// QueryRequest is the submit-boundary payload that starts a pipeline run.
type QueryRequest struct {
	Query               string             `json:"query"`
	WorkspaceID         string             `json:"workspace_id"`
	UserID              string             `json:"user_id"`
	AgentID             string             `json:"agent_id,omitempty"`
	ConversationHistory []ConversationTurn `json:"conversation_history,omitempty"`
	SelectedSourceIDs   []string           `json:"selected_source_ids,omitempty"`
	SessionID           string             `json:"session_id,omitempty"`
}

// Validate checks the fields the submit boundary rejects on.
func (r *QueryRequest) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// TokenBreakdown accumulates per-stage token usage for one query. It is
// handed off to the usage recorder in a single call after synthesis.
type TokenBreakdown struct {
	FilterTokens    int            `json:"filter_tokens"`
	RankTokens      int            `json:"rank_tokens"`
	SynthesisTokens int            `json:"synthesis_tokens"`
	ExecutionTokens map[string]int `json:"execution_tokens,omitempty"` // keyed by source ID
}

// Total returns the sum across all stages.
func (b TokenBreakdown) Total() int {
	total := b.FilterTokens + b.RankTokens + b.SynthesisTokens
	for _, n := range b.ExecutionTokens {
		total += n
	}
	return total
}
