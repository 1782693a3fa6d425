// Package executors holds the per-source-kind execution coordinators.
// A coordinator turns the query into one concrete fetch against one
// source and always returns a result envelope; no internal failure
// escapes its boundary.
package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// ExecutionContext carries the query-scoped extras a coordinator may use.
type ExecutionContext struct {
	SessionID           string
	ConversationHistory []models.ConversationTurn
	// CarryOver is the bounded summary of the previous source's result
	// under the sequential strategy; empty otherwise.
	CarryOver string
	// Progress, when set, reports coordinator progress (0-100).
	Progress func(pct int, msg string)
}

func (ec ExecutionContext) report(pct int, msg string) {
	if ec.Progress != nil {
		ec.Progress(pct, msg)
	}
}

// Coordinator executes the query against one source. Execute never
// returns an error: any internal failure is captured in the envelope
// with Success=false and an ErrorReason.
type Coordinator interface {
	Kind() models.SourceKind
	Execute(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) models.SourceExecutionResult
}

// RelationalResolver is the connection-pool collaborator contract for
// relational sources. The returned handle is owned by the pool; the
// core never closes or caches it across queries.
type RelationalResolver interface {
	Resolve(ctx context.Context, connectionRef string) (*sqlx.DB, error)
}

// APIEndpoint is a resolved external-API connection.
type APIEndpoint struct {
	URL       string
	AuthToken string // bearer token; empty for unauthenticated endpoints
}

// APIResolver resolves an external-API connection reference.
type APIResolver interface {
	Resolve(ctx context.Context, connectionRef string) (*APIEndpoint, error)
}

// DocumentExtract is the previously extracted text of an uploaded
// document.
type DocumentExtract struct {
	Title   string
	Content string
	Summary string
}

// DocumentResolver resolves a document connection reference to its
// extracted text. Resolution is in-process, no network.
type DocumentResolver interface {
	Resolve(ctx context.Context, connectionRef string) (*DocumentExtract, error)
}

// Registry maps source kinds to their coordinators. Lookup failure is a
// programming error surfaced as a failed envelope, not a panic.
type Registry struct {
	coordinators map[models.SourceKind]Coordinator
}

// NewRegistry builds a registry from the given coordinators.
func NewRegistry(coordinators ...Coordinator) *Registry {
	r := &Registry{coordinators: make(map[models.SourceKind]Coordinator, len(coordinators))}
	for _, c := range coordinators {
		r.coordinators[c.Kind()] = c
	}
	return r
}

// Execute dispatches to the coordinator for the source's kind.
func (r *Registry) Execute(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) models.SourceExecutionResult {
	c, ok := r.coordinators[source.Kind]
	if !ok {
		return failedResult(source, time.Now(), fmt.Sprintf("no coordinator registered for kind %q", source.Kind))
	}
	return c.Execute(ctx, source, query, ec)
}

func failedResult(source models.DataSourceDescriptor, start time.Time, reason string) models.SourceExecutionResult {
	return models.SourceExecutionResult{
		SourceID:        source.ID,
		Kind:            source.Kind,
		Success:         false,
		ErrorReason:     reason,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// timeoutReason maps a context error onto the envelope's error reason.
func timeoutReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
