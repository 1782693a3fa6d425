package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

const maxExcerptChars = 4000

// DocumentCoordinator answers the query from previously extracted
// document text. The lookup is in-process with no network call, which
// makes it the fastest path and the fallback when a workspace has no
// live connections.
type DocumentCoordinator struct {
	resolver DocumentResolver
	logger   *zap.Logger
}

// NewDocumentCoordinator builds the document coordinator.
func NewDocumentCoordinator(resolver DocumentResolver, logger *zap.Logger) *DocumentCoordinator {
	return &DocumentCoordinator{resolver: resolver, logger: logger}
}

func (c *DocumentCoordinator) Kind() models.SourceKind { return models.SourceKindDocument }

// Execute implements Coordinator.
func (c *DocumentCoordinator) Execute(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) (res models.SourceExecutionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(source, start, fmt.Sprintf("panic: %v", r))
		}
		status := "ok"
		if !res.Success {
			status = "error"
		}
		metrics.RecordSourceExecution(string(models.SourceKindDocument), status, float64(res.ExecutionTimeMs))
	}()

	ec.report(20, "loading extracted text")
	extract, err := c.resolver.Resolve(ctx, source.ConnectionRef)
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("resolve document: %v", err))
	}

	ec.report(70, "selecting excerpt")
	excerpt := relevantExcerpt(extract.Content, query, maxExcerptChars)

	return models.SourceExecutionResult{
		SourceID:        source.ID,
		Kind:            models.SourceKindDocument,
		Success:         true,
		Data: map[string]interface{}{
			"title":   extract.Title,
			"summary": extract.Summary,
			"excerpt": excerpt,
		},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Metadata: map[string]interface{}{
			"content_chars": len(extract.Content),
			"excerpt_chars": len(excerpt),
		},
	}
}

// relevantExcerpt returns up to limit chars of content, preferring the
// window around the first occurrence of a query term. Plain substring
// matching is deliberate: document search quality lives in the external
// extraction collaborator, not here.
func relevantExcerpt(content, query string, limit int) string {
	if len(content) <= limit {
		return content
	}
	lower := strings.ToLower(content)
	best := -1
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if len(term) < 4 {
			continue
		}
		if i := strings.Index(lower, term); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	if best < 0 {
		return content[:limit]
	}
	start := best - limit/4
	if start < 0 {
		start = 0
	}
	end := start + limit
	if end > len(content) {
		end = len(content)
		start = end - limit
	}
	return content[start:end]
}
