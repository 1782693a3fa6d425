package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/tracing"
)

const maxAPIResponseBytes = 256 * 1024

// APICoordinator answers the query from a connected external API with a
// single HTTP call against the resolved endpoint.
type APICoordinator struct {
	resolver APIResolver
	client   *http.Client
	logger   *zap.Logger
}

// NewAPICoordinator builds the external-API coordinator. The per-call
// deadline comes from the orchestrator's context, so the client itself
// carries no timeout.
func NewAPICoordinator(resolver APIResolver, logger *zap.Logger) *APICoordinator {
	return &APICoordinator{
		resolver: resolver,
		client:   &http.Client{},
		logger:   logger,
	}
}

func (c *APICoordinator) Kind() models.SourceKind { return models.SourceKindExternalAPI }

// Execute implements Coordinator.
func (c *APICoordinator) Execute(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) (res models.SourceExecutionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(source, start, fmt.Sprintf("panic: %v", r))
		}
		status := "ok"
		if !res.Success {
			status = "error"
		}
		metrics.RecordSourceExecution(string(models.SourceKindExternalAPI), status, float64(res.ExecutionTimeMs))
	}()

	ctx, span := tracing.StartSpan(ctx, "executors.external_api")
	defer span.End()

	ec.report(10, "resolving endpoint")
	endpoint, err := c.resolver.Resolve(ctx, source.ConnectionRef)
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("resolve endpoint: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if endpoint.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.AuthToken)
	}
	q := req.URL.Query()
	q.Set("query", query)
	req.URL.RawQuery = q.Encode()
	tracing.InjectTraceparent(ctx, req)

	ec.report(40, "calling endpoint")
	resp, err := c.client.Do(req)
	if err != nil {
		return failedResult(source, start, timeoutReason(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("read response: %v", err))
	}

	meta := map[string]interface{}{
		"endpoint_called": endpoint.URL,
		"status_code":     resp.StatusCode,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res = failedResult(source, start, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
		res.Metadata = meta
		return res
	}

	ec.report(80, "parsing response")
	data := map[string]interface{}{}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		data["response"] = parsed
	} else {
		data["response"] = string(body)
	}

	c.logger.Debug("external API call completed",
		zap.String("source_id", source.ID),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("body_bytes", len(body)),
	)

	return models.SourceExecutionResult{
		SourceID:        source.ID,
		Kind:            models.SourceKindExternalAPI,
		Success:         true,
		Data:            data,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		Metadata:        meta,
	}
}
