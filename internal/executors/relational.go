package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/tracing"
)

const maxResultRows = 100

// RelationalCoordinator answers the query from a customer database. It
// asks the reasoning service to translate the question into SQL, guards
// the statement against writes, executes it through the pool resolver
// and normalizes the rows into the result envelope.
type RelationalCoordinator struct {
	resolver  RelationalResolver
	completer reasoning.Completer
	schema    *jsonschema.Schema
	logger    *zap.Logger
}

const sqlGenSchema = `{
	"type": "object",
	"required": ["sql"],
	"properties": {
		"sql": {"type": "string"},
		"explanation": {"type": "string"}
	}
}`

// NewRelationalCoordinator builds the relational coordinator.
func NewRelationalCoordinator(resolver RelationalResolver, completer reasoning.Completer, logger *zap.Logger) *RelationalCoordinator {
	schema, err := reasoning.CompileSchema(sqlGenSchema)
	if err != nil {
		// The schema is a compile-time constant; failing here is a bug.
		panic(fmt.Sprintf("compile sql generation schema: %v", err))
	}
	return &RelationalCoordinator{
		resolver:  resolver,
		completer: completer,
		schema:    schema,
		logger:    logger,
	}
}

func (c *RelationalCoordinator) Kind() models.SourceKind { return models.SourceKindRelational }

// Execute implements Coordinator.
func (c *RelationalCoordinator) Execute(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) (res models.SourceExecutionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failedResult(source, start, fmt.Sprintf("panic: %v", r))
		}
		status := "ok"
		if !res.Success {
			status = "error"
		}
		metrics.RecordSourceExecution(string(models.SourceKindRelational), status, float64(res.ExecutionTimeMs))
	}()

	ctx, span := tracing.StartSpan(ctx, "executors.relational")
	defer span.End()

	ec.report(10, "resolving connection")
	db, err := c.resolver.Resolve(ctx, source.ConnectionRef)
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("resolve connection: %v", err))
	}

	ec.report(30, "generating query")
	sqlText, tokens, err := c.generateSQL(ctx, source, query, ec)
	if err != nil {
		return failedResult(source, start, fmt.Sprintf("generate query: %v", err))
	}
	if err := ensureReadOnly(sqlText); err != nil {
		return failedResult(source, start, err.Error())
	}

	ec.report(60, "executing query")
	rows, err := db.QueryxContext(ctx, sqlText)
	if err != nil {
		res = failedResult(source, start, timeoutReason(err))
		res.TokensUsed = tokens
		return res
	}
	defer rows.Close()

	var data []map[string]interface{}
	for rows.Next() && len(data) < maxResultRows {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			res = failedResult(source, start, fmt.Sprintf("scan row: %v", err))
			res.TokensUsed = tokens
			return res
		}
		// []byte columns are unreadable once JSON-encoded downstream.
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		res = failedResult(source, start, timeoutReason(err))
		res.TokensUsed = tokens
		return res
	}

	ec.report(90, "normalizing results")
	return models.SourceExecutionResult{
		SourceID:        source.ID,
		Kind:            models.SourceKindRelational,
		Success:         true,
		Data:            map[string]interface{}{"rows": data},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		TokensUsed:      tokens,
		Metadata: map[string]interface{}{
			"query_text_executed": sqlText,
			"rows_returned":       len(data),
		},
	}
}

func (c *RelationalCoordinator) generateSQL(ctx context.Context, source models.DataSourceDescriptor, query string, ec ExecutionContext) (string, int, error) {
	prompt := fmt.Sprintf(
		"Translate the question into a single read-only SQL query.\nSchema summary:\n%s\n\nQuestion: %s\n",
		source.ContentSummary, query,
	)
	if ec.CarryOver != "" {
		prompt += "\nContext from an earlier source:\n" + ec.CarryOver + "\n"
	}
	prompt += `Respond as JSON: {"sql": "..."}`

	result, err := c.completer.Complete(ctx, reasoning.Request{
		Stage:    "sql_generation",
		Prompt:   prompt,
		JSONMode: true,
	})
	if err != nil {
		return "", 0, err
	}

	var out struct {
		SQL string `json:"sql"`
	}
	if err := reasoning.DecodeStructured(result.Text, c.schema, &out); err != nil {
		return "", result.TokensUsed, err
	}
	return strings.TrimSpace(out.SQL), result.TokensUsed, nil
}

// ensureReadOnly rejects anything that is not a single read statement
// before it reaches the customer's database.
func ensureReadOnly(sqlText string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";"))
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multi-statement queries are not allowed")
	}
	first := strings.ToLower(strings.Fields(trimmed)[0])
	if first != "select" && first != "with" {
		return fmt.Errorf("write statements are rejected: query must start with SELECT or WITH")
	}
	return nil
}
