package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/circuitbreaker"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// PostgresRecorder writes usage records to the platform database. The
// write path carries a circuit breaker so a degraded database does not
// stall pipelines; a dropped record is logged and counted, never fatal.
type PostgresRecorder struct {
	db      *sqlx.DB
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewPostgresRecorder builds the recorder.
func NewPostgresRecorder(db *sqlx.DB, logger *zap.Logger) *PostgresRecorder {
	return &PostgresRecorder{
		db:      db,
		breaker: circuitbreaker.New("usage-db", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Record implements Recorder with one INSERT.
func (r *PostgresRecorder) Record(ctx context.Context, userID string, breakdown models.TokenBreakdown, qctx QueryContext) error {
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	const q = `INSERT INTO token_usage
		(id, user_id, session_id, workspace_id, agent_id, query, total_tokens, breakdown, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err = r.breaker.Execute(ctx, func() error {
		_, err := r.db.ExecContext(ctx, q,
			uuid.New().String(),
			userID,
			qctx.SessionID,
			qctx.WorkspaceID,
			qctx.AgentID,
			qctx.Query,
			breakdown.Total(),
			breakdownJSON,
			time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		metrics.UsageRecordErrors.Inc()
		return fmt.Errorf("record usage: %w", err)
	}

	metrics.QueryTokensUsed.Observe(float64(breakdown.Total()))
	return nil
}
