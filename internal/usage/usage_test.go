package usage

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

func TestAccumulatorConcurrentWrites(t *testing.T) {
	acc := NewAccumulator()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc.AddFilter(1)
			acc.AddRank(2)
			acc.AddSynthesis(3)
			acc.AddExecution("src-a", 4)
			acc.AddExecution("src-b", 5)
		}()
	}
	wg.Wait()

	b := acc.Snapshot()
	assert.Equal(t, 10, b.FilterTokens)
	assert.Equal(t, 20, b.RankTokens)
	assert.Equal(t, 30, b.SynthesisTokens)
	assert.Equal(t, 40, b.ExecutionTokens["src-a"])
	assert.Equal(t, 50, b.ExecutionTokens["src-b"])
	assert.Equal(t, 150, b.Total())
}

func TestSnapshotIsACopy(t *testing.T) {
	acc := NewAccumulator()
	acc.AddExecution("src-a", 5)

	snap := acc.Snapshot()
	snap.ExecutionTokens["src-a"] = 999

	assert.Equal(t, 5, acc.Snapshot().ExecutionTokens["src-a"])
}

func TestPostgresRecorderInsert(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "sqlmock")

	rec := NewPostgresRecorder(sqlxDB, zap.NewNop())

	mock.ExpectExec(`INSERT INTO token_usage`).
		WithArgs(sqlmock.AnyArg(), "user-1", "sess-1", "ws-1", "", "total sales?", 42, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	breakdown := models.TokenBreakdown{FilterTokens: 10, RankTokens: 12, SynthesisTokens: 20}
	err = rec.Record(context.Background(), "user-1", breakdown, QueryContext{
		SessionID:   "sess-1",
		WorkspaceID: "ws-1",
		Query:       "total sales?",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
