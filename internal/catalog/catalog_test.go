package catalog

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

var sourceColumns = []string{"id", "workspace_id", "kind", "name", "connection_ref", "content_summary"}

func newReader(t *testing.T) (*SQLReader, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLReader(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func TestListSources(t *testing.T) {
	reader, mock := newReader(t)
	mock.ExpectQuery(`SELECT id, workspace_id, kind`).
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows(sourceColumns).
			AddRow("src-sales", "ws-1", "relational", "sales_db", "conn-sales", "orders").
			AddRow("src-doc", "ws-1", "document", "report.pdf", "conn-doc", "Q1 review"))

	sources, err := reader.ListSources(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, models.SourceKindRelational, sources[0].Kind)
	assert.Equal(t, models.SourceKindDocument, sources[1].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSourcesUnknownKind(t *testing.T) {
	reader, mock := newReader(t)
	mock.ExpectQuery(`SELECT id, workspace_id, kind`).
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows(sourceColumns).
			AddRow("src-x", "ws-1", "graph", "neo", "conn-x", "nodes"))

	_, err := reader.ListSources(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source kind")
}

func TestTakeFiltersSelectedSources(t *testing.T) {
	sources := []models.DataSourceDescriptor{
		{ID: "a", Kind: models.SourceKindRelational},
		{ID: "b", Kind: models.SourceKindDocument},
		{ID: "c", Kind: models.SourceKindExternalAPI},
	}
	reader := readerFunc(func(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error) {
		return sources, nil
	})

	snap, err := Take(context.Background(), reader, "ws-1", []string{"b", "nonexistent"})
	require.NoError(t, err)
	// Known selections are kept, unknown IDs silently ignored.
	require.Len(t, snap.Sources, 1)
	assert.Equal(t, "b", snap.Sources[0].ID)

	_, ok := snap.ByID("b")
	assert.True(t, ok)
	_, ok = snap.ByID("a")
	assert.False(t, ok)
}

func TestTakeNoSelectionKeepsAll(t *testing.T) {
	reader := readerFunc(func(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error) {
		return []models.DataSourceDescriptor{{ID: "a"}, {ID: "b"}}, nil
	})

	snap, err := Take(context.Background(), reader, "ws-1", nil)
	require.NoError(t, err)
	assert.Len(t, snap.Sources, 2)
	assert.False(t, snap.Empty())
}

type readerFunc func(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error)

func (f readerFunc) ListSources(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error) {
	return f(ctx, workspaceID)
}
