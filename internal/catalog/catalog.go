// Package catalog reads a workspace's data-source catalog. The catalog
// is owned by an external collaborator; this package only snapshots it
// at query start.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
)

// Reader is the catalog collaborator contract.
type Reader interface {
	ListSources(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error)
}

// Snapshot is the read-only catalog view used for one query. Sources
// must not be added or removed mid-query.
type Snapshot struct {
	WorkspaceID string
	Sources     []models.DataSourceDescriptor
	TakenAt     time.Time

	byID map[string]*models.DataSourceDescriptor
}

// Take fetches the catalog and freezes it for the query. When selected
// is non-empty only those source IDs are retained; unknown IDs are
// ignored rather than erroring, matching the submit boundary's
// best-effort semantics.
func Take(ctx context.Context, r Reader, workspaceID string, selected []string) (*Snapshot, error) {
	sources, err := r.ListSources(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	if len(selected) > 0 {
		want := make(map[string]struct{}, len(selected))
		for _, id := range selected {
			want[id] = struct{}{}
		}
		kept := sources[:0]
		for _, s := range sources {
			if _, ok := want[s.ID]; ok {
				kept = append(kept, s)
			}
		}
		sources = kept
	}

	return NewSnapshot(workspaceID, sources, time.Now()), nil
}

// NewSnapshot freezes an already-fetched source list.
func NewSnapshot(workspaceID string, sources []models.DataSourceDescriptor, takenAt time.Time) *Snapshot {
	snap := &Snapshot{
		WorkspaceID: workspaceID,
		Sources:     sources,
		TakenAt:     takenAt,
		byID:        make(map[string]*models.DataSourceDescriptor, len(sources)),
	}
	for i := range snap.Sources {
		snap.byID[snap.Sources[i].ID] = &snap.Sources[i]
	}
	return snap
}

// ByID looks up a descriptor in the snapshot.
func (s *Snapshot) ByID(id string) (*models.DataSourceDescriptor, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Empty reports whether the snapshot holds no sources.
func (s *Snapshot) Empty() bool { return len(s.Sources) == 0 }

// SQLReader reads the catalog from the platform's Postgres database.
type SQLReader struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLReader wraps an existing sqlx handle.
func NewSQLReader(db *sqlx.DB, logger *zap.Logger) *SQLReader {
	return &SQLReader{db: db, logger: logger}
}

type sourceRow struct {
	ID             string `db:"id"`
	WorkspaceID    string `db:"workspace_id"`
	Kind           string `db:"kind"`
	Name           string `db:"name"`
	ConnectionRef  string `db:"connection_ref"`
	ContentSummary string `db:"content_summary"`
}

// ListSources returns all sources registered for the workspace. An
// unknown kind in storage is a decode error, not a silently skipped row.
func (r *SQLReader) ListSources(ctx context.Context, workspaceID string) ([]models.DataSourceDescriptor, error) {
	const q = `SELECT id, workspace_id, kind, name, connection_ref, content_summary
		FROM data_sources WHERE workspace_id = $1 ORDER BY created_at, id`

	var rows []sourceRow
	if err := r.db.SelectContext(ctx, &rows, q, workspaceID); err != nil {
		return nil, fmt.Errorf("query data_sources: %w", err)
	}

	out := make([]models.DataSourceDescriptor, 0, len(rows))
	for _, row := range rows {
		kind, err := models.ParseSourceKind(row.Kind)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", row.ID, err)
		}
		out = append(out, models.DataSourceDescriptor{
			ID:             row.ID,
			WorkspaceID:    row.WorkspaceID,
			Kind:           kind,
			Name:           row.Name,
			ConnectionRef:  row.ConnectionRef,
			ContentSummary: row.ContentSummary,
		})
	}
	r.logger.Debug("catalog listed",
		zap.String("workspace_id", workspaceID),
		zap.Int("sources", len(out)),
	)
	return out, nil
}
