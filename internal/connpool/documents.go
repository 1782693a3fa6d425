package connpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/executors"
)

// ErrDocumentNotFound is returned when no extract exists for a reference.
var ErrDocumentNotFound = errors.New("document extract not found")

// DocumentStore serves previously extracted document text from a local
// SQLite database written by the upload/extraction collaborator.
type DocumentStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenDocumentStore opens the extract store read-only.
func OpenDocumentStore(path string, logger *zap.Logger) (*DocumentStore, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=2000", path))
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping document store: %w", err)
	}
	return &DocumentStore{db: db, logger: logger}, nil
}

// NewDocumentStore wraps an existing handle; used by tests.
func NewDocumentStore(db *sqlx.DB, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{db: db, logger: logger}
}

// Resolve implements executors.DocumentResolver.
func (s *DocumentStore) Resolve(ctx context.Context, connectionRef string) (*executors.DocumentExtract, error) {
	var row struct {
		Title   string `db:"title"`
		Content string `db:"content"`
		Summary string `db:"summary"`
	}
	const q = `SELECT title, content, summary FROM document_extracts WHERE connection_ref = ?`
	if err := s.db.GetContext(ctx, &row, q, connectionRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("lookup document %s: %w", connectionRef, err)
	}
	return &executors.DocumentExtract{
		Title:   row.Title,
		Content: row.Content,
		Summary: row.Summary,
	}, nil
}

// Close releases the store handle.
func (s *DocumentStore) Close() error { return s.db.Close() }
