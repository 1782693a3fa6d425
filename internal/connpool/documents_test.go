package connpool

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE document_extracts (
		connection_ref TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		summary TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO document_extracts (connection_ref, title, content, summary)
		VALUES (?, ?, ?, ?)`,
		"conn-doc", "Q1 Review", "Revenue grew 12% in Q1.", "Q1 results summary")
	require.NoError(t, err)

	return NewDocumentStore(db, zap.NewNop())
}

func TestDocumentStoreResolve(t *testing.T) {
	store := newTestStore(t)

	extract, err := store.Resolve(context.Background(), "conn-doc")
	require.NoError(t, err)
	assert.Equal(t, "Q1 Review", extract.Title)
	assert.Contains(t, extract.Content, "Revenue grew 12%")
	assert.Equal(t, "Q1 results summary", extract.Summary)
}

func TestDocumentStoreResolveMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Resolve(context.Background(), "conn-nope")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
