package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/catalog"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/models"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/reasoning"
)

// fakeCompleter returns scripted responses in order and counts calls.
type fakeCompleter struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, req reasoning.Request) (*reasoning.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &reasoning.Result{Text: f.responses[idx], TokensUsed: 10}, nil
}

var errReasoningDown = errors.New("reasoning service unavailable")

func testSnapshot(sources ...models.DataSourceDescriptor) *catalog.Snapshot {
	return catalog.NewSnapshot("ws-1", sources, time.Now())
}

func salesSources() []models.DataSourceDescriptor {
	return []models.DataSourceDescriptor{
		{ID: "src-sales", WorkspaceID: "ws-1", Kind: models.SourceKindRelational, Name: "sales_db", ConnectionRef: "conn-sales", ContentSummary: "orders and revenue by quarter"},
		{ID: "src-crm", WorkspaceID: "ws-1", Kind: models.SourceKindExternalAPI, Name: "crm", ConnectionRef: "conn-crm", ContentSummary: "customer accounts"},
		{ID: "src-report", WorkspaceID: "ws-1", Kind: models.SourceKindDocument, Name: "q1_report.pdf", ConnectionRef: "conn-doc", ContentSummary: "Q1 business review"},
	}
}
