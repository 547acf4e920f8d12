package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/chunking"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/ingest"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/store"
)

func newReportStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())
	return st
}

func seedReportCorpus(t *testing.T, st *store.Store, tenantID string) (*contracts.Company, *ingest.UploadResult, *ingest.UploadResult) {
	t.Helper()
	ctx := context.Background()

	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: tenantID, Name: "Veridian Manufacturing"})
	require.NoError(t, err)

	svc := ingest.NewService(st, objectstore.NewMemory(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	dense, err := svc.Ingest(ctx, ingest.Upload{
		TenantID:  tenantID,
		CompanyID: company.ID,
		Title:     "Annual Report 2026",
		Filename:  "annual-2026.txt",
		Data: []byte(strings.Repeat(
			"Gross Scope 1 emissions were 42 tCO2e across all production sites in 2026. ", 8)),
	})
	require.NoError(t, err)

	sparse, err := svc.Ingest(ctx, ingest.Upload{
		TenantID:  tenantID,
		CompanyID: company.ID,
		Title:     "Scanned Cover Page",
		Filename:  "cover.txt",
		Data:      []byte("Cover page."),
	})
	require.NoError(t, err)

	return company, dense, sparse
}

func TestRunReportFlagsLowTextDensity(t *testing.T) {
	st := newReportStore(t)
	company, dense, sparse := seedReportCorpus(t, st, "acme")

	indexed := dense.ChunkCount + sparse.ChunkCount
	report, err := NewRunReporter(st).Build(context.Background(), "acme", company.ID, indexed, retrieval.HashModelName, nil)
	require.NoError(t, err)

	require.Len(t, report.IngestResults, 2)
	byID := map[int64]DocumentIngest{}
	for _, entry := range report.IngestResults {
		byID[entry.DocumentID] = entry
	}

	denseEntry := byID[dense.Document.ID]
	assert.Equal(t, "Annual Report 2026", denseEntry.Title)
	assert.Equal(t, dense.File.SHA256Hash, denseEntry.SHA256Hash)
	assert.Equal(t, dense.PageCount, denseEntry.PageCount)
	assert.Empty(t, denseEntry.Warnings)

	sparseEntry := byID[sparse.Document.ID]
	assert.Equal(t, []string{WarningLowTextDensity}, sparseEntry.Warnings)
	assert.Less(t, sparseEntry.ExtractedChars, LowTextDensityChars*sparseEntry.PageCount)

	assert.Equal(t, indexed, report.ChunkingResults.ChunkCount)
	assert.Equal(t, chunking.DefaultSize, report.ChunkingResults.ChunkSize)
	assert.Equal(t, chunking.DefaultOverlap, report.ChunkingResults.Overlap)

	assert.Equal(t, indexed, report.IndexingResults.IndexedCount)
	assert.Equal(t, retrieval.HashModelName, report.IndexingResults.EmbeddingModel)
	assert.Equal(t, fmt.Sprintf("tenant:acme:company:%d", company.ID), report.IndexingResults.IndexNamespace)
	assert.Nil(t, report.RetrievalSmokeTest)
}

func TestRunReportEntriesSortedByDocument(t *testing.T) {
	st := newReportStore(t)
	company, dense, sparse := seedReportCorpus(t, st, "acme")

	report, err := NewRunReporter(st).Build(context.Background(), "acme", company.ID, 0, retrieval.HashModelName, nil)
	require.NoError(t, err)

	require.Len(t, report.IngestResults, 2)
	assert.Equal(t, dense.Document.ID, report.IngestResults[0].DocumentID)
	assert.Equal(t, sparse.Document.ID, report.IngestResults[1].DocumentID)
}

func TestGateWarningsFlattenSorted(t *testing.T) {
	report := &RunReport{
		IngestResults: []DocumentIngest{
			{DocumentID: 9, Warnings: []string{WarningLowTextDensity}},
			{DocumentID: 2, Warnings: []string{WarningLowTextDensity}},
			{DocumentID: 5, Warnings: nil},
		},
	}

	warnings := report.GateWarnings()
	assert.Equal(t, []string{
		"low_extracted_text_density:document-2",
		"low_extracted_text_density:document-9",
	}, warnings)
}

func TestGateWarningsEmptyCorpus(t *testing.T) {
	report := &RunReport{}
	assert.Empty(t, report.GateWarnings())
}

func TestRunReportTenantScoped(t *testing.T) {
	st := newReportStore(t)
	company, _, _ := seedReportCorpus(t, st, "acme")

	// Another tenant's reporter over the same company ID sees nothing.
	report, err := NewRunReporter(st).Build(context.Background(), "globex", company.ID, 0, retrieval.HashModelName, nil)
	require.NoError(t, err)
	assert.Empty(t, report.IngestResults)
	assert.Equal(t, 0, report.ChunkingResults.ChunkCount)
}
