package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())
	return st
}

func newTestService(t *testing.T) (*Service, *store.Store, *objectstore.Memory) {
	t.Helper()
	st := newTestStore(t)
	objects := objectstore.NewMemory()
	return NewService(st, objects, nil), st, objects
}

func seedCompany(t *testing.T, st *store.Store, tenantID, name string) *contracts.Company {
	t.Helper()
	company, err := st.CreateCompany(context.Background(), &contracts.Company{TenantID: tenantID, Name: name})
	require.NoError(t, err)
	return company
}

func reportBytes() []byte {
	text := "Sustainability Report 2026. " + strings.Repeat("Scope 1 emissions were 42 tCO2e. ", 40)
	return []byte(text)
}

func TestIngest_StoresPagesAndChunks(t *testing.T) {
	svc, st, objects := newTestService(t)
	ctx := context.Background()
	company := seedCompany(t, st, "default", "Ingest Co")

	data := reportBytes()
	res, err := svc.Ingest(ctx, Upload{
		TenantID:  "default",
		CompanyID: company.ID,
		Title:     "Sustainability Report 2026",
		Filename:  "report.txt",
		Data:      data,
	})
	require.NoError(t, err)
	require.False(t, res.Deduplicated)
	assert.Equal(t, DocTypeSustainability, res.Document.DocType)
	assert.Equal(t, ClassificationDeterministic, res.Document.ClassificationConfidence)
	assert.Equal(t, objectstore.HashFor(data), res.File.SHA256Hash)
	assert.Equal(t, objects.URI(res.File.SHA256Hash), res.File.StorageURI)
	require.Equal(t, 1, res.PageCount)
	require.Greater(t, res.ChunkCount, 0)

	stored, err := objects.Get(ctx, res.File.SHA256Hash)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	pages, err := st.ListPages(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, len(string(data)), pages[0].CharCount)

	chunks, err := st.ListChunksForDocument(ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, chunks, res.ChunkCount)
	for _, c := range chunks {
		assert.Len(t, c.ChunkID, 64)
		assert.Equal(t, res.Document.ID, c.DocumentID)
	}
}

func TestIngest_DeduplicatesWithinTenant(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	first := seedCompany(t, st, "default", "First Co")
	second := seedCompany(t, st, "default", "Second Co")

	data := reportBytes()
	a, err := svc.Ingest(ctx, Upload{
		TenantID: "default", CompanyID: first.ID,
		Title: "Sustainability Report 2026", Filename: "report.txt", Data: data,
	})
	require.NoError(t, err)
	require.False(t, a.Deduplicated)

	b, err := svc.Ingest(ctx, Upload{
		TenantID: "default", CompanyID: second.ID,
		Title: "Same bytes, different company", Filename: "report.txt", Data: data,
	})
	require.NoError(t, err)
	assert.True(t, b.Deduplicated)
	assert.Equal(t, a.Document.ID, b.Document.ID)
	assert.Equal(t, a.PageCount, b.PageCount)
	assert.Equal(t, a.ChunkCount, b.ChunkCount)

	// Both companies see the shared document.
	docsA, err := st.ListDocumentsForCompany(ctx, "default", first.ID)
	require.NoError(t, err)
	docsB, err := st.ListDocumentsForCompany(ctx, "default", second.ID)
	require.NoError(t, err)
	require.Len(t, docsA, 1)
	require.Len(t, docsB, 1)
	assert.Equal(t, docsA[0].ID, docsB[0].ID)
}

func TestIngest_TenantsDoNotShareDocuments(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	alpha := seedCompany(t, st, "alpha", "Alpha Co")
	beta := seedCompany(t, st, "beta", "Beta Co")

	data := reportBytes()
	a, err := svc.Ingest(ctx, Upload{
		TenantID: "alpha", CompanyID: alpha.ID,
		Title: "Sustainability Report 2026", Filename: "report.txt", Data: data,
	})
	require.NoError(t, err)
	b, err := svc.Ingest(ctx, Upload{
		TenantID: "beta", CompanyID: beta.ID,
		Title: "Sustainability Report 2026", Filename: "report.txt", Data: data,
	})
	require.NoError(t, err)

	// Same bytes, but each tenant owns its own document row and the chunk
	// IDs diverge because the tenant is part of the chunk seed.
	assert.False(t, b.Deduplicated)
	assert.NotEqual(t, a.Document.ID, b.Document.ID)

	chunksA, err := st.ListChunksForDocument(ctx, a.Document.ID)
	require.NoError(t, err)
	chunksB, err := st.ListChunksForDocument(ctx, b.Document.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunksA)
	require.NotEmpty(t, chunksB)
	assert.NotEqual(t, chunksA[0].ChunkID, chunksB[0].ChunkID)
}

func TestIngest_ManualDocTypeWins(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	company := seedCompany(t, st, "default", "Manual Co")

	res, err := svc.Ingest(ctx, Upload{
		TenantID:  "default",
		CompanyID: company.ID,
		Title:     "Untitled scan",
		Filename:  "scan.txt",
		DocType:   DocTypeAnnual,
		Data:      reportBytes(),
	})
	require.NoError(t, err)
	assert.Equal(t, DocTypeAnnual, res.Document.DocType)
	assert.Equal(t, ClassificationManual, res.Document.ClassificationConfidence)
}

func TestIngest_RejectsEmptyUploadAndUnknownCompany(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	company := seedCompany(t, st, "default", "Edge Co")

	_, err := svc.Ingest(ctx, Upload{TenantID: "default", CompanyID: company.ID, Filename: "x.txt"})
	require.ErrorIs(t, err, ErrEmptyUpload)

	_, err = svc.Ingest(ctx, Upload{TenantID: "default", CompanyID: company.ID + 99, Filename: "x.txt", Data: []byte("hello")})
	require.ErrorIs(t, err, store.ErrNotFound)

	// Cross-tenant company IDs are invisible.
	_, err = svc.Ingest(ctx, Upload{TenantID: "other", CompanyID: company.ID, Filename: "x.txt", Data: []byte("hello")})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordDiscovery_AppliesAcceptanceRule(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	company := seedCompany(t, st, "default", "Discovery Co")

	rows, err := svc.RecordDiscovery(ctx, "default", company.ID, []DiscoveryCandidate{
		{Title: "Annual Report 2026", SourceURL: "https://example.com/ar-2026.pdf", Score: 0.91},
		{Title: "Sustainability Report 2026", SourceURL: "https://example.com/sr-2026.pdf", Score: 0.44},
		{Title: "Press release", SourceURL: "https://example.com/news", Score: 0.88},
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byURL := map[string]*contracts.DocumentDiscoveryCandidate{}
	for _, r := range rows {
		byURL[r.SourceURL] = r
	}
	assert.True(t, byURL["https://example.com/ar-2026.pdf"].Accepted)
	assert.Empty(t, byURL["https://example.com/ar-2026.pdf"].Reason)
	assert.False(t, byURL["https://example.com/sr-2026.pdf"].Accepted)
	assert.Equal(t, "score_below_min:0.44<0.50", byURL["https://example.com/sr-2026.pdf"].Reason)
	assert.False(t, byURL["https://example.com/news"].Accepted)
	assert.Equal(t, "unrecognized_document_family", byURL["https://example.com/news"].Reason)

	listed, err := st.ListDiscoveryCandidates(ctx, "default", company.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}
