package retrieval

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())
	return st
}

type fixture struct {
	st      *store.Store
	engine  *Engine
	tenant  string
	company int64
}

// seed creates a company with one document carrying the given chunk texts
// and indexes their vectors. Chunk IDs are synthetic but unique and
// ordered by their index.
func seed(t *testing.T, texts ...string) *fixture {
	t.Helper()
	st := newTestStore(t)
	ctx := context.Background()

	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "t1", Name: "Aurora"})
	require.NoError(t, err)

	doc, _, err := st.CreateDocumentWithFile(ctx,
		&contracts.Document{CompanyID: company.ID, TenantID: "t1", Title: "Annual report", ClassificationConfidence: "deterministic"},
		&contracts.DocumentFile{SHA256Hash: "0000000000000000000000000000000000000000000000000000000000000001", StorageURI: "file://x"},
	)
	require.NoError(t, err)

	chunks := make([]contracts.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, contracts.Chunk{
			ChunkID:     fmt.Sprintf("chunk-%03d", i),
			DocumentID:  doc.ID,
			PageNumber:  1,
			StartOffset: i * 100,
			EndOffset:   i*100 + len(text),
			Text:        text,
		})
	}
	require.NoError(t, st.ReplaceChunksForDocument(ctx, doc.ID, chunks))

	stored, err := st.ListChunksForDocument(ctx, doc.ID)
	require.NoError(t, err)

	engine := New(st, NewHashEmbedder())
	_, err = engine.IndexChunks(ctx, stored)
	require.NoError(t, err)

	return &fixture{st: st, engine: engine, tenant: "t1", company: company.ID}
}

func TestHashEmbedderDeterministicUnitNorm(t *testing.T) {
	e := NewHashEmbedder()

	a, err := e.Embed(context.Background(), "Scope 1 emissions")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "  scope 1   EMISSIONS ")
	require.NoError(t, err)

	// Case and whitespace do not perturb the vector.
	assert.Equal(t, a, b)
	require.Len(t, a, HashDimensions)

	var norm float64
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	c, err := e.Embed(context.Background(), "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSearchRanksLexicalMatchesFirst(t *testing.T) {
	// Only the first chunk shares terms with the query, so its combined
	// score (>= 0.6) beats any purely-vector score (<= 0.4).
	f := seed(t,
		"total scope 1 emissions were 12000 tCO2e in 2023",
		"the cafeteria menu was revised in june",
		"board remuneration policy updated",
	)

	results, err := f.engine.Search(context.Background(), f.tenant, f.company, "scope emissions", 10, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "chunk-000", results[0].ChunkID)
	assert.Equal(t, 1.0, results[0].LexicalScore)
	assert.Greater(t, results[0].CombinedScore, results[1].CombinedScore)
	assert.Zero(t, results[1].LexicalScore)

	// Every score is already rounded to 8 decimal places.
	for _, r := range results {
		assert.Equal(t, round8(r.CombinedScore), r.CombinedScore)
		assert.Equal(t, round8(r.LexicalScore), r.LexicalScore)
		assert.Equal(t, round8(r.VectorScore), r.VectorScore)
	}
}

func TestSearchTieBreaksOnChunkID(t *testing.T) {
	// Identical texts give identical lexical and vector scores.
	f := seed(t, "same text here", "same text here", "same text here")

	results, err := f.engine.Search(context.Background(), f.tenant, f.company, "same text", 10, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "chunk-000", results[0].ChunkID)
	assert.Equal(t, "chunk-001", results[1].ChunkID)
	assert.Equal(t, "chunk-002", results[2].ChunkID)
	assert.Equal(t, results[0].CombinedScore, results[1].CombinedScore)
}

func TestSearchTopKBounds(t *testing.T) {
	f := seed(t, "alpha", "beta", "gamma")

	results, err := f.engine.Search(context.Background(), f.tenant, f.company, "alpha", 2, false)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = f.engine.Search(context.Background(), f.tenant, f.company, "alpha", 0, false)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = f.engine.Search(context.Background(), f.tenant, f.company, "alpha", -3, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchIsDeterministic(t *testing.T) {
	f := seed(t,
		"emissions data for the reporting period",
		"energy consumption in megawatt hours",
		"employee turnover and headcount figures",
	)

	first, err := f.engine.Search(context.Background(), f.tenant, f.company, "emissions energy headcount", 10, false)
	require.NoError(t, err)
	second, err := f.engine.Search(context.Background(), f.tenant, f.company, "emissions energy headcount", 10, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSearchStrictScopeExcludesUnlinkedDocuments(t *testing.T) {
	f := seed(t, "linked document content")
	ctx := context.Background()

	// A second company's document in the same tenant: invisible under the
	// strict scope, visible when relaxed.
	other, err := f.st.CreateCompany(ctx, &contracts.Company{TenantID: "t1", Name: "Borealis"})
	require.NoError(t, err)
	doc, _, err := f.st.CreateDocumentWithFile(ctx,
		&contracts.Document{CompanyID: other.ID, TenantID: "t1", Title: "Other report", ClassificationConfidence: "deterministic"},
		&contracts.DocumentFile{SHA256Hash: "0000000000000000000000000000000000000000000000000000000000000002", StorageURI: "file://y"},
	)
	require.NoError(t, err)
	require.NoError(t, f.st.ReplaceChunksForDocument(ctx, doc.ID, []contracts.Chunk{{
		ChunkID: "zz-other", DocumentID: doc.ID, PageNumber: 1, EndOffset: 5, Text: "unlinked content",
	}}))

	strict, err := f.engine.Search(ctx, f.tenant, f.company, "content", 10, false)
	require.NoError(t, err)
	assert.Len(t, strict, 1)

	relaxed, err := f.engine.Search(ctx, f.tenant, f.company, "content", 10, true)
	require.NoError(t, err)
	assert.Len(t, relaxed, 2)
}

func TestSmokeTestFilterTooStrict(t *testing.T) {
	f := seed(t, "tenant-wide content about emissions")
	ctx := context.Background()

	// A company with no linked documents: strict is empty, relaxed is not.
	empty, err := f.st.CreateCompany(ctx, &contracts.Company{TenantID: "t1", Name: "Cirrus"})
	require.NoError(t, err)

	res, err := f.engine.SmokeTest(ctx, f.tenant, empty.ID, "emissions", 5, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StrictCount)
	assert.Equal(t, 1, res.RelaxedCount)
	assert.Equal(t, DiagnosticFilterTooStrict, res.Diagnostic)
	assert.True(t, res.RelaxApplied)

	// With relaxation disabled the diagnostic still fires.
	res, err = f.engine.SmokeTest(ctx, f.tenant, empty.ID, "emissions", 5, false)
	require.NoError(t, err)
	assert.Equal(t, DiagnosticFilterTooStrict, res.Diagnostic)
	assert.False(t, res.RelaxApplied)
}

func TestSmokeTestCleanWhenStrictHasResults(t *testing.T) {
	f := seed(t, "emissions content")

	res, err := f.engine.SmokeTest(context.Background(), f.tenant, f.company, "emissions", 5, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StrictCount)
	assert.Empty(t, res.Diagnostic)
	assert.False(t, res.RelaxApplied)
}

func TestSmokeTestEmptyTenant(t *testing.T) {
	st := newTestStore(t)
	engine := New(st, NewHashEmbedder())

	company, err := st.CreateCompany(context.Background(), &contracts.Company{TenantID: "t1", Name: "Void"})
	require.NoError(t, err)

	res, err := engine.SmokeTest(context.Background(), "t1", company.ID, "anything", 5, true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StrictCount)
	assert.Equal(t, 0, res.RelaxedCount)
	assert.Empty(t, res.Diagnostic)
}

func TestDefaultPolicyPinned(t *testing.T) {
	engine := New(newTestStore(t), NewHashEmbedder())
	p := engine.Policy()
	assert.Equal(t, "hybrid-v1", p.Version)
	assert.Equal(t, 0.6, p.LexicalWeight)
	assert.Equal(t, 0.4, p.VectorWeight)
	assert.Equal(t, "chunk_id", p.TieBreak)
}
