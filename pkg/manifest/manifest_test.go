package manifest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

func TestAggregatePromptHashRules(t *testing.T) {
	fallback := strings.Repeat("f", 64)

	got, err := AggregatePromptHash(nil, fallback)
	require.NoError(t, err)
	assert.Equal(t, fallback, got)

	single := []contracts.DatapointAssessment{
		{DatapointKey: "a", PromptHash: "p1"},
		{DatapointKey: "b", PromptHash: "p1"},
	}
	got, err = AggregatePromptHash(single, fallback)
	require.NoError(t, err)
	assert.Equal(t, "p1", got)

	multi := []contracts.DatapointAssessment{
		{DatapointKey: "a", PromptHash: "p2"},
		{DatapointKey: "b", PromptHash: "p1"},
		{DatapointKey: "c", PromptHash: "p2"},
	}
	got, err = AggregatePromptHash(multi, fallback)
	require.NoError(t, err)
	want, err := canonicalize.Hash([]string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type fixture struct {
	st        *store.Store
	builder   *Builder
	runID     int64
	companyID int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())

	ctx := context.Background()
	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "default", Name: "Manifest Co"})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "default", company.ID, contracts.CompilerLegacy)
	require.NoError(t, err)

	for _, hash := range []string{strings.Repeat("b", 64), strings.Repeat("a", 64)} {
		_, _, err := st.CreateDocumentWithFile(ctx,
			&contracts.Document{CompanyID: company.ID, TenantID: "default", Title: "Report " + hash[:2]},
			&contracts.DocumentFile{SHA256Hash: hash, StorageURI: "file://object-store/default/" + hash[:2]},
		)
		require.NoError(t, err)
	}

	return fixture{st: st, builder: NewBuilder(st), runID: run.ID, companyID: company.ID}
}

func seedFor(f fixture) Seed {
	return Seed{
		RunID:         f.runID,
		TenantID:      "default",
		CompanyID:     f.companyID,
		BundleID:      "esrs_mini",
		BundleVersion: "2026.01",
		RetrievalParams: map[string]any{
			"bundle_id":            "esrs_mini",
			"bundle_version":       "2026.01",
			"llm_provider":         "deterministic_fallback",
			"query_mode":           "hybrid",
			"retrieval_model_name": "default",
			"top_k":                5,
		},
		ModelName:  "deterministic-local-v1",
		PromptHash: strings.Repeat("c", 64),
		GitSHA:     strings.Repeat("d", 40),
	}
}

func TestPersistBuildsManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assessments := []contracts.DatapointAssessment{
		{DatapointKey: "k1", PromptHash: "p1"},
		{DatapointKey: "k2", PromptHash: "p1"},
	}
	m, err := f.builder.Persist(ctx, seedFor(f), assessments)
	require.NoError(t, err)

	assert.Equal(t, []string{strings.Repeat("a", 64), strings.Repeat("b", 64)}, m.DocumentHashes)
	assert.Equal(t, "p1", m.PromptHash)
	assert.Equal(t, "deterministic-local-v1", m.ModelName)
	assert.Equal(t, ReportTemplateVersion, m.ReportTemplateVersion)
	assert.Contains(t, m.RetrievalParams, `"query_mode":"hybrid"`)
	assert.Contains(t, m.RetrievalParams, `"top_k":5`)

	stored, err := f.st.GetRunManifest(ctx, "default", f.runID)
	require.NoError(t, err)
	assert.Equal(t, m.PromptHash, stored.PromptHash)
}

func TestPersistFallsBackToSeedPromptHash(t *testing.T) {
	f := newFixture(t)
	m, err := f.builder.Persist(context.Background(), seedFor(f), nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("c", 64), m.PromptHash)
}

func TestPersistOverwritesOnRepeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.builder.Persist(ctx, seedFor(f), nil)
	require.NoError(t, err)

	seed := seedFor(f)
	seed.BundleVersion = "2024.01"
	m, err := f.builder.Persist(ctx, seed, nil)
	require.NoError(t, err)
	assert.Equal(t, "2024.01", m.BundleVersion)

	stored, err := f.st.GetRunManifest(ctx, "default", f.runID)
	require.NoError(t, err)
	assert.Equal(t, "2024.01", stored.BundleVersion)
}
