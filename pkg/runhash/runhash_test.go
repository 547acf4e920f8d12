package runhash

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

func baseInput() Input {
	return Input{
		TenantID:       "default",
		DocumentHashes: []string{"bbbb", "aaaa"},
		CompanyProfile: map[string]any{
			"employees":      300,
			"listed_status":  true,
			"reporting_year": 2026,
			"turnover":       12000000.0,
		},
		MaterialityInputs: map[string]bool{"climate": true},
		BundleVersion:     "2026.01",
		RetrievalParams: map[string]any{
			"bundle_id":            "esrs_mini",
			"bundle_version":       "2026.01",
			"llm_provider":         "deterministic_fallback",
			"query_mode":           "hybrid",
			"retrieval_model_name": "default",
			"top_k":                5,
		},
		PromptHash: "deadbeef",
	}
}

func TestComputeIsOrderInsensitive(t *testing.T) {
	first, err := Compute(baseInput())
	require.NoError(t, err)

	reordered := baseInput()
	reordered.DocumentHashes = []string{"aaaa", "bbbb"}
	second, err := Compute(reordered)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestComputeChangesWithAnyField(t *testing.T) {
	base, err := Compute(baseInput())
	require.NoError(t, err)

	mutations := map[string]func(*Input){
		"tenant":      func(in *Input) { in.TenantID = "other" },
		"documents":   func(in *Input) { in.DocumentHashes = append(in.DocumentHashes, "cccc") },
		"profile":     func(in *Input) { in.CompanyProfile["employees"] = 301 },
		"materiality": func(in *Input) { in.MaterialityInputs["climate"] = false },
		"bundle":      func(in *Input) { in.BundleVersion = "2024.01" },
		"retrieval":   func(in *Input) { in.RetrievalParams["top_k"] = 7 },
		"prompt":      func(in *Input) { in.PromptHash = "feedface" },
		"mode":        func(in *Input) { in.CompilerMode = contracts.CompilerRegistry },
		"checksums":   func(in *Input) { in.RegistryChecksums = []string{"c1"} },
	}
	for name, mutate := range mutations {
		in := baseInput()
		mutate(&in)
		got, err := Compute(in)
		require.NoError(t, err, name)
		assert.NotEqual(t, base, got, name)
	}
}

func TestComputeDefaultsCompilerModeToLegacy(t *testing.T) {
	implicit, err := Compute(baseInput())
	require.NoError(t, err)

	explicit := baseInput()
	explicit.CompilerMode = contracts.CompilerLegacy
	got, err := Compute(explicit)
	require.NoError(t, err)
	assert.Equal(t, implicit, got)
}

func sampleAssessments() []contracts.DatapointAssessment {
	return []contracts.DatapointAssessment{
		{
			DatapointKey:     "esrs_mini::e1-2",
			Status:           contracts.StatusPresent,
			Value:            "42 tCO2e",
			EvidenceChunkIDs: []string{"c2", "c1"},
			Rationale:        "Found in report.",
			ModelName:        "deterministic-local-v1",
			PromptHash:       "p2",
			RetrievalParams:  `{"top_k":5}`,
		},
		{
			DatapointKey:     "esrs_mini::e1-1",
			Status:           contracts.StatusAbsent,
			EvidenceChunkIDs: []string{},
			Rationale:        "Nothing cited.",
			ModelName:        "deterministic-local-v1",
			PromptHash:       "p1",
			RetrievalParams:  `{"top_k":5}`,
		},
	}
}

func TestSerializeAssessmentsIsCanonical(t *testing.T) {
	first, err := SerializeAssessments(sampleAssessments())
	require.NoError(t, err)

	reversed := sampleAssessments()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	second, err := SerializeAssessments(reversed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Rows are ordered by datapoint key and null stands in for empty values.
	assert.Contains(t, first, `"esrs_mini::e1-1"`)
	assert.Contains(t, first, `"value":null`)
	assert.Less(t, strings.Index(first, "e1-1"), strings.Index(first, "e1-2"))
}

func TestMaterializeRoundTrips(t *testing.T) {
	serialized, err := SerializeAssessments(sampleAssessments())
	require.NoError(t, err)

	rows, err := MaterializeAssessments(serialized)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "esrs_mini::e1-1", rows[0].DatapointKey)
	assert.Equal(t, contracts.StatusAbsent, rows[0].Status)
	assert.Equal(t, "", rows[0].Value)
	assert.Equal(t, "esrs_mini::e1-2", rows[1].DatapointKey)
	assert.Equal(t, "42 tCO2e", rows[1].Value)
	assert.Equal(t, []string{"c1", "c2"}, rows[1].EvidenceChunkIDs)
	assert.Equal(t, `{"top_k":5}`, rows[1].RetrievalParams)
}

func TestMaterializeDefaultsModelName(t *testing.T) {
	rows, err := MaterializeAssessments(`[{"datapoint_key":"k","status":"Absent","value":null,"evidence_chunk_ids":[],"rationale":"r","prompt_hash":"p","retrieval_params":{"top_k":5}}]`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "deterministic-local-v1", rows[0].ModelName)
}

func newTestCache(t *testing.T) (*Cache, *store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runhash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())

	ctx := context.Background()
	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "default", Name: "Cache Co"})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "default", company.ID, contracts.CompilerLegacy)
	require.NoError(t, err)
	return NewCache(st), st, run.ID
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	cache, _, runID := newTestCache(t)
	ctx := context.Background()
	in := baseInput()

	calls := 0
	compute := func() ([]contracts.DatapointAssessment, error) {
		calls++
		return sampleAssessments(), nil
	}

	first, hit, err := cache.GetOrCompute(ctx, runID, in, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, calls)

	second, hit, err := cache.GetOrCompute(ctx, runID, in, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	cache, _, runID := newTestCache(t)
	wantErr := errors.New("pipeline exploded")

	_, _, err := cache.GetOrCompute(context.Background(), runID, baseInput(), func() ([]contracts.DatapointAssessment, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// A failed compute must not poison the cache.
	_, hit, err := cache.GetOrCompute(context.Background(), runID, baseInput(), func() ([]contracts.DatapointAssessment, error) {
		return sampleAssessments(), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
}
