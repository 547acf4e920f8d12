// Package runhash computes the deterministic fingerprint that identifies a
// run's complete input set, and provides the first-writer-wins result cache
// keyed by it. Two runs with the same fingerprint are guaranteed to produce
// the same assessments, so the second one replays the first one's output
// instead of re-invoking extraction.
package runhash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// Input collects every field that feeds the run hash. Wall-clock values are
// deliberately absent.
type Input struct {
	TenantID          string
	DocumentHashes    []string
	CompanyProfile    map[string]any
	MaterialityInputs map[string]bool
	BundleVersion     string
	RetrievalParams   map[string]any
	PromptHash        string
	CompilerMode      contracts.CompilerMode
	RegistryChecksums []string
}

// Compute returns the run hash: sha256 over the canonical form of the input
// payload with document hashes and registry checksums sorted.
func Compute(in Input) (string, error) {
	mode := in.CompilerMode
	if mode == "" {
		mode = contracts.CompilerLegacy
	}
	materiality := in.MaterialityInputs
	if materiality == nil {
		materiality = map[string]bool{}
	}
	payload := map[string]any{
		"tenant_id":          in.TenantID,
		"document_hashes":    sortedCopy(in.DocumentHashes),
		"company_profile":    in.CompanyProfile,
		"materiality_inputs": materiality,
		"bundle_version":     in.BundleVersion,
		"retrieval_params":   in.RetrievalParams,
		"prompt_hash":        in.PromptHash,
		"compiler_mode":      string(mode),
		"registry_checksums": sortedCopy(in.RegistryChecksums),
	}
	hash, err := canonicalize.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("runhash: %w", err)
	}
	return hash, nil
}

// cachedAssessment is the cache row shape. It matches the persisted
// assessment minus run-scoped identifiers, so cached outputs replay onto any
// run with the same hash.
type cachedAssessment struct {
	DatapointKey     string   `json:"datapoint_key"`
	Status           string   `json:"status"`
	Value            *string  `json:"value"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
	Rationale        string   `json:"rationale"`
	ModelName        string   `json:"model_name"`
	PromptHash       string   `json:"prompt_hash"`
	RetrievalParams  any      `json:"retrieval_params"`
}

// SerializeAssessments renders assessments as the canonical cache payload:
// rows sorted by datapoint key, evidence chunk IDs sorted, keys sorted.
func SerializeAssessments(assessments []contracts.DatapointAssessment) (string, error) {
	rows := make([]cachedAssessment, 0, len(assessments))
	for _, a := range assessments {
		var value *string
		if a.Value != "" {
			v := a.Value
			value = &v
		}
		var params any
		if a.RetrievalParams != "" {
			if err := json.Unmarshal([]byte(a.RetrievalParams), &params); err != nil {
				return "", fmt.Errorf("runhash: decode retrieval params for %s: %w", a.DatapointKey, err)
			}
		}
		rows = append(rows, cachedAssessment{
			DatapointKey:     a.DatapointKey,
			Status:           string(a.Status),
			Value:            value,
			EvidenceChunkIDs: sortedCopy(a.EvidenceChunkIDs),
			Rationale:        a.Rationale,
			ModelName:        a.ModelName,
			PromptHash:       a.PromptHash,
			RetrievalParams:  params,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DatapointKey < rows[j].DatapointKey })

	out, err := canonicalize.Canonical(rows)
	if err != nil {
		return "", fmt.Errorf("runhash: serialize assessments: %w", err)
	}
	return string(out), nil
}

// MaterializeAssessments reconstructs assessment rows from a cached payload
// so downstream consumers see the same records as a fresh run. Older cache
// rows may predate the model_name field; those default to the deterministic
// fallback model.
func MaterializeAssessments(outputJSON string) ([]contracts.DatapointAssessment, error) {
	var rows []cachedAssessment
	if err := json.Unmarshal([]byte(outputJSON), &rows); err != nil {
		return nil, fmt.Errorf("runhash: decode cached output: %w", err)
	}

	out := make([]contracts.DatapointAssessment, 0, len(rows))
	for _, row := range rows {
		modelName := row.ModelName
		if modelName == "" {
			modelName = "deterministic-local-v1"
		}
		var params string
		if row.RetrievalParams != nil {
			encoded, err := canonicalize.Canonical(row.RetrievalParams)
			if err != nil {
				return nil, fmt.Errorf("runhash: encode retrieval params for %s: %w", row.DatapointKey, err)
			}
			params = string(encoded)
		}
		var value string
		if row.Value != nil {
			value = *row.Value
		}
		out = append(out, contracts.DatapointAssessment{
			DatapointKey:     row.DatapointKey,
			Status:           contracts.AssessmentStatus(row.Status),
			Value:            value,
			EvidenceChunkIDs: append([]string(nil), row.EvidenceChunkIDs...),
			Rationale:        row.Rationale,
			ModelName:        modelName,
			PromptHash:       row.PromptHash,
			RetrievalParams:  params,
		})
	}
	return out, nil
}

// Cache memoises run outputs by (tenant_id, run_hash).
type Cache struct {
	store *store.Store
}

// NewCache builds a cache over the given store.
func NewCache(st *store.Store) *Cache {
	return &Cache{store: st}
}

// GetOrCompute returns the cached output for the input's hash, or invokes
// compute, stores its serialized result, and returns it. The bool reports a
// cache hit. A racing writer losing the insert reads back the surviving row,
// which is identical by construction.
func (c *Cache) GetOrCompute(ctx context.Context, runID int64, in Input, compute func() ([]contracts.DatapointAssessment, error)) (string, bool, error) {
	runHash, err := Compute(in)
	if err != nil {
		return "", false, err
	}

	entry, err := c.store.GetRunCacheEntry(ctx, in.TenantID, runHash)
	if err == nil {
		return entry.OutputJSON, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	assessments, err := compute()
	if err != nil {
		return "", false, err
	}
	outputJSON, err := SerializeAssessments(assessments)
	if err != nil {
		return "", false, err
	}

	stored, err := c.store.PutRunCacheEntry(ctx, &contracts.RunCacheEntry{
		RunID:      runID,
		TenantID:   in.TenantID,
		RunHash:    runHash,
		OutputJSON: outputJSON,
	})
	if err != nil {
		return "", false, err
	}
	return stored.OutputJSON, false, nil
}

// Recompute invokes compute unconditionally, skipping the cache read. The
// write still defers to an existing entry, so a bypassed run cannot replace
// what an earlier run stored under the same hash.
func (c *Cache) Recompute(ctx context.Context, runID int64, in Input, compute func() ([]contracts.DatapointAssessment, error)) (string, error) {
	runHash, err := Compute(in)
	if err != nil {
		return "", err
	}
	assessments, err := compute()
	if err != nil {
		return "", err
	}
	outputJSON, err := SerializeAssessments(assessments)
	if err != nil {
		return "", err
	}
	if _, err := c.store.PutRunCacheEntry(ctx, &contracts.RunCacheEntry{
		RunID:      runID,
		TenantID:   in.TenantID,
		RunHash:    runHash,
		OutputJSON: outputJSON,
	}); err != nil {
		return "", err
	}
	return outputJSON, nil
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
