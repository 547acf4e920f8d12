// Package manifest assembles the run manifest: the single record that makes
// a completed run reproducible. It pins the document set, bundle, retrieval
// parameters, model, aggregate prompt hash, report template version, and,
// for registry-mode runs, the compiled plan identity.
package manifest

import (
	"context"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// ReportTemplateVersion names the deterministic report renderer. It changes
// whenever report bytes for identical inputs would change.
const ReportTemplateVersion = "md-goldmark-v1"

// Seed carries the manifest fields known to the worker before assessments
// are counted. PromptHash is the prompt-seed hash; it stands in as the
// aggregate when a run produced no assessments.
type Seed struct {
	RunID           int64
	TenantID        string
	CompanyID       int64
	BundleID        string
	BundleVersion   string
	RetrievalParams map[string]any
	ModelName       string
	PromptHash      string
	GitSHA          string

	RegulatoryPlanID          *int64
	RegulatoryRegistryVersion string
	RegulatoryCompilerVersion string
	RegulatoryPlanJSON        string
	RegulatoryPlanHash        string
}

// AggregatePromptHash reduces the per-assessment prompt hashes to one value.
// A single distinct hash is used verbatim; multiple are sorted, canonicalised
// and rehashed; none falls back to the seed hash.
func AggregatePromptHash(assessments []contracts.DatapointAssessment, fallback string) (string, error) {
	if len(assessments) == 0 {
		return fallback, nil
	}
	seen := make(map[string]struct{}, len(assessments))
	distinct := make([]string, 0, len(assessments))
	for _, a := range assessments {
		if _, ok := seen[a.PromptHash]; ok {
			continue
		}
		seen[a.PromptHash] = struct{}{}
		distinct = append(distinct, a.PromptHash)
	}
	if len(distinct) == 1 {
		return distinct[0], nil
	}
	hash, err := canonicalize.Hash(sortedCopy(distinct))
	if err != nil {
		return "", fmt.Errorf("manifest: aggregate prompt hash: %w", err)
	}
	return hash, nil
}

// Builder persists manifests through the store.
type Builder struct {
	store *store.Store
}

// NewBuilder builds a manifest builder.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{store: st}
}

// Persist assembles and upserts the manifest for a run. Document hashes are
// the company's sorted distinct file hashes at persist time; repeated calls
// for the same run overwrite the row.
func (b *Builder) Persist(ctx context.Context, seed Seed, assessments []contracts.DatapointAssessment) (*contracts.RunManifest, error) {
	hashes, err := b.store.ListDocumentHashesForCompany(ctx, seed.TenantID, seed.CompanyID)
	if err != nil {
		return nil, err
	}
	promptHash, err := AggregatePromptHash(assessments, seed.PromptHash)
	if err != nil {
		return nil, err
	}
	params, err := canonicalize.CanonicalString(seed.RetrievalParams)
	if err != nil {
		return nil, fmt.Errorf("manifest: retrieval params: %w", err)
	}

	return b.store.UpsertRunManifest(ctx, &contracts.RunManifest{
		RunID:                     seed.RunID,
		TenantID:                  seed.TenantID,
		DocumentHashes:            hashes,
		BundleID:                  seed.BundleID,
		BundleVersion:             seed.BundleVersion,
		RetrievalParams:           params,
		ModelName:                 seed.ModelName,
		PromptHash:                promptHash,
		ReportTemplateVersion:     ReportTemplateVersion,
		RegulatoryPlanID:          seed.RegulatoryPlanID,
		RegulatoryRegistryVersion: seed.RegulatoryRegistryVersion,
		RegulatoryCompilerVersion: seed.RegulatoryCompilerVersion,
		RegulatoryPlanJSON:        seed.RegulatoryPlanJSON,
		RegulatoryPlanHash:        seed.RegulatoryPlanHash,
		GitSHA:                    seed.GitSHA,
	})
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)
	return out
}
