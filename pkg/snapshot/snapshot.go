// Package snapshot captures the write-once record of everything that
// determined a run: company profile, materiality, bundle, retrieval
// parameters, the resolved datapoint universe, and the documents the run
// saw. Auditors replay a run from its snapshot without consulting any
// mutable table.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/store"
)

// ErrConflict is returned when a run already holds a snapshot with a
// different checksum. That means the run's inputs changed after the first
// execution attempt, which the write-once contract forbids.
var ErrConflict = errors.New("snapshot: payload differs from stored snapshot")

// SelectedDocument is one document visible to the run at snapshot time.
type SelectedDocument struct {
	DocumentID int64  `json:"document_id"`
	SHA256Hash string `json:"sha256_hash"`
	Title      string `json:"title"`
}

// Payload carries the snapshot fields before canonicalisation.
type Payload struct {
	RunID                     int64
	TenantID                  string
	CompanyID                 int64
	CompanyProfile            map[string]any
	MaterialityInputs         map[string]bool
	BundleID                  string
	BundleVersion             string
	CompilerMode              contracts.CompilerMode
	Retrieval                 map[string]any
	RequiredDatapointUniverse []string
	DiscoveryCandidates       []contracts.DocumentDiscoveryCandidate
	SelectedDocuments         []SelectedDocument
	RetrievalSmokeTest        *retrieval.SmokeResult
}

// Build renders the canonical snapshot JSON and its checksum. Lists are
// sorted so the checksum is independent of query order.
func Build(p Payload) (string, string, error) {
	mode := p.CompilerMode
	if mode == "" {
		mode = contracts.CompilerLegacy
	}
	materiality := p.MaterialityInputs
	if materiality == nil {
		materiality = map[string]bool{}
	}

	universe := append([]string(nil), p.RequiredDatapointUniverse...)
	sort.Strings(universe)
	if universe == nil {
		universe = []string{}
	}

	candidates := make([]map[string]any, 0, len(p.DiscoveryCandidates))
	for _, c := range p.DiscoveryCandidates {
		candidates = append(candidates, map[string]any{
			"title":      c.Title,
			"source_url": c.SourceURL,
			"score":      c.Score,
			"accepted":   c.Accepted,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i]["source_url"].(string) < candidates[j]["source_url"].(string)
	})

	docs := append([]SelectedDocument(nil), p.SelectedDocuments...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentID < docs[j].DocumentID })
	if docs == nil {
		docs = []SelectedDocument{}
	}

	var smoke any
	if p.RetrievalSmokeTest != nil {
		smoke = *p.RetrievalSmokeTest
	}

	payload := map[string]any{
		"run_id":                      p.RunID,
		"tenant_id":                   p.TenantID,
		"company_id":                  p.CompanyID,
		"company_profile":             p.CompanyProfile,
		"materiality_inputs":          materiality,
		"bundle_id":                   p.BundleID,
		"bundle_version":              p.BundleVersion,
		"compiler_mode":               string(mode),
		"retrieval":                   p.Retrieval,
		"required_datapoint_universe": universe,
		"discovery_candidates":        candidates,
		"selected_documents":          docs,
		"retrieval_smoke_test":        smoke,
	}

	payloadJSON, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return "", "", fmt.Errorf("snapshot: %w", err)
	}
	return payloadJSON, canonicalize.HashBytes([]byte(payloadJSON)), nil
}

// Service persists snapshots through the store's write-once contract.
type Service struct {
	store *store.Store
}

// NewService builds a snapshot service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Persist writes the run's snapshot if none exists. A repeat write with the
// same payload returns the stored row; a repeat write with a different
// payload fails with ErrConflict. The bool reports whether this call
// created the row.
func (s *Service) Persist(ctx context.Context, p Payload) (*contracts.RunInputSnapshot, bool, error) {
	payloadJSON, checksum, err := Build(p)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.store.GetRunInputSnapshot(ctx, p.TenantID, p.RunID)
	if err == nil {
		if existing.Checksum != checksum {
			return nil, false, fmt.Errorf("%w: run %d", ErrConflict, p.RunID)
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	stored, err := s.store.PutRunInputSnapshot(ctx, &contracts.RunInputSnapshot{
		RunID:       p.RunID,
		TenantID:    p.TenantID,
		PayloadJSON: payloadJSON,
		Checksum:    checksum,
	})
	if err != nil {
		return nil, false, err
	}
	// A racing writer may have committed first with different inputs.
	if stored.Checksum != checksum {
		return nil, false, fmt.Errorf("%w: run %d", ErrConflict, p.RunID)
	}
	return stored, true, nil
}
