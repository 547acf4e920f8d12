// Package artifacts persists the registry-mode artifacts attached to a run:
// the compiled plan, the coverage matrix, and the retrieval trace. Each is
// stored as canonical JSON with a SHA-256 checksum so the evidence pack can
// embed it byte-for-byte and the offline verifier can re-check it.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/compiler"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/coverage"
	"github.com/tracefirst/attest/pkg/store"
)

// Evidence-pack paths for exported artifacts.
const (
	PlanPackPath   = "registry/compiled_plan.json"
	MatrixPackPath = "registry/coverage_matrix.json"
)

// TraceCandidate is one ranked retrieval result in a trace entry. Rank is
// 1-based.
type TraceCandidate struct {
	Rank          int     `json:"rank"`
	ChunkID       string  `json:"chunk_id"`
	DocumentID    int64   `json:"document_id"`
	PageNumber    int     `json:"page_number"`
	StartOffset   int     `json:"start_offset"`
	EndOffset     int     `json:"end_offset"`
	LexicalScore  float64 `json:"lexical_score"`
	VectorScore   float64 `json:"vector_score"`
	CombinedScore float64 `json:"combined_score"`
}

// TraceEntry records one datapoint's retrieval: the query, every candidate
// in rank order, and the chunk IDs the extraction actually cited.
type TraceEntry struct {
	DatapointKey     string           `json:"datapoint_key"`
	Query            string           `json:"query"`
	SelectedChunkIDs []string         `json:"selected_chunk_ids"`
	Candidates       []TraceCandidate `json:"candidates"`
}

// Candidates converts ranked retrieval results into trace candidates.
func Candidates(results []contracts.RetrievalResult) []TraceCandidate {
	out := make([]TraceCandidate, 0, len(results))
	for i, r := range results {
		out = append(out, TraceCandidate{
			Rank:          i + 1,
			ChunkID:       r.ChunkID,
			DocumentID:    r.DocumentID,
			PageNumber:    r.PageNumber,
			StartOffset:   r.StartOffset,
			EndOffset:     r.EndOffset,
			LexicalScore:  r.LexicalScore,
			VectorScore:   r.VectorScore,
			CombinedScore: r.CombinedScore,
		})
	}
	return out
}

// PlanPayload renders a compiled plan as the artifact payload with its own
// checksum embedded. The embedded checksum digests the payload without the
// checksum key, so consumers can strip and re-derive it.
func PlanPayload(plan *compiler.Plan) (map[string]any, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("artifacts: encode plan: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("artifacts: decode plan: %w", err)
	}
	checksum, err := canonicalize.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("artifacts: plan checksum: %w", err)
	}
	payload["checksum"] = checksum
	return payload, nil
}

// Service writes run registry artifacts through the store.
type Service struct {
	store *store.Store
}

// NewService builds an artifact service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) upsert(ctx context.Context, tenantID string, runID int64, key string, payload any) error {
	content, err := canonicalize.CanonicalString(payload)
	if err != nil {
		return fmt.Errorf("artifacts: canonicalize %s: %w", key, err)
	}
	checksum, err := canonicalize.Hash(payload)
	if err != nil {
		return fmt.Errorf("artifacts: checksum %s: %w", key, err)
	}
	return s.store.UpsertRunRegistryArtifact(ctx, &contracts.RunRegistryArtifact{
		RunID:       runID,
		TenantID:    tenantID,
		ArtifactKey: key,
		ContentJSON: content,
		Checksum:    checksum,
	})
}

// PersistPlan writes the compiled_plan artifact.
func (s *Service) PersistPlan(ctx context.Context, tenantID string, runID int64, plan *compiler.Plan) error {
	payload, err := PlanPayload(plan)
	if err != nil {
		return err
	}
	return s.upsert(ctx, tenantID, runID, contracts.ArtifactCompiledPlan, payload)
}

// PersistCoverageMatrix computes and writes the coverage_matrix artifact
// from the run's assessments.
func (s *Service) PersistCoverageMatrix(ctx context.Context, tenantID string, runID int64, assessments []contracts.DatapointAssessment) error {
	rows := coverage.Matrix(assessments)
	return s.upsert(ctx, tenantID, runID, contracts.ArtifactCoverageMatrix, rows)
}

// PersistObservabilityManifest writes the observability_manifest artifact,
// the corpus-health report assembled for the run.
func (s *Service) PersistObservabilityManifest(ctx context.Context, tenantID string, runID int64, report any) error {
	return s.upsert(ctx, tenantID, runID, contracts.ArtifactObservabilityManifest, report)
}

// PersistRetrievalTrace writes the retrieval_trace artifact. Entries are
// sorted by datapoint key before persisting.
func (s *Service) PersistRetrievalTrace(ctx context.Context, tenantID string, runID int64, topK int, policy contracts.RetrievalPolicy, entries []TraceEntry) error {
	ordered := append([]TraceEntry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DatapointKey < ordered[j].DatapointKey })
	if ordered == nil {
		ordered = []TraceEntry{}
	}
	payload := map[string]any{
		"run_id":           runID,
		"retrieval_top_k":  topK,
		"retrieval_policy": policy,
		"entries":          ordered,
	}
	return s.upsert(ctx, tenantID, runID, contracts.ArtifactRetrievalTrace, payload)
}

// PackEntries loads the run's plan and matrix artifacts keyed by their
// evidence-pack paths. Runs without registry artifacts yield an empty map.
func (s *Service) PackEntries(ctx context.Context, tenantID string, runID int64) (map[string][]byte, error) {
	rows, err := s.store.ListRunRegistryArtifacts(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("artifacts: list: %w", err)
	}
	out := make(map[string][]byte)
	for _, row := range rows {
		switch row.ArtifactKey {
		case contracts.ArtifactCompiledPlan:
			out[PlanPackPath] = []byte(row.ContentJSON)
		case contracts.ArtifactCoverageMatrix:
			out[MatrixPackPath] = []byte(row.ContentJSON)
		}
	}
	return out, nil
}
