// Package runs executes compliance runs: it resolves the datapoint
// universe, drives retrieval and extraction per datapoint, verifies the
// verdicts, and moves the run through its status machine. The worker is the
// only writer of terminal run statuses.
package runs

import (
	"context"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/artifacts"
	"github.com/tracefirst/attest/pkg/audit"
	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/compiler"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/llm"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/store"
	"github.com/tracefirst/attest/pkg/verifier"
)

// Datapoint is one entry of the resolved universe, independent of whether
// it came from a stored bundle definition or a compiled registry plan.
type Datapoint struct {
	Key                 string
	Title               string
	DisclosureReference string
	Type                contracts.DatapointType
	RequiresBaseline    bool
	Required            bool
}

// FromDefinitions converts stored bundle definitions into the unified
// universe shape. Definitions reaching this point already passed
// applicability and materiality filtering, so every one is required.
func FromDefinitions(defs []contracts.DatapointDefinition) []Datapoint {
	out := make([]Datapoint, 0, len(defs))
	for _, d := range defs {
		out = append(out, Datapoint{
			Key:                 d.DatapointKey,
			Title:               d.Title,
			DisclosureReference: d.DisclosureReference,
			Type:                d.DatapointType,
			RequiresBaseline:    d.RequiresBaseline,
			Required:            true,
		})
	}
	return out
}

// FromGenerated converts compiled-plan datapoints into the unified shape.
func FromGenerated(generated []compiler.GeneratedDatapoint) []Datapoint {
	out := make([]Datapoint, 0, len(generated))
	for _, g := range generated {
		out = append(out, Datapoint{
			Key:                 g.DatapointKey,
			Title:               g.Title,
			DisclosureReference: g.DisclosureReference,
			Type:                contracts.DatapointType(g.DatapointType),
			RequiresBaseline:    g.RequiresBaseline,
			Required:            g.Required,
		})
	}
	return out
}

// PipelineConfig scopes one pipeline invocation.
type PipelineConfig struct {
	RunID              int64
	TenantID           string
	CompanyID          int64
	BundleID           string
	BundleVersion      string
	TopK               int
	RetrievalModelName string
	Relaxed            bool
	Datapoints         []Datapoint
}

// PipelineResult carries everything one pipeline invocation produced.
type PipelineResult struct {
	Assessments []contracts.DatapointAssessment
	Diagnostics []contracts.ExtractionDiagnostics
	Trace       []artifacts.TraceEntry
}

// Pipeline assesses a resolved datapoint universe against the indexed
// corpus. It persists assessments and diagnostics atomically and returns
// the retrieval trace for the caller to store.
type Pipeline struct {
	store     *store.Store
	engine    *retrieval.Engine
	extractor *llm.Extractor
	audit     *audit.Logger
}

// NewPipeline wires a pipeline over an already-indexed retrieval engine.
func NewPipeline(st *store.Store, engine *retrieval.Engine, extractor *llm.Extractor, auditLog *audit.Logger) *Pipeline {
	return &Pipeline{store: st, engine: engine, extractor: extractor, audit: auditLog}
}

// Execute walks the universe in datapoint-key order: retrieve, extract,
// verify, collect. Verification status and rationale overwrite the
// extraction's, but the extracted value and cited chunk IDs are kept so
// downgrades stay inspectable.
func (p *Pipeline) Execute(ctx context.Context, cfg PipelineConfig) (*PipelineResult, error) {
	startedPayload, err := canonicalize.CanonicalString(map[string]any{
		"tenant_id":      cfg.TenantID,
		"bundle_id":      cfg.BundleID,
		"bundle_version": cfg.BundleVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("runs: pipeline started payload: %w", err)
	}
	if _, err := p.store.AppendRunEvent(ctx, cfg.TenantID, cfg.RunID, contracts.EventPipelineStarted, startedPayload); err != nil {
		return nil, err
	}
	p.record(contracts.EventPipelineStarted, map[string]any{
		"run_id":         cfg.RunID,
		"tenant_id":      cfg.TenantID,
		"bundle_id":      cfg.BundleID,
		"bundle_version": cfg.BundleVersion,
	})

	paramsJSON, err := retrievalParamsJSON(cfg.TopK, cfg.RetrievalModelName, p.engine.Policy())
	if err != nil {
		return nil, err
	}

	universe := make([]Datapoint, len(cfg.Datapoints))
	copy(universe, cfg.Datapoints)
	sort.Slice(universe, func(i, j int) bool { return universe[i].Key < universe[j].Key })

	result := &PipelineResult{}
	for _, dp := range universe {
		query := dp.Title + " " + dp.DisclosureReference
		hits, err := p.engine.Search(ctx, cfg.TenantID, cfg.CompanyID, query, cfg.TopK, cfg.Relaxed)
		if err != nil {
			return nil, fmt.Errorf("runs: retrieve %s: %w", dp.Key, err)
		}
		contextChunks := make([]string, 0, len(hits))
		for _, h := range hits {
			contextChunks = append(contextChunks, h.Text)
		}

		extraction, err := p.extractor.Extract(ctx, dp.Key, contextChunks)
		if err != nil {
			return nil, fmt.Errorf("runs: extract %s: %w", dp.Key, err)
		}

		outcome := verifier.Verify(verifier.Input{
			Status:           extraction.Result.Status,
			Value:            extraction.Result.ValueString(),
			EvidenceChunkIDs: extraction.Result.EvidenceChunkIDs,
			Rationale:        extraction.Result.Rationale,
			Results:          hits,
			DatapointType:    dp.Type,
			RequiresBaseline: dp.RequiresBaseline,
		})

		result.Assessments = append(result.Assessments, contracts.DatapointAssessment{
			RunID:            cfg.RunID,
			TenantID:         cfg.TenantID,
			DatapointKey:     dp.Key,
			Status:           outcome.Status,
			Value:            extraction.Result.ValueString(),
			EvidenceChunkIDs: extraction.Result.EvidenceChunkIDs,
			Rationale:        outcome.Rationale,
			ModelName:        p.extractor.ModelName(),
			PromptHash:       extraction.PromptHash,
			RetrievalParams:  paramsJSON,
		})

		diag := contracts.ExtractionDiagnostics{
			RunID:              cfg.RunID,
			TenantID:           cfg.TenantID,
			DatapointKey:       dp.Key,
			VerificationStatus: outcome.VerificationStatus,
			FailureReasonCode:  outcome.FailureReasonCode,
		}
		if outcome.Findings != nil {
			payload, err := canonicalize.CanonicalString(outcome.Findings)
			if err != nil {
				return nil, fmt.Errorf("runs: findings for %s: %w", dp.Key, err)
			}
			diag.PayloadJSON = payload
		}
		result.Diagnostics = append(result.Diagnostics, diag)

		selected := make([]string, len(extraction.Result.EvidenceChunkIDs))
		copy(selected, extraction.Result.EvidenceChunkIDs)
		sort.Strings(selected)
		result.Trace = append(result.Trace, artifacts.TraceEntry{
			DatapointKey:     dp.Key,
			Query:            query,
			SelectedChunkIDs: selected,
			Candidates:       artifacts.Candidates(hits),
		})
	}

	if err := p.store.ReplaceAssessments(ctx, cfg.TenantID, cfg.RunID, result.Assessments, result.Diagnostics); err != nil {
		return nil, err
	}

	completedPayload, err := canonicalize.CanonicalString(map[string]any{
		"tenant_id":        cfg.TenantID,
		"assessment_count": len(result.Assessments),
	})
	if err != nil {
		return nil, fmt.Errorf("runs: pipeline completed payload: %w", err)
	}
	if _, err := p.store.AppendRunEvent(ctx, cfg.TenantID, cfg.RunID, contracts.EventPipelineCompleted, completedPayload); err != nil {
		return nil, err
	}
	p.record(contracts.EventPipelineCompleted, map[string]any{
		"run_id":           cfg.RunID,
		"tenant_id":        cfg.TenantID,
		"assessment_count": len(result.Assessments),
	})

	return result, nil
}

func (p *Pipeline) record(eventType string, fields map[string]any) {
	if p.audit == nil {
		return
	}
	p.audit.Record(eventType, fields)
}

// retrievalParamsJSON renders the per-assessment retrieval parameter block.
// The same JSON is stored on every assessment of a run and feeds its prompt
// hash comparison across runs.
func retrievalParamsJSON(topK int, modelName string, policy contracts.RetrievalPolicy) (string, error) {
	params, err := canonicalize.CanonicalString(map[string]any{
		"top_k":                topK,
		"retrieval_model_name": modelName,
		"query_mode":           "hybrid",
		"retrieval_policy": map[string]any{
			"version":        policy.Version,
			"lexical_weight": policy.LexicalWeight,
			"vector_weight":  policy.VectorWeight,
			"tie_break":      policy.TieBreak,
		},
	})
	if err != nil {
		return "", fmt.Errorf("runs: retrieval params: %w", err)
	}
	return params, nil
}
