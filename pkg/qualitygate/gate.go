// Package qualitygate derives a run's terminal status from its pipeline
// metrics. The evaluation is a pure function over counts and a static
// config, so the same run always lands on the same terminal status.
package qualitygate

import (
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
)

// Config sets the thresholds a run must clear. The failure statuses are
// configurable so operators can soften the gate in early environments
// without editing code.
type Config struct {
	MinDocsDiscovered                     int
	MinDocsIngested                       int
	MinChunksIndexed                      int
	MaxChunkNotFoundRate                  float64
	MinEvidenceHits                       int
	MinEvidenceHitsPerSection             int
	FailOnRequiredNarrativeChunkNotFound  bool
	PipelineFailureStatus                 contracts.RunStatus
	EvidenceFailureStatus                 contracts.RunStatus
}

// DefaultConfig returns the gate thresholds used when configuration is
// silent: at least one ingested document and one indexed chunk, no tolerated
// chunk-not-found verdicts on required narratives, and the standard failure
// statuses.
func DefaultConfig() Config {
	return Config{
		MinDocsDiscovered:                    0,
		MinDocsIngested:                      1,
		MinChunksIndexed:                     1,
		MaxChunkNotFoundRate:                 0.25,
		MinEvidenceHits:                      0,
		MinEvidenceHitsPerSection:            0,
		FailOnRequiredNarrativeChunkNotFound: true,
		PipelineFailureStatus:                contracts.RunFailedPipeline,
		EvidenceFailureStatus:                contracts.RunDegradedNoEvidence,
	}
}

// Metrics are the observed counts for one run. Warnings carries codes that
// do not fail the gate but downgrade a clean completion to
// completed_with_warnings, such as low extracted-text density flags raised
// during ingestion.
type Metrics struct {
	DocsDiscovered                      int
	DocsIngested                        int
	ChunksIndexed                       int
	RequiredNarrativeSectionCount       int
	RequiredNarrativeChunkNotFoundCount int
	ChunkNotFoundCount                  int
	AssessmentCount                     int
	EvidenceHitsTotal                   int
	MinEvidenceHitsInRequiredSection    int
	Warnings                            []string
}

// ChunkNotFoundRate is chunk-not-found verdicts over total assessments;
// zero when the run assessed nothing.
func (m Metrics) ChunkNotFoundRate() float64 {
	if m.AssessmentCount <= 0 {
		return 0.0
	}
	return float64(m.ChunkNotFoundCount) / float64(m.AssessmentCount)
}

// Decision is the gate verdict. Failures and Warnings are sorted short
// codes of the form "<check>:<observed><op><threshold>".
type Decision struct {
	FinalStatus contracts.RunStatus `json:"final_status"`
	Passed      bool                `json:"passed"`
	Failures    []string            `json:"failures"`
	Warnings    []string            `json:"warnings"`
}

// Evaluate applies the gate. Pipeline-ingestion failures outrank evidence
// failures, which outrank warnings; a clean run completes.
func Evaluate(config Config, metrics Metrics) Decision {
	var pipelineFailures, evidenceFailures []string
	warnings := append([]string(nil), metrics.Warnings...)

	if metrics.DocsDiscovered < config.MinDocsDiscovered {
		pipelineFailures = append(pipelineFailures,
			fmt.Sprintf("docs_discovered_below_min:%d<%d", metrics.DocsDiscovered, config.MinDocsDiscovered))
	}
	if metrics.DocsIngested < config.MinDocsIngested {
		pipelineFailures = append(pipelineFailures,
			fmt.Sprintf("docs_ingested_below_min:%d<%d", metrics.DocsIngested, config.MinDocsIngested))
	}
	if metrics.ChunksIndexed < config.MinChunksIndexed {
		pipelineFailures = append(pipelineFailures,
			fmt.Sprintf("chunks_indexed_below_min:%d<%d", metrics.ChunksIndexed, config.MinChunksIndexed))
	}

	rate := metrics.ChunkNotFoundRate()
	if rate > config.MaxChunkNotFoundRate {
		evidenceFailures = append(evidenceFailures,
			fmt.Sprintf("chunk_not_found_rate_above_max:%.6f>%.6f", rate, config.MaxChunkNotFoundRate))
	}
	if config.FailOnRequiredNarrativeChunkNotFound && metrics.RequiredNarrativeChunkNotFoundCount > 0 {
		evidenceFailures = append(evidenceFailures,
			fmt.Sprintf("required_narrative_chunk_not_found:%d", metrics.RequiredNarrativeChunkNotFoundCount))
	}
	if metrics.EvidenceHitsTotal < config.MinEvidenceHits {
		evidenceFailures = append(evidenceFailures,
			fmt.Sprintf("evidence_hits_below_min:%d<%d", metrics.EvidenceHitsTotal, config.MinEvidenceHits))
	}
	if metrics.RequiredNarrativeSectionCount > 0 &&
		metrics.MinEvidenceHitsInRequiredSection < config.MinEvidenceHitsPerSection {
		evidenceFailures = append(evidenceFailures,
			fmt.Sprintf("required_section_evidence_hits_below_min:%d<%d",
				metrics.MinEvidenceHitsInRequiredSection, config.MinEvidenceHitsPerSection))
	}

	if len(pipelineFailures) > 0 {
		sort.Strings(pipelineFailures)
		return Decision{
			FinalStatus: config.PipelineFailureStatus,
			Passed:      false,
			Failures:    pipelineFailures,
			Warnings:    []string{},
		}
	}
	if len(evidenceFailures) > 0 {
		sort.Strings(evidenceFailures)
		return Decision{
			FinalStatus: config.EvidenceFailureStatus,
			Passed:      false,
			Failures:    evidenceFailures,
			Warnings:    []string{},
		}
	}
	if len(warnings) > 0 {
		sort.Strings(warnings)
		return Decision{
			FinalStatus: contracts.RunCompletedWithWarnings,
			Passed:      true,
			Failures:    []string{},
			Warnings:    warnings,
		}
	}
	return Decision{
		FinalStatus: contracts.RunCompleted,
		Passed:      true,
		Failures:    []string{},
		Warnings:    []string{},
	}
}
