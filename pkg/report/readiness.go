package report

import (
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
)

// Blocking reason codes surfaced by the export-readiness endpoint and the
// 409 bodies of the report and evidence-pack endpoints.
const (
	ReasonAssessmentsMissing = "assessments_missing"
	ReasonManifestMissing    = "manifest_missing_for_report"
	reasonRunNotCompleted    = "run_not_completed:"
)

// Error codes for export 409 responses.
const (
	CodeReportNotReady       = "report_not_ready"
	CodeEvidencePackNotReady = "evidence_pack_not_ready"
)

// Readiness reports whether a run's exports can be produced and what
// blocks them. BlockingReasons is sorted and covers both exports.
type Readiness struct {
	ReportReady       bool            `json:"report_ready"`
	EvidencePackReady bool            `json:"evidence_pack_ready"`
	Checks            map[string]bool `json:"checks"`
	BlockingReasons   []string        `json:"blocking_reasons"`
}

// EvaluateReadiness derives export readiness from the run status and the
// presence of its manifest and assessments. A report needs all three; an
// evidence pack does not need the manifest.
func EvaluateReadiness(status contracts.RunStatus, hasManifest bool, assessmentCount int) Readiness {
	completed := status == contracts.RunCompleted
	hasAssessments := assessmentCount > 0

	reasons := []string{}
	if !hasAssessments {
		reasons = append(reasons, ReasonAssessmentsMissing)
	}
	if !hasManifest {
		reasons = append(reasons, ReasonManifestMissing)
	}
	if !completed {
		reasons = append(reasons, reasonRunNotCompleted+string(status))
	}
	sort.Strings(reasons)

	return Readiness{
		ReportReady:       completed && hasManifest && hasAssessments,
		EvidencePackReady: completed && hasAssessments,
		Checks: map[string]bool{
			"run_completed":   completed,
			"has_manifest":    hasManifest,
			"has_assessments": hasAssessments,
		},
		BlockingReasons: reasons,
	}
}

// ReportBlockers returns the sorted reasons blocking the report export,
// empty when it is ready.
func (r Readiness) ReportBlockers() []string {
	if r.ReportReady {
		return []string{}
	}
	return append([]string(nil), r.BlockingReasons...)
}

// PackBlockers returns the sorted reasons blocking the evidence pack;
// the manifest requirement does not apply.
func (r Readiness) PackBlockers() []string {
	if r.EvidencePackReady {
		return []string{}
	}
	out := []string{}
	for _, reason := range r.BlockingReasons {
		if reason == ReasonManifestMissing {
			continue
		}
		out = append(out, reason)
	}
	return out
}
