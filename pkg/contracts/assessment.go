package contracts

import "time"

// AssessmentStatus is the extraction verdict for one datapoint.
type AssessmentStatus string

const (
	StatusPresent AssessmentStatus = "Present"
	StatusPartial AssessmentStatus = "Partial"
	StatusAbsent  AssessmentStatus = "Absent"
	StatusNA      AssessmentStatus = "NA"
)

// Downgrade steps Present -> Partial -> Absent. Absent and NA are floors.
func (s AssessmentStatus) Downgrade() AssessmentStatus {
	switch s {
	case StatusPresent:
		return StatusPartial
	case StatusPartial:
		return StatusAbsent
	}
	return s
}

// RequiresEvidence reports whether the status must cite evidence chunks.
func (s AssessmentStatus) RequiresEvidence() bool {
	return s == StatusPresent || s == StatusPartial
}

// DatapointAssessment is the stored verdict for one (run, datapoint_key).
// Invariant: Present/Partial rows carry at least one evidence chunk ID.
type DatapointAssessment struct {
	ID               int64            `json:"id"`
	RunID            int64            `json:"run_id"`
	TenantID         string           `json:"tenant_id"`
	DatapointKey     string           `json:"datapoint_key"`
	Status           AssessmentStatus `json:"status"`
	Value            string           `json:"value,omitempty"`
	EvidenceChunkIDs []string         `json:"evidence_chunk_ids"`
	Rationale        string           `json:"rationale"`
	ModelName        string           `json:"model_name"`
	PromptHash       string           `json:"prompt_hash"`
	RetrievalParams  string           `json:"retrieval_params"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ExtractionDiagnostics records the verification outcome for one
// assessment, kept separate so downgrades stay auditable. PayloadJSON
// carries the structured findings for metric datapoints.
type ExtractionDiagnostics struct {
	ID                 int64     `json:"id"`
	RunID              int64     `json:"run_id"`
	TenantID           string    `json:"tenant_id"`
	DatapointKey       string    `json:"datapoint_key"`
	VerificationStatus string    `json:"verification_status"`
	FailureReasonCode  string    `json:"failure_reason_code,omitempty"`
	PayloadJSON        string    `json:"payload_json,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Verification outcome labels.
const (
	VerificationPassed     = "passed"
	VerificationDowngraded = "downgraded"
	VerificationSkipped    = "skipped"
)
