// Package contracts holds the shared entity records and enumerations of the
// disclosure engine. Every row is tenant-scoped; times are UTC.
package contracts

import "time"

// RunStatus is the run lifecycle state. Transitions are one-directional
// except the explicit retry gate on failed_pipeline.
type RunStatus string

const (
	RunQueued                RunStatus = "queued"
	RunRunning               RunStatus = "running"
	RunCompleted             RunStatus = "completed"
	RunCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunDegradedNoEvidence    RunStatus = "degraded_no_evidence"
	RunFailedPipeline        RunStatus = "failed_pipeline"
)

// Terminal reports whether s is a terminal state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithWarnings, RunDegradedNoEvidence, RunFailedPipeline:
		return true
	}
	return false
}

// CompilerMode selects the datapoint-universe source for a run.
type CompilerMode string

const (
	CompilerLegacy   CompilerMode = "legacy"
	CompilerRegistry CompilerMode = "registry"
)

// Run is one execution of the engine for a company. Status history lives
// in the event journal, not on the row.
type Run struct {
	ID           int64        `json:"id"`
	TenantID     string       `json:"tenant_id"`
	CompanyID    int64        `json:"company_id"`
	Status       RunStatus    `json:"status"`
	CompilerMode CompilerMode `json:"compiler_mode"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RunEvent is one entry of a run's append-only journal, totally ordered by
// (created_at, id). Payload is canonical JSON.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Event type constants emitted by the worker and pipeline.
const (
	EventRunStarted         = "run.execution.started"
	EventRunCompleted       = "run.execution.completed"
	EventRunFailed          = "run.execution.failed"
	EventRetrievalSmokeTest = "run.execution.retrieval_smoke_test"
	EventPipelineStarted    = "assessment.pipeline.started"
	EventPipelineCompleted  = "assessment.pipeline.completed"
)

// RunMateriality is the per-(run, topic) materiality decision.
type RunMateriality struct {
	RunID      int64  `json:"run_id"`
	TenantID   string `json:"tenant_id"`
	Topic      string `json:"topic"`
	IsMaterial bool   `json:"is_material"`
}

// RunCacheEntry memoises a run's canonical output, keyed by
// (tenant_id, run_hash). RunID names the run that produced the entry.
type RunCacheEntry struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	RunHash    string    `json:"run_hash"`
	OutputJSON string    `json:"output_json"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunInputSnapshot is the write-once canonical record of everything that
// determines a run.
type RunInputSnapshot struct {
	RunID       int64     `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	PayloadJSON string    `json:"payload_json"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunManifest makes a completed run reproducible: every hash and parameter
// needed to replay it bit for bit. The regulatory fields are populated only
// for registry-mode runs.
type RunManifest struct {
	RunID                     int64     `json:"run_id"`
	TenantID                  string    `json:"tenant_id"`
	DocumentHashes            []string  `json:"document_hashes"`
	BundleID                  string    `json:"bundle_id"`
	BundleVersion             string    `json:"bundle_version"`
	RetrievalParams           string    `json:"retrieval_params"`
	ModelName                 string    `json:"model_name"`
	PromptHash                string    `json:"prompt_hash"`
	ReportTemplateVersion     string    `json:"report_template_version"`
	RegulatoryPlanID          *int64    `json:"regulatory_plan_id,omitempty"`
	RegulatoryRegistryVersion string    `json:"regulatory_registry_version,omitempty"`
	RegulatoryCompilerVersion string    `json:"regulatory_compiler_version,omitempty"`
	RegulatoryPlanJSON        string    `json:"regulatory_plan_json,omitempty"`
	RegulatoryPlanHash        string    `json:"regulatory_plan_hash,omitempty"`
	GitSHA                    string    `json:"git_sha,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
}

// RunRegistryArtifact is a named canonical-JSON artifact attached to a run
// in registry mode (compiled_plan, coverage_matrix, retrieval_trace).
type RunRegistryArtifact struct {
	RunID       int64     `json:"run_id"`
	TenantID    string    `json:"tenant_id"`
	ArtifactKey string    `json:"artifact_key"`
	ContentJSON string    `json:"content_json"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registry artifact keys.
const (
	ArtifactCompiledPlan          = "compiled_plan"
	ArtifactCoverageMatrix        = "coverage_matrix"
	ArtifactRetrievalTrace        = "retrieval_trace"
	ArtifactObservabilityManifest = "observability_manifest"
)
