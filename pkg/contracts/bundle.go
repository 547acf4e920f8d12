package contracts

import "time"

// DatapointType distinguishes narrative disclosures from quantified metrics
// (which the verifier holds to stricter evidence rules).
type DatapointType string

const (
	DatapointNarrative DatapointType = "narrative"
	DatapointMetric    DatapointType = "metric"
)

// RequirementBundle is a versioned set of datapoint definitions.
type RequirementBundle struct {
	ID        int64     `json:"id"`
	BundleID  string    `json:"bundle_id"`
	Version   string    `json:"version"`
	Standard  string    `json:"standard,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DatapointDefinition is one disclosure unit within a requirement bundle.
type DatapointDefinition struct {
	ID                  int64         `json:"id"`
	RequirementBundleID int64         `json:"requirement_bundle_id"`
	DatapointKey        string        `json:"datapoint_key"`
	Title               string        `json:"title"`
	DisclosureReference string        `json:"disclosure_reference"`
	DatapointType       DatapointType `json:"datapoint_type"`
	RequiresBaseline    bool          `json:"requires_baseline"`
	MaterialityTopic    string        `json:"materiality_topic"`
}

// ApplicabilityRule gates a datapoint on the company profile. Expression is
// interpreted only by the sandboxed evaluator.
type ApplicabilityRule struct {
	ID                  int64  `json:"id"`
	RequirementBundleID int64  `json:"requirement_bundle_id"`
	RuleID              string `json:"rule_id"`
	DatapointKey        string `json:"datapoint_key"`
	Expression          string `json:"expression"`
}

// RegulatoryBundle is the richer registry row the compiler consumes.
// Payload is the validated canonical bundle document; Checksum is the
// SHA-256 of that canonical form. Effective dates are ISO-8601 strings.
type RegulatoryBundle struct {
	ID            int64     `json:"id"`
	BundleID      string    `json:"bundle_id"`
	Version       string    `json:"version"`
	Jurisdiction  string    `json:"jurisdiction"`
	Regime        string    `json:"regime"`
	Checksum      string    `json:"checksum"`
	Payload       string    `json:"payload"`
	EffectiveFrom string    `json:"effective_from,omitempty"`
	EffectiveTo   string    `json:"effective_to,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registry bundle lifecycle states.
const (
	BundleActive   = "active"
	BundleInactive = "inactive"
)

// CompiledPlan is the persisted relational head of a regulatory
// compilation. PhaseInFlags is a JSON object recording the jurisdiction
// and regime selection the plan was compiled under.
type CompiledPlan struct {
	ID            int64     `json:"id"`
	EntityID      int64     `json:"entity_id"`
	ReportingYear *int      `json:"reporting_year,omitempty"`
	Regime        string    `json:"regime"`
	Cohort        string    `json:"cohort"`
	PhaseInFlags  string    `json:"phase_in_flags"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompiledObligation is one applied obligation row of a compiled plan.
type CompiledObligation struct {
	ID             int64     `json:"id"`
	CompiledPlanID int64     `json:"compiled_plan_id"`
	ObligationCode string    `json:"obligation_code"`
	Mandatory      bool      `json:"mandatory"`
	Jurisdiction   string    `json:"jurisdiction"`
	CreatedAt      time.Time `json:"created_at"`
}

// CoverageStatus grades how well a run's assessments cover an obligation.
type CoverageStatus string

const (
	CoverageFull    CoverageStatus = "Full"
	CoveragePartial CoverageStatus = "Partial"
	CoverageAbsent  CoverageStatus = "Absent"
)

// ObligationCoverage is the per-obligation coverage evaluation. FullCount
// is the matched-assessment count only when every match is Present.
type ObligationCoverage struct {
	ID             int64          `json:"id"`
	CompiledPlanID int64          `json:"compiled_plan_id"`
	ObligationCode string         `json:"obligation_code"`
	Status         CoverageStatus `json:"coverage_status"`
	FullCount      int            `json:"full_count"`
	PartialCount   int            `json:"partial_count"`
	AbsentCount    int            `json:"absent_count"`
	NACount        int            `json:"na_count"`
	CreatedAt      time.Time      `json:"created_at"`
}
