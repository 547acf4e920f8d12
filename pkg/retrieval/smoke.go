package retrieval

import (
	"context"
	"fmt"
)

// DiagnosticFilterTooStrict is emitted when the company-scoped candidate
// set is empty while the tenant holds indexed content. It means documents
// exist but none are linked to the run's company.
const DiagnosticFilterTooStrict = "FILTER_TOO_STRICT"

// SmokeResult reports the pre-extraction retrieval probe.
type SmokeResult struct {
	Query        string `json:"query"`
	StrictCount  int    `json:"strict_count"`
	RelaxedCount int    `json:"relaxed_count"`
	Diagnostic   string `json:"diagnostic,omitempty"`
	RelaxApplied bool   `json:"relax_applied"`
}

// SmokeTest probes whether retrieval can see anything before extraction
// starts. When the strict scope is empty but the relaxed scope is not,
// the FILTER_TOO_STRICT diagnostic is raised and, if allowRelax, the
// caller should run the rest of the run with the company filter relaxed.
func (e *Engine) SmokeTest(ctx context.Context, tenantID string, companyID int64, query string, topK int, allowRelax bool) (SmokeResult, error) {
	res := SmokeResult{Query: query}

	strict, err := e.Search(ctx, tenantID, companyID, query, topK, false)
	if err != nil {
		return res, fmt.Errorf("retrieval: smoke strict: %w", err)
	}
	res.StrictCount = len(strict)
	if res.StrictCount > 0 {
		return res, nil
	}

	relaxed, err := e.Search(ctx, tenantID, companyID, query, topK, true)
	if err != nil {
		return res, fmt.Errorf("retrieval: smoke relaxed: %w", err)
	}
	res.RelaxedCount = len(relaxed)
	if res.RelaxedCount > 0 {
		res.Diagnostic = DiagnosticFilterTooStrict
		res.RelaxApplied = allowRelax
	}
	return res, nil
}
