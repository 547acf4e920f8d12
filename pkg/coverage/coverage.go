// Package coverage grades how completely a run's assessments answer the
// compiled obligations. It produces two views: the per-obligation coverage
// rows persisted alongside the compiled plan, and the coverage matrix
// exported as a registry artifact and embedded in reports.
package coverage

import (
	"context"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// Phase-in cohorts. Listed companies report first, unlisted companies with
// older reporting years second, everyone else last.
const (
	CohortPhase1 = "phase_1"
	CohortPhase2 = "phase_2"
	CohortPhase3 = "phase_3"
)

// phase2CutoffYear is the last reporting year assigned to phase_2.
const phase2CutoffYear = 2025

// CohortForCompany derives the phase-in cohort from the company profile.
func CohortForCompany(listedStatus *bool, reportingYear *int) string {
	if listedStatus != nil && *listedStatus {
		return CohortPhase1
	}
	if reportingYear != nil && *reportingYear <= phase2CutoffYear {
		return CohortPhase2
	}
	return CohortPhase3
}

// MatrixRow is one obligation's tally in the coverage matrix artifact.
type MatrixRow struct {
	ObligationID  string  `json:"obligation_id"`
	TotalElements int     `json:"total_elements"`
	Present       int     `json:"present"`
	Partial       int     `json:"partial"`
	Absent        int     `json:"absent"`
	NA            int     `json:"na"`
	CoveragePct   float64 `json:"coverage_pct"`
	Status        string  `json:"status"`
}

// Matrix groups assessments by the obligation prefix of their datapoint key
// and tallies statuses per obligation, sorted by obligation ID. Keys without
// the "obligation::element" form are skipped.
func Matrix(assessments []contracts.DatapointAssessment) []MatrixRow {
	grouped := make(map[string][]contracts.DatapointAssessment)
	for _, a := range assessments {
		if !strings.Contains(a.DatapointKey, "::") {
			continue
		}
		obligationID := strings.SplitN(a.DatapointKey, "::", 2)[0]
		grouped[obligationID] = append(grouped[obligationID], a)
	}

	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]MatrixRow, 0, len(ids))
	for _, id := range ids {
		items := grouped[id]
		present, partial, absent, na := tally(items)
		total := len(items)
		pct := 0.0
		if total > 0 {
			pct = float64(present+partial) / float64(total) * 100.0
		}
		rows = append(rows, MatrixRow{
			ObligationID:  id,
			TotalElements: total,
			Present:       present,
			Partial:       partial,
			Absent:        absent,
			NA:            na,
			CoveragePct:   pct,
			Status:        obligationStatus(present, partial, absent, na, total),
		})
	}
	return rows
}

// obligationStatus reduces the tallies to one label. Fully Present wins,
// then fully NA, then fully Absent or covered-nothing-with-absences;
// anything mixed is Partial.
func obligationStatus(present, partial, absent, na, total int) string {
	covered := present + partial
	switch {
	case present == total:
		return string(contracts.StatusPresent)
	case na == total:
		return string(contracts.StatusNA)
	case absent == total || (covered == 0 && absent > 0):
		return string(contracts.StatusAbsent)
	default:
		return string(contracts.StatusPartial)
	}
}

// ObligationRows evaluates persisted coverage per compiled obligation. An
// obligation matches assessments whose key equals its code or starts with
// "<code>::". Full requires every match Present; any Present or Partial
// match grades Partial; no covered match grades Absent. Obligations with no
// matches at all count one absence.
func ObligationRows(obligations []contracts.CompiledObligation, assessments []contracts.DatapointAssessment) []contracts.ObligationCoverage {
	ordered := append([]contracts.CompiledObligation(nil), obligations...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ObligationCode < ordered[j].ObligationCode })

	rows := make([]contracts.ObligationCoverage, 0, len(ordered))
	for _, obligation := range ordered {
		var matched []contracts.DatapointAssessment
		prefix := obligation.ObligationCode + "::"
		for _, a := range assessments {
			if a.DatapointKey == obligation.ObligationCode || strings.HasPrefix(a.DatapointKey, prefix) {
				matched = append(matched, a)
			}
		}

		present, partial, absent, na := tally(matched)

		var status contracts.CoverageStatus
		var fullCount int
		switch {
		case len(matched) > 0 && present == len(matched):
			status = contracts.CoverageFull
			fullCount = len(matched)
		case present+partial > 0:
			status = contracts.CoveragePartial
		default:
			status = contracts.CoverageAbsent
		}

		absentCount := absent
		if len(matched) == 0 {
			absentCount = 1
		}

		rows = append(rows, contracts.ObligationCoverage{
			CompiledPlanID: obligation.CompiledPlanID,
			ObligationCode: obligation.ObligationCode,
			Status:         status,
			FullCount:      fullCount,
			PartialCount:   partial,
			AbsentCount:    absentCount,
			NACount:        na,
		})
	}
	return rows
}

func tally(items []contracts.DatapointAssessment) (present, partial, absent, na int) {
	for _, item := range items {
		switch item.Status {
		case contracts.StatusPresent:
			present++
		case contracts.StatusPartial:
			partial++
		case contracts.StatusAbsent:
			absent++
		case contracts.StatusNA:
			na++
		}
	}
	return present, partial, absent, na
}

// Service persists coverage evaluations.
type Service struct {
	store *store.Store
}

// NewService builds a coverage service.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// PersistForPlan recomputes and replaces the coverage rows for a compiled
// plan from the run's assessments. Returns the number of rows written.
func (s *Service) PersistForPlan(ctx context.Context, compiledPlanID int64, assessments []contracts.DatapointAssessment) (int, error) {
	obligations, err := s.store.ListCompiledObligations(ctx, compiledPlanID)
	if err != nil {
		return 0, err
	}
	rows := ObligationRows(obligations, assessments)
	for i := range rows {
		rows[i].CompiledPlanID = compiledPlanID
	}
	if err := s.store.ReplaceObligationCoverage(ctx, compiledPlanID, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
