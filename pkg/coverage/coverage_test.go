package coverage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestCohortForCompany(t *testing.T) {
	assert.Equal(t, CohortPhase1, CohortForCompany(boolp(true), intp(2026)))
	assert.Equal(t, CohortPhase2, CohortForCompany(boolp(false), intp(2025)))
	assert.Equal(t, CohortPhase2, CohortForCompany(nil, intp(2024)))
	assert.Equal(t, CohortPhase3, CohortForCompany(boolp(false), intp(2026)))
	assert.Equal(t, CohortPhase3, CohortForCompany(nil, nil))
}

func assessed(key string, status contracts.AssessmentStatus) contracts.DatapointAssessment {
	return contracts.DatapointAssessment{DatapointKey: key, Status: status}
}

func TestMatrixGroupsByObligation(t *testing.T) {
	rows := Matrix([]contracts.DatapointAssessment{
		assessed("e1::a", contracts.StatusPresent),
		assessed("e1::b", contracts.StatusPartial),
		assessed("e2::a", contracts.StatusAbsent),
		assessed("e2::b", contracts.StatusAbsent),
		assessed("e3::a", contracts.StatusNA),
		assessed("no-separator", contracts.StatusPresent),
	})

	require.Len(t, rows, 3)
	assert.Equal(t, "e1", rows[0].ObligationID)
	assert.Equal(t, 2, rows[0].TotalElements)
	assert.Equal(t, 1, rows[0].Present)
	assert.Equal(t, 1, rows[0].Partial)
	assert.InDelta(t, 100.0, rows[0].CoveragePct, 1e-9)
	assert.Equal(t, "Partial", rows[0].Status)

	assert.Equal(t, "e2", rows[1].ObligationID)
	assert.Equal(t, "Absent", rows[1].Status)
	assert.InDelta(t, 0.0, rows[1].CoveragePct, 1e-9)

	assert.Equal(t, "e3", rows[2].ObligationID)
	assert.Equal(t, "NA", rows[2].Status)
}

func TestMatrixStatusEdges(t *testing.T) {
	all := Matrix([]contracts.DatapointAssessment{
		assessed("full::a", contracts.StatusPresent),
		assessed("full::b", contracts.StatusPresent),
	})
	require.Len(t, all, 1)
	assert.Equal(t, "Present", all[0].Status)

	// NA plus Absent with nothing covered grades Absent, not Partial.
	mixed := Matrix([]contracts.DatapointAssessment{
		assessed("m::a", contracts.StatusNA),
		assessed("m::b", contracts.StatusAbsent),
	})
	require.Len(t, mixed, 1)
	assert.Equal(t, "Absent", mixed[0].Status)

	empty := Matrix(nil)
	assert.Empty(t, empty)
}

func obligation(code string) contracts.CompiledObligation {
	return contracts.CompiledObligation{ObligationCode: code, Mandatory: true, Jurisdiction: "EU"}
}

func TestObligationRowsGrading(t *testing.T) {
	rows := ObligationRows(
		[]contracts.CompiledObligation{obligation("e3"), obligation("e1"), obligation("e2"), obligation("e4")},
		[]contracts.DatapointAssessment{
			assessed("e1::a", contracts.StatusPresent),
			assessed("e1::b", contracts.StatusPresent),
			assessed("e2::a", contracts.StatusPresent),
			assessed("e2::b", contracts.StatusAbsent),
			assessed("e3::a", contracts.StatusAbsent),
			assessed("e3::b", contracts.StatusNA),
		},
	)

	require.Len(t, rows, 4)

	assert.Equal(t, "e1", rows[0].ObligationCode)
	assert.Equal(t, contracts.CoverageFull, rows[0].Status)
	assert.Equal(t, 2, rows[0].FullCount)
	assert.Equal(t, 0, rows[0].AbsentCount)

	assert.Equal(t, "e2", rows[1].ObligationCode)
	assert.Equal(t, contracts.CoveragePartial, rows[1].Status)
	assert.Equal(t, 0, rows[1].FullCount)
	assert.Equal(t, 1, rows[1].AbsentCount)

	assert.Equal(t, "e3", rows[2].ObligationCode)
	assert.Equal(t, contracts.CoverageAbsent, rows[2].Status)
	assert.Equal(t, 1, rows[2].AbsentCount)
	assert.Equal(t, 1, rows[2].NACount)

	// No assessment touches e4; the obligation still counts one absence.
	assert.Equal(t, "e4", rows[3].ObligationCode)
	assert.Equal(t, contracts.CoverageAbsent, rows[3].Status)
	assert.Equal(t, 1, rows[3].AbsentCount)
}

func TestObligationRowsMatchExactCode(t *testing.T) {
	rows := ObligationRows(
		[]contracts.CompiledObligation{obligation("e1")},
		[]contracts.DatapointAssessment{
			assessed("e1", contracts.StatusPresent),
			assessed("e10::a", contracts.StatusAbsent),
		},
	)
	require.Len(t, rows, 1)
	assert.Equal(t, contracts.CoverageFull, rows[0].Status)
	assert.Equal(t, 1, rows[0].FullCount)
}

func TestPersistForPlanReplacesRows(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "coverage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())

	ctx := context.Background()
	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "default", Name: "Coverage Co"})
	require.NoError(t, err)

	plan, err := st.InsertCompiledPlan(ctx, &contracts.CompiledPlan{
		EntityID: company.ID,
		Regime:   "CSRD",
		Cohort:   CohortPhase1,
	}, []contracts.CompiledObligation{obligation("e1"), obligation("e2")})
	require.NoError(t, err)

	svc := NewService(st)
	count, err := svc.PersistForPlan(ctx, plan.ID, []contracts.DatapointAssessment{
		assessed("e1::a", contracts.StatusPresent),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := st.ListObligationCoverage(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, contracts.CoverageFull, stored[0].Status)
	assert.Equal(t, contracts.CoverageAbsent, stored[1].Status)

	// A rerun with different assessments replaces the rows.
	count, err = svc.PersistForPlan(ctx, plan.ID, []contracts.DatapointAssessment{
		assessed("e1::a", contracts.StatusPartial),
		assessed("e2::a", contracts.StatusPresent),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err = st.ListObligationCoverage(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, contracts.CoveragePartial, stored[0].Status)
	assert.Equal(t, contracts.CoverageFull, stored[1].Status)
}
