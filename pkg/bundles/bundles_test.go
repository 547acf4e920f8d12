package bundles

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bundles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())
	return st
}

func mustCompany(t *testing.T, st *store.Store, tenantID string, year int) *contracts.Company {
	t.Helper()
	employees := int64(320)
	turnover := 25_000_000.0
	listed := true
	c, err := st.CreateCompany(context.Background(), &contracts.Company{
		TenantID:      tenantID,
		Name:          "Aurora Manufacturing",
		Employees:     &employees,
		Turnover:      &turnover,
		ListedStatus:  &listed,
		ReportingYear: &year,
	})
	require.NoError(t, err)
	return c
}

const miniBundleJSON = `{
  "bundle_id": "esrs_mini",
  "version": "2024.01",
  "standard": "ESRS",
  "schema_version": "1.2.0",
  "datapoints": [
    {"datapoint_key": "E1-1", "title": "Transition plan", "disclosure_reference": "ESRS E1 par 14", "materiality_topic": "climate"},
    {"datapoint_key": "G1-1", "title": "Business conduct policies", "disclosure_reference": "ESRS G1 par 7"},
    {"datapoint_key": "S1-1", "title": "Own workforce policies", "disclosure_reference": "ESRS S1 par 19", "materiality_topic": "workforce", "datapoint_type": "metric", "requires_baseline": true}
  ],
  "applicability_rules": [
    {"rule_id": "r-e1", "datapoint_key": "E1-1", "expression": "company.employees > 250"},
    {"rule_id": "r-g1", "datapoint_key": "G1-1", "expression": "True"},
    {"rule_id": "r-s1", "datapoint_key": "S1-1", "expression": "company.employees > 250"}
  ]
}`

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte(miniBundleJSON))
	require.NoError(t, err)

	assert.Equal(t, "esrs_mini", f.BundleID)
	assert.Equal(t, "2024.01", f.Version)
	require.Len(t, f.Datapoints, 3)

	// G1-1 spells out neither topic nor type.
	assert.Equal(t, "general", f.Datapoints[1].MaterialityTopic)
	assert.Equal(t, "narrative", f.Datapoints[1].DatapointType)
	assert.Equal(t, "metric", f.Datapoints[2].DatapointType)
	assert.True(t, f.Datapoints[2].RequiresBaseline)
}

func TestParseRejectsUnknownTopLevelField(t *testing.T) {
	_, err := Parse([]byte(`{
	  "bundle_id": "x", "version": "1", "standard": "ESRS",
	  "datapoints": [], "applicability_rules": [],
	  "surprise": true
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestParseRejectsUnsupportedSchemaVersion(t *testing.T) {
	_, err := Parse([]byte(`{
	  "bundle_id": "x", "version": "1", "standard": "ESRS",
	  "schema_version": "2.0.0",
	  "datapoints": [], "applicability_rules": []
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBundle)
	assert.Contains(t, err.Error(), "schema_version")
}

func TestParseRejectsMissingRequiredFields(t *testing.T) {
	_, err := Parse([]byte(`{"bundle_id": "x", "version": "1"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestImportRoundTripAndReplace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	f, err := Parse([]byte(miniBundleJSON))
	require.NoError(t, err)

	imported, err := Import(ctx, st, f)
	require.NoError(t, err)
	require.NotZero(t, imported.ID)

	defs, err := st.ListDatapointDefs(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "E1-1", defs[0].DatapointKey)
	assert.Equal(t, contracts.DatapointMetric, defs[2].DatapointType)
	assert.Equal(t, "workforce", defs[2].MaterialityTopic)

	rules, err := st.ListApplicabilityRules(ctx, imported.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	// Re-import with one datapoint dropped: children are replaced, not merged.
	f.Datapoints = f.Datapoints[:2]
	f.ApplicabilityRules = f.ApplicabilityRules[:2]
	again, err := Import(ctx, st, f)
	require.NoError(t, err)
	assert.Equal(t, imported.ID, again.ID)

	defs, err = st.ListDatapointDefs(ctx, again.ID)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func seedVersions(t *testing.T, st *store.Store, bundleID string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		_, err := Import(context.Background(), st, &File{
			BundleID: bundleID,
			Version:  v,
			Standard: "ESRS",
		})
		require.NoError(t, err)
	}
}

func TestResolveRoutesDefaultBundleByYear(t *testing.T) {
	st := newTestStore(t)
	seedVersions(t, st, DefaultBundleID, "2024.01", "2026.01")

	early := mustCompany(t, st, "t1", 2025)
	sel, err := Resolve(context.Background(), st, early, AutoSelector, "")
	require.NoError(t, err)
	assert.Equal(t, Selection{BundleID: "esrs_mini", Version: "2024.01"}, sel)

	late := mustCompany(t, st, "t1", 2026)
	sel, err = Resolve(context.Background(), st, late, "", AutoSelector)
	require.NoError(t, err)
	assert.Equal(t, Selection{BundleID: "esrs_mini", Version: "2026.01"}, sel)
}

func TestResolveFallsBackToHighestStoredVersion(t *testing.T) {
	st := newTestStore(t)
	seedVersions(t, st, DefaultBundleID, "2023.02", "2023.10")

	company := mustCompany(t, st, "t1", 2025)
	sel, err := Resolve(context.Background(), st, company, AutoSelector, AutoSelector)
	require.NoError(t, err)
	assert.Equal(t, "2023.10", sel.Version)
}

func TestResolveExplicitPairSkipsLookup(t *testing.T) {
	st := newTestStore(t)
	company := mustCompany(t, st, "t1", 2025)

	// Nothing stored, but an explicit pair is taken at face value.
	sel, err := Resolve(context.Background(), st, company, "custom_pack", "9.9")
	require.NoError(t, err)
	assert.Equal(t, Selection{BundleID: "custom_pack", Version: "9.9"}, sel)
}

func TestResolveUnknownVersionFails(t *testing.T) {
	st := newTestStore(t)
	seedVersions(t, st, "ifrs_pack", "1.0")
	company := mustCompany(t, st, "t1", 2025)

	_, err := Resolve(context.Background(), st, company, "ifrs_pack", "")
	require.NoError(t, err)

	_, err = Resolve(context.Background(), st, company, "ifrs_pack", AutoSelector)
	require.NoError(t, err)

	_, err = Resolve(context.Background(), st, company, AutoSelector, "1.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBundleNotFound)

	_, err = Resolve(context.Background(), st, company, "missing_pack", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBundleNotFound)
}

func TestRequiredDatapointsMaterialityFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	f, err := Parse([]byte(miniBundleJSON))
	require.NoError(t, err)
	imported, err := Import(ctx, st, f)
	require.NoError(t, err)

	eval, err := applicability.NewCompanyEvaluator()
	require.NoError(t, err)
	company := mustCompany(t, st, "t1", 2026)

	// No materiality answers: everything applicable is required.
	defs, err := RequiredDatapoints(ctx, st, eval, company, imported.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1-1", "G1-1", "S1-1"}, Keys(defs))

	// workforce answered not material drops S1-1; climate answered material
	// keeps E1-1; the general datapoint is untouchable either way.
	defs, err = RequiredDatapoints(ctx, st, eval, company, imported.ID, map[string]bool{
		"climate":   true,
		"workforce": false,
		"general":   false,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"E1-1", "G1-1"}, Keys(defs))
}

func TestRequiredDatapointsRuleGate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	f, err := Parse([]byte(miniBundleJSON))
	require.NoError(t, err)
	imported, err := Import(ctx, st, f)
	require.NoError(t, err)

	eval, err := applicability.NewCompanyEvaluator()
	require.NoError(t, err)

	employees := int64(40)
	small, err := st.CreateCompany(ctx, &contracts.Company{
		TenantID:  "t1",
		Name:      "Boutique Ltd",
		Employees: &employees,
	})
	require.NoError(t, err)

	defs, err := RequiredDatapoints(ctx, st, eval, small, imported.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"G1-1"}, Keys(defs))
}

func TestMaterialityMap(t *testing.T) {
	m := MaterialityMap([]contracts.RunMateriality{
		{Topic: "climate", IsMaterial: true},
		{Topic: "workforce", IsMaterial: false},
	})
	assert.Equal(t, map[string]bool{"climate": true, "workforce": false}, m)
}
