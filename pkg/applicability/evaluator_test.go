package applicability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func companyInput(employees int64, turnover float64, listed bool, year int) map[string]any {
	return map[string]any{
		"company": map[string]any{
			"employees":      employees,
			"turnover":       turnover,
			"listed_status":  listed,
			"reporting_year": year,
		},
	}
}

func TestEvaluateThresholdRules(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	expr := "company.employees > 250 and company.turnover > 20000000"

	got, err := eval.Evaluate(expr, companyInput(320, 25000000.0, true, 2026))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate(expr, companyInput(80, 1000000.0, false, 2024))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateBundleDialectTokens(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	got, err := eval.Evaluate("company.listed_status == True", companyInput(10, 1, true, 2025))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate("not company.listed_status", companyInput(10, 1, false, 2025))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate("company.listed_status == True or company.reporting_year >= 2026",
		companyInput(10, 1, false, 2026))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateNullComparisons(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	input := map[string]any{"company": map[string]any{
		"employees":      nil,
		"turnover":       nil,
		"listed_status":  nil,
		"reporting_year": nil,
	}}

	// Equality against null is defined; null == True is simply false.
	got, err := eval.Evaluate("company.listed_status == True", input)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = eval.Evaluate("company.employees == None", input)
	require.NoError(t, err)
	assert.True(t, got)

	// Ordering against null has no overload and must surface an error.
	_, err = eval.Evaluate("company.employees > 250", input)
	require.Error(t, err)
}

func TestEvaluateRejectsUnknownSymbol(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	_, err = eval.Evaluate("enterprise.employees > 1", companyInput(1, 1, false, 2024))
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestEvaluateRejectsCallsAndRestrictedFields(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	_, err = eval.Evaluate("size(company.employees) > 0", companyInput(1, 1, false, 2024))
	require.ErrorIs(t, err, ErrUnsupportedExpression)

	_, err = eval.Evaluate("company.secret == 1", companyInput(1, 1, false, 2024))
	require.ErrorIs(t, err, ErrUnsupportedExpression)
}

func TestEvaluateArithmeticAndTruthiness(t *testing.T) {
	eval, err := NewCompanyEvaluator()
	require.NoError(t, err)

	got, err := eval.Evaluate("company.turnover / 2.0 > 1000.0", companyInput(1, 4000.0, false, 2024))
	require.NoError(t, err)
	assert.True(t, got)

	// Bare values coerce by emptiness.
	got, err = eval.Evaluate("company.employees", companyInput(10, 1, false, 2024))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate("company.employees", companyInput(0, 1, false, 2024))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateUnrestrictedSymbolFields(t *testing.T) {
	eval, err := NewEvaluator("company", "reporting_period")
	require.NoError(t, err)

	input := map[string]any{
		"company":          map[string]any{"regime": "and"},
		"reporting_period": map[string]any{"start": int64(2024), "end": int64(2025)},
	}

	// Word operators inside string literals survive the rewrite.
	got, err := eval.Evaluate("company.regime == 'and'", input)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate("reporting_period.start < reporting_period.end", input)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRewriteExpression(t *testing.T) {
	assert.Equal(t,
		"company.reporting_year >= 2025 && company.listed == true",
		rewriteExpression("company.reporting_year >= 2025 and company.listed == True"))
	assert.Equal(t,
		`x == "not and or" || ! y`,
		rewriteExpression(`x == "not and or" or not y`))
	assert.Equal(t, "a == null", rewriteExpression("a == None"))
	// Identifier substrings are left alone.
	assert.Equal(t, "android.notify", rewriteExpression("android.notify"))
}
