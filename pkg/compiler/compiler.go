// Package compiler turns registered regulatory bundles into the compiled
// obligation plan a registry-mode run executes against. Compilation is a
// pure function of the active bundle set and the company context, so two
// runs over the same inputs produce byte-identical plans.
package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/bundles"
)

// Version tags every plan this build emits.
const Version = "reg-compiler-v1"

// ExclusionPhaseIn marks obligations dropped because their applies_if
// gate failed or every element was phased out.
const ExclusionPhaseIn = "applies_if_false_or_phase_in"

// Context is the evaluation input for applies_if gates and phase-in
// rules. Keys mirror the symbols rule expressions may reference.
type Context struct {
	Company         map[string]any
	Jurisdictions   []string
	Regimes         []string
	ReportingPeriod map[string]any
}

func (c Context) input() map[string]any {
	return map[string]any{
		"company":          c.Company,
		"jurisdictions":    c.Jurisdictions,
		"regimes":          c.Regimes,
		"reporting_period": c.ReportingPeriod,
	}
}

// NewEvaluator builds the sandboxed evaluator compilation runs rules
// through. All four context symbols are declared; field access is not
// restricted because bundle authors control the key space.
func NewEvaluator() (*applicability.Evaluator, error) {
	return applicability.NewEvaluator("company", "jurisdictions", "regimes", "reporting_period")
}

// Element is one in-scope component of a compiled obligation.
type Element struct {
	ElementID        string
	Label            string
	Required         bool
	DatapointType    string
	RequiresBaseline bool
}

// Obligation is one applied obligation with its surviving elements,
// sorted by element_id.
type Obligation struct {
	ObligationID        string
	Title               string
	StandardReference   string
	DisclosureReference string
	SourceRecordIDs     []string
	Elements            []Element
}

// Excluded records one obligation the compiler dropped and why.
type Excluded struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// ruleExpression renders a phase-in rule as a sandbox expression. Bare
// keys read off the company profile; dotted keys address the context
// directly.
func ruleExpression(r bundles.PhaseInRule) string {
	path := r.Key
	if !strings.Contains(path, ".") {
		path = "company." + path
	}
	return fmt.Sprintf("%s %s %s", path, r.Operator, renderLiteral(r.Value))
}

// renderLiteral formats a JSON value as an expression literal. Integral
// floats print without a fraction so int comparisons stay int-typed.
func renderLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case string:
		return strconv.Quote(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// CompileBundle applies one bundle's obligations to the context: the
// applies_if gate first, then per-element phase-in rules. Obligations
// keep only elements whose rules all hold; an obligation with none left
// is excluded. Output is sorted by obligation_id, elements by element_id.
func CompileBundle(eval *applicability.Evaluator, f *bundles.RegulatoryFile, ctx Context) ([]Obligation, []Excluded, error) {
	input := ctx.input()

	obls := make([]bundles.Obligation, len(f.Obligations))
	copy(obls, f.Obligations)
	sort.Slice(obls, func(i, j int) bool { return obls[i].ObligationID < obls[j].ObligationID })

	var applied []Obligation
	var excluded []Excluded
	for _, ob := range obls {
		if ob.AppliesIf != "" {
			ok, err := eval.Evaluate(ob.AppliesIf, input)
			if err != nil {
				return nil, nil, fmt.Errorf("compiler: applies_if %s: %w", ob.ObligationID, err)
			}
			if !ok {
				excluded = append(excluded, Excluded{ID: ob.ObligationID, Reason: ExclusionPhaseIn})
				continue
			}
		}

		els := make([]bundles.Element, len(ob.Elements))
		copy(els, ob.Elements)
		sort.Slice(els, func(i, j int) bool { return els[i].ElementID < els[j].ElementID })

		var inScope []Element
		for _, el := range els {
			keep := true
			for _, rule := range el.PhaseInRules {
				ok, err := eval.Evaluate(ruleExpression(rule), input)
				if err != nil {
					return nil, nil, fmt.Errorf("compiler: phase-in %s/%s: %w", ob.ObligationID, el.ElementID, err)
				}
				if !ok {
					keep = false
					break
				}
			}
			if keep {
				inScope = append(inScope, Element{
					ElementID:        el.ElementID,
					Label:            el.Label,
					Required:         el.Required,
					DatapointType:    el.DatapointType,
					RequiresBaseline: el.RequiresBaseline,
				})
			}
		}
		if len(inScope) == 0 {
			excluded = append(excluded, Excluded{ID: ob.ObligationID, Reason: ExclusionPhaseIn})
			continue
		}

		applied = append(applied, Obligation{
			ObligationID:        ob.ObligationID,
			Title:               ob.Title,
			StandardReference:   ob.StandardReference,
			DisclosureReference: ob.DisclosureReference,
			SourceRecordIDs:     sourceRecords(ob.SourceRecordIDs, f.SourceRecordIDs),
			Elements:            inScope,
		})
	}
	return applied, excluded, nil
}

// sourceRecords prefers the obligation's own provenance and falls back to
// the bundle's, deduplicated and sorted.
func sourceRecords(own, bundle []string) []string {
	src := own
	if len(src) == 0 {
		src = bundle
	}
	seen := make(map[string]bool, len(src))
	out := make([]string, 0, len(src))
	for _, id := range src {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
