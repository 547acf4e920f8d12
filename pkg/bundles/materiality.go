package bundles

import (
	"context"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// GeneralTopic datapoints are always in scope; materiality answers cannot
// switch them off.
const GeneralTopic = "general"

// RequiredDatapoints resolves the datapoint universe a run must assess:
// every datapoint whose applicability rule evaluates true for the company,
// minus datapoints whose materiality topic was answered "not material" for
// the run. Result is sorted by datapoint_key and deduplicated, so repeat
// resolution is byte-stable.
func RequiredDatapoints(ctx context.Context, st *store.Store, eval *applicability.Evaluator, company *contracts.Company, bundleRowID int64, materiality map[string]bool) ([]contracts.DatapointDefinition, error) {
	rules, err := st.ListApplicabilityRules(ctx, bundleRowID)
	if err != nil {
		return nil, fmt.Errorf("bundles: required datapoints: %w", err)
	}
	defs, err := st.ListDatapointDefs(ctx, bundleRowID)
	if err != nil {
		return nil, fmt.Errorf("bundles: required datapoints: %w", err)
	}
	byKey := make(map[string]contracts.DatapointDefinition, len(defs))
	for _, dp := range defs {
		byKey[dp.DatapointKey] = dp
	}

	input := map[string]any{"company": company.Profile()}
	required := make(map[string]bool)
	for _, rule := range rules {
		ok, err := eval.Evaluate(rule.Expression, input)
		if err != nil {
			return nil, fmt.Errorf("bundles: rule %s: %w", rule.RuleID, err)
		}
		if !ok {
			continue
		}

		topic := GeneralTopic
		if dp, found := byKey[rule.DatapointKey]; found && dp.MaterialityTopic != "" {
			topic = dp.MaterialityTopic
		}
		if topic != GeneralTopic {
			if material, answered := materiality[topic]; answered && !material {
				continue
			}
		}
		required[rule.DatapointKey] = true
	}

	keys := make([]string, 0, len(required))
	for key := range required {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]contracts.DatapointDefinition, 0, len(keys))
	for _, key := range keys {
		if dp, found := byKey[key]; found {
			out = append(out, dp)
		}
	}
	return out, nil
}

// Keys projects definitions onto their datapoint keys, preserving order.
func Keys(defs []contracts.DatapointDefinition) []string {
	keys := make([]string, 0, len(defs))
	for _, dp := range defs {
		keys = append(keys, dp.DatapointKey)
	}
	return keys
}

// MaterialityMap folds run materiality rows into a topic -> answer map.
func MaterialityMap(rows []contracts.RunMateriality) map[string]bool {
	m := make(map[string]bool, len(rows))
	for _, row := range rows {
		m[row.Topic] = row.IsMaterial
	}
	return m
}
