package bundles

import (
	"context"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// Import persists a parsed bundle document. Re-importing the same
// (bundle_id, version) replaces its datapoints and rules wholesale, so the
// operation is idempotent for unchanged files and self-healing for edited
// ones.
func Import(ctx context.Context, st *store.Store, f *File) (*contracts.RequirementBundle, error) {
	bundle := contracts.RequirementBundle{
		BundleID: f.BundleID,
		Version:  f.Version,
		Standard: f.Standard,
	}

	datapoints := make([]contracts.DatapointDefinition, 0, len(f.Datapoints))
	for _, dp := range f.Datapoints {
		datapoints = append(datapoints, contracts.DatapointDefinition{
			DatapointKey:        dp.DatapointKey,
			Title:               dp.Title,
			DisclosureReference: dp.DisclosureReference,
			DatapointType:       contracts.DatapointType(dp.DatapointType),
			RequiresBaseline:    dp.RequiresBaseline,
			MaterialityTopic:    dp.MaterialityTopic,
		})
	}

	rules := make([]contracts.ApplicabilityRule, 0, len(f.ApplicabilityRules))
	for _, r := range f.ApplicabilityRules {
		rules = append(rules, contracts.ApplicabilityRule{
			RuleID:       r.RuleID,
			DatapointKey: r.DatapointKey,
			Expression:   r.Expression,
		})
	}

	imported, err := st.UpsertRequirementBundle(ctx, &bundle, datapoints, rules)
	if err != nil {
		return nil, fmt.Errorf("bundles: import %s@%s: %w", f.BundleID, f.Version, err)
	}
	return imported, nil
}

// ImportFile loads, validates, and imports one bundle document from disk.
func ImportFile(ctx context.Context, st *store.Store, path string) (*contracts.RequirementBundle, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Import(ctx, st, f)
}
