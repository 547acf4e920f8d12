package bundles

import (
	"context"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// AutoSelector asks routing to pick the bundle (and/or the version) itself.
const AutoSelector = "auto"

// DefaultBundleID is the bundle routing falls back to when none is named.
const DefaultBundleID = "esrs_mini"

// Selection is a fully resolved (bundle_id, version) pair.
type Selection struct {
	BundleID string
	Version  string
}

// Resolve maps a possibly-partial bundle request onto a stored bundle
// version. Empty or "auto" selectors fall back to DefaultBundleID; an
// unspecified version routes esrs_mini by the company's reporting year
// (end year wins, then reporting_year, then start year): years before
// 2026 prefer "2024.01", later years prefer "2026.01". When the preferred
// version is not stored, the lexically highest stored version is used.
func Resolve(ctx context.Context, st *store.Store, company *contracts.Company, requestedID, requestedVersion string) (Selection, error) {
	explicitID := requestedID != "" && requestedID != AutoSelector
	explicitVersion := requestedVersion != "" && requestedVersion != AutoSelector

	bundleID := DefaultBundleID
	if explicitID {
		bundleID = requestedID
	}

	if explicitID && explicitVersion {
		return Selection{BundleID: bundleID, Version: requestedVersion}, nil
	}

	rows, err := st.ListRequirementBundleVersions(ctx, bundleID)
	if err != nil {
		return Selection{}, fmt.Errorf("bundles: resolve %s: %w", bundleID, err)
	}
	seen := make(map[string]bool, len(rows))
	versions := make([]string, 0, len(rows))
	for _, row := range rows {
		if !seen[row.Version] {
			seen[row.Version] = true
			versions = append(versions, row.Version)
		}
	}
	sort.Strings(versions)
	if len(versions) == 0 {
		return Selection{}, fmt.Errorf("bundles: %w: %s", ErrBundleNotFound, bundleID)
	}

	if explicitVersion {
		if !seen[requestedVersion] {
			return Selection{}, fmt.Errorf("bundles: %w: %s@%s", ErrBundleNotFound, bundleID, requestedVersion)
		}
		return Selection{BundleID: bundleID, Version: requestedVersion}, nil
	}

	if bundleID == DefaultBundleID {
		if year, ok := company.RoutingYear(); ok {
			preferred := "2026.01"
			if year < 2026 {
				preferred = "2024.01"
			}
			if seen[preferred] {
				return Selection{BundleID: bundleID, Version: preferred}, nil
			}
		}
	}

	return Selection{BundleID: bundleID, Version: versions[len(versions)-1]}, nil
}
