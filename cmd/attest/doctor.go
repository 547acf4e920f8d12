package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tracefirst/attest/pkg/config"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/store"
	"github.com/tracefirst/attest/pkg/tenants"
)

// runDoctorCmd implements `attest doctor` — system health check.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: configuration
	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{
			Name:   "config",
			Status: "fail",
			Detail: err.Error(),
		})
		allOK = false
	} else {
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("port=%s workers=%d provider=%s", cfg.Port, cfg.Workers, cfg.LLMProvider),
		})
	}

	// Check 3: gate profiles, when a profiles directory exists
	if cfg != nil {
		if _, statErr := os.Stat(cfg.GateProfileDir); statErr == nil {
			profiles, perr := config.LoadAllGateProfiles(cfg.GateProfileDir)
			if perr != nil {
				results = append(results, checkResult{
					Name:   "gate_profiles",
					Status: "fail",
					Detail: perr.Error(),
				})
				allOK = false
			} else {
				names := make([]string, 0, len(profiles))
				for name := range profiles {
					names = append(names, name)
				}
				sort.Strings(names)
				results = append(results, checkResult{
					Name:   "gate_profiles",
					Status: "ok",
					Detail: strings.Join(names, ", "),
				})
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Check 4: database connectivity
	var st *store.Store
	if cfg != nil {
		st, err = store.Open(cfg.DatabaseURL)
		if err == nil {
			err = st.Ping(ctx)
		}
		if err != nil {
			results = append(results, checkResult{
				Name:   "database",
				Status: "fail",
				Detail: err.Error(),
			})
			allOK = false
			st = nil
		} else {
			results = append(results, checkResult{
				Name:   "database",
				Status: "ok",
				Detail: redactDSN(cfg.DatabaseURL),
			})
		}
	}
	if st != nil {
		defer func() { _ = st.Close() }()
	}

	// Check 5: object storage
	if cfg != nil {
		_, osErr := objectstore.NewFromConfig(ctx, objectstore.Config{
			Backend:  cfg.ObjectStorageBackend,
			Root:     cfg.ObjectStorageRoot,
			Bucket:   cfg.ObjectStorageBucket,
			Region:   cfg.ObjectStorageRegion,
			Endpoint: cfg.ObjectStorageEndpoint,
			Prefix:   cfg.ObjectStorageURIPrefix,
		})
		if osErr != nil {
			results = append(results, checkResult{
				Name:   "object_storage",
				Status: "fail",
				Detail: osErr.Error(),
			})
			allOK = false
		} else {
			results = append(results, checkResult{
				Name:   "object_storage",
				Status: "ok",
				Detail: cfg.ObjectStorageBackend,
			})
		}
	}

	// Check 6: schema version
	schemaReady := false
	if st != nil {
		version, dirty, verr := st.SchemaVersion()
		switch {
		case verr != nil:
			results = append(results, checkResult{
				Name:   "schema",
				Status: "fail",
				Detail: verr.Error(),
			})
			allOK = false
		case dirty:
			results = append(results, checkResult{
				Name:   "schema",
				Status: "fail",
				Detail: fmt.Sprintf("version %d is dirty after an interrupted migration", version),
			})
			allOK = false
		case version == 0:
			results = append(results, checkResult{
				Name:   "schema",
				Status: "warn",
				Detail: "no migrations applied yet (run `attest migrate`)",
			})
		default:
			results = append(results, checkResult{
				Name:   "schema",
				Status: "ok",
				Detail: fmt.Sprintf("version %d", version),
			})
			schemaReady = true
		}
	}

	// Check 7: tenant isolation sweep. Every row visible under each
	// configured tenant scope is claimed; a double claim means a store
	// query is leaking across the boundary.
	if st != nil && cfg != nil && schemaReady {
		status, detail := sweepTenantIsolation(ctx, st, doctorTenants(cfg))
		results = append(results, checkResult{
			Name:   "tenant_isolation",
			Status: status,
			Detail: detail,
		})
		if status == "fail" {
			allOK = false
		}
	}

	// Print results
	fmt.Fprintf(stdout, "\n%sAttest Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "─────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. You are ready to run.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}

// doctorTenants returns the sorted set of tenants worth sweeping: every
// tenant named in API_KEYS plus the default scope.
func doctorTenants(cfg *config.Config) []string {
	set := map[string]bool{"default": true}
	for _, tenantID := range cfg.APIKeys {
		set[tenantID] = true
	}
	out := make([]string, 0, len(set))
	for tenantID := range set {
		out = append(out, tenantID)
	}
	sort.Strings(out)
	return out
}

// sweepTenantIsolation registers every company, run, and document visible
// under each tenant scope and verifies no resource is claimed twice.
func sweepTenantIsolation(ctx context.Context, st *store.Store, tenantIDs []string) (status, detail string) {
	checker := tenants.NewChecker()
	resources := 0
	for _, tenantID := range tenantIDs {
		companies, err := st.ListCompanies(ctx, tenantID)
		if err != nil {
			return "fail", fmt.Sprintf("list companies for %s: %v", tenantID, err)
		}
		for _, company := range companies {
			checker.Register(tenantID, tenants.ResourceID("company", company.ID))
			resources++

			runs, err := st.ListRunsForCompany(ctx, tenantID, company.ID)
			if err != nil {
				return "fail", fmt.Sprintf("list runs for %s: %v", tenantID, err)
			}
			for _, run := range runs {
				checker.Register(tenantID, tenants.ResourceID("run", run.ID))
				resources++
			}

			docs, err := st.ListDocumentsForCompany(ctx, tenantID, company.ID)
			if err != nil {
				return "fail", fmt.Sprintf("list documents for %s: %v", tenantID, err)
			}
			for _, doc := range docs {
				checker.Register(tenantID, tenants.ResourceID("document", doc.ID))
				resources++
			}
		}
	}

	ok, violations := checker.Verify()
	if !ok {
		return "fail", violations[0]
	}
	if resources == 0 {
		return "ok", fmt.Sprintf("%d tenant(s), no resources yet", len(tenantIDs))
	}
	return "ok", fmt.Sprintf("%d resource(s) across %d tenant(s), no cross-tenant claims", resources, len(tenantIDs))
}
