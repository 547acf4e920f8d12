package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/bundles"
	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// DefaultJurisdiction applies when a company declares none.
const DefaultJurisdiction = "EU"

// DefaultEURegime is selected for EU companies when no regimes are
// configured.
const DefaultEURegime = "CSRD_ESRS"

// GlobalJurisdiction bundles match every jurisdiction selection.
const GlobalJurisdiction = "GLOBAL"

// SelectedBundle records one bundle a plan was compiled from.
type SelectedBundle struct {
	Regime   string `json:"regime"`
	BundleID string `json:"bundle_id"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// PlanElement is the plan-payload projection of an in-scope element.
type PlanElement struct {
	ElementID string `json:"element_id"`
	Label     string `json:"label"`
	Required  bool   `json:"required"`
}

// AppliedObligation is one obligation row of the plan payload.
type AppliedObligation struct {
	ID                  string        `json:"id"`
	StandardReference   string        `json:"standard_reference"`
	DisclosureReference string        `json:"disclosure_reference"`
	Elements            []PlanElement `json:"elements"`
	PhaseInApplied      bool          `json:"phase_in_applied"`
	SourceRecordIDs     []string      `json:"source_record_ids"`
}

// Plan is the canonical compiled-plan payload persisted with a run and
// exported into its evidence pack.
type Plan struct {
	CompilerVersion     string              `json:"compiler_version"`
	SelectedBundles     []SelectedBundle    `json:"selected_bundles"`
	Jurisdictions       []string            `json:"jurisdictions"`
	Regimes             []string            `json:"regimes"`
	ObligationsApplied  []AppliedObligation `json:"obligations_applied"`
	ObligationsExcluded []Excluded          `json:"obligations_excluded"`
	GeneratedAt         string              `json:"generated_at,omitempty"`
}

// Hash digests the plan minus generated_at, so recompiling identical
// inputs at a different time yields the same hash.
func (p *Plan) Hash() (string, error) {
	q := *p
	q.GeneratedAt = ""
	sum, err := canonicalize.Hash(&q)
	if err != nil {
		return "", fmt.Errorf("compiler: plan hash: %w", err)
	}
	return sum, nil
}

// Result carries a finished compilation: the payload, its hash, and the
// richer in-memory obligations datapoint generation reads from.
type Result struct {
	Plan        *Plan
	PlanHash    string
	Obligations []Obligation
}

// Service compiles plans against the bundle registry.
type Service struct {
	store   *store.Store
	eval    *applicability.Evaluator
	regimes []string
}

// NewService wires a compiler over the registry store. Configured regimes
// override the EU default selection.
func NewService(st *store.Store, regimes []string) (*Service, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("compiler: evaluator: %w", err)
	}
	return &Service{store: st, eval: eval, regimes: regimes}, nil
}

// CompileForCompany selects the latest active bundle per (regime,
// bundle_id) for the company's jurisdictions, compiles each, applies
// overlays, and assembles the deterministic plan payload.
func (s *Service) CompileForCompany(ctx context.Context, company *contracts.Company) (*Result, error) {
	jurisdictions := selectedJurisdictions(company)
	regimes := s.selectedRegimes(company, jurisdictions)
	evalCtx := companyContext(company, jurisdictions, regimes)

	rows, err := s.store.ListRegulatoryBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiler: list bundles: %w", err)
	}
	selected := pickLatestBundles(rows, jurisdictions, regimes)

	var applied []Obligation
	var excluded []Excluded
	selectedRows := make([]SelectedBundle, 0, len(selected))
	files := make([]*bundles.RegulatoryFile, 0, len(selected))
	for _, row := range selected {
		var f bundles.RegulatoryFile
		if err := json.Unmarshal([]byte(row.Payload), &f); err != nil {
			return nil, fmt.Errorf("compiler: decode %s@%s: %w", row.BundleID, row.Version, err)
		}
		files = append(files, &f)
		selectedRows = append(selectedRows, SelectedBundle{
			Regime:   row.Regime,
			BundleID: row.BundleID,
			Version:  row.Version,
			Checksum: row.Checksum,
		})

		obls, excl, err := CompileBundle(s.eval, &f, evalCtx)
		if err != nil {
			return nil, err
		}
		applied = append(applied, obls...)
		excluded = append(excluded, excl...)
	}

	applied, excluded, err = s.applyOverlays(files, jurisdictions, evalCtx, applied, excluded)
	if err != nil {
		return nil, err
	}

	sort.Slice(applied, func(i, j int) bool { return applied[i].ObligationID < applied[j].ObligationID })
	sort.Slice(excluded, func(i, j int) bool {
		if excluded[i].ID != excluded[j].ID {
			return excluded[i].ID < excluded[j].ID
		}
		return excluded[i].Reason < excluded[j].Reason
	})
	sort.Slice(selectedRows, func(i, j int) bool {
		a, b := selectedRows[i], selectedRows[j]
		if a.Regime != b.Regime {
			return a.Regime < b.Regime
		}
		if a.BundleID != b.BundleID {
			return a.BundleID < b.BundleID
		}
		return a.Version < b.Version
	})

	plan := &Plan{
		CompilerVersion:     Version,
		SelectedBundles:     selectedRows,
		Jurisdictions:       jurisdictions,
		Regimes:             regimes,
		ObligationsApplied:  planRows(applied),
		ObligationsExcluded: append([]Excluded{}, excluded...),
		GeneratedAt:         time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	hash, err := plan.Hash()
	if err != nil {
		return nil, err
	}
	return &Result{Plan: plan, PlanHash: hash, Obligations: applied}, nil
}

// applyOverlays runs each selected bundle's overlays for the company's
// jurisdictions in disable -> modify -> add order.
func (s *Service) applyOverlays(files []*bundles.RegulatoryFile, jurisdictions []string, evalCtx Context, applied []Obligation, excluded []Excluded) ([]Obligation, []Excluded, error) {
	match := make(map[string]bool, len(jurisdictions))
	for _, j := range jurisdictions {
		match[j] = true
	}

	for _, f := range files {
		for _, overlay := range f.Overlays {
			if !match[overlay.Jurisdiction] {
				continue
			}

			for _, id := range overlay.ObligationsDisable {
				kept := applied[:0]
				removed := false
				for _, ob := range applied {
					if ob.ObligationID == id {
						removed = true
						continue
					}
					kept = append(kept, ob)
				}
				applied = kept
				if removed {
					excluded = append(excluded, Excluded{ID: id, Reason: "overlay_disabled:" + overlay.OverlayID})
				}
			}

			for _, patch := range overlay.ObligationsModify {
				for i := range applied {
					if applied[i].ObligationID != patch.ObligationID {
						continue
					}
					if patch.StandardReference != "" {
						applied[i].StandardReference = patch.StandardReference
					}
					if patch.DisclosureReference != "" {
						applied[i].DisclosureReference = patch.DisclosureReference
					}
				}
			}

			if len(overlay.ObligationsAdd) > 0 {
				tmp := &bundles.RegulatoryFile{
					BundleID:     "overlay",
					Version:      "v1",
					Jurisdiction: GlobalJurisdiction,
					Regime:       "OVERLAY",
					Obligations:  overlay.ObligationsAdd,
				}
				obls, excl, err := CompileBundle(s.eval, tmp, evalCtx)
				if err != nil {
					return nil, nil, fmt.Errorf("compiler: overlay %s: %w", overlay.OverlayID, err)
				}
				applied = append(applied, obls...)
				excluded = append(excluded, excl...)
			}
		}
	}
	return applied, excluded, nil
}

func planRows(applied []Obligation) []AppliedObligation {
	rows := make([]AppliedObligation, 0, len(applied))
	for _, ob := range applied {
		els := make([]PlanElement, 0, len(ob.Elements))
		for _, el := range ob.Elements {
			els = append(els, PlanElement{ElementID: el.ElementID, Label: el.Label, Required: el.Required})
		}
		srcs := ob.SourceRecordIDs
		if srcs == nil {
			srcs = []string{}
		}
		rows = append(rows, AppliedObligation{
			ID:                  ob.ObligationID,
			StandardReference:   ob.StandardReference,
			DisclosureReference: ob.DisclosureReference,
			Elements:            els,
			PhaseInApplied:      false,
			SourceRecordIDs:     srcs,
		})
	}
	return rows
}

func selectedJurisdictions(company *contracts.Company) []string {
	if len(company.RegulatoryJurisdictions) == 0 {
		return []string{DefaultJurisdiction}
	}
	out := append([]string{}, company.RegulatoryJurisdictions...)
	sort.Strings(out)
	return out
}

// selectedRegimes prefers the company's declared regimes, then the
// service configuration, then the EU default.
func (s *Service) selectedRegimes(company *contracts.Company, jurisdictions []string) []string {
	if len(company.RegulatoryRegimes) > 0 {
		out := append([]string{}, company.RegulatoryRegimes...)
		sort.Strings(out)
		return out
	}
	if len(s.regimes) > 0 {
		out := append([]string{}, s.regimes...)
		sort.Strings(out)
		return out
	}
	for _, j := range jurisdictions {
		if j == DefaultJurisdiction {
			return []string{DefaultEURegime}
		}
	}
	return []string{}
}

func companyContext(company *contracts.Company, jurisdictions, regimes []string) Context {
	profile := map[string]any{
		"employees":            nil,
		"turnover":             nil,
		"listed_status":        nil,
		"reporting_year":       nil,
		"reporting_year_start": nil,
		"reporting_year_end":   nil,
	}
	if company.Employees != nil {
		profile["employees"] = *company.Employees
	}
	if company.Turnover != nil {
		profile["turnover"] = *company.Turnover
	}
	if company.ListedStatus != nil {
		profile["listed_status"] = *company.ListedStatus
	}
	if company.ReportingYear != nil {
		profile["reporting_year"] = *company.ReportingYear
	}
	if company.ReportingYearStart != nil {
		profile["reporting_year_start"] = *company.ReportingYearStart
	}
	if company.ReportingYearEnd != nil {
		profile["reporting_year_end"] = *company.ReportingYearEnd
	}

	period := map[string]any{"start": nil, "end": nil}
	if company.ReportingYearStart != nil {
		period["start"] = *company.ReportingYearStart
	}
	if company.ReportingYearEnd != nil {
		period["end"] = *company.ReportingYearEnd
	}

	return Context{
		Company:         profile,
		Jurisdictions:   jurisdictions,
		Regimes:         regimes,
		ReportingPeriod: period,
	}
}

// pickLatestBundles filters active bundles to the selected regimes and
// jurisdictions (GLOBAL always matches) and keeps the highest version per
// (regime, bundle_id) group, groups in sorted order.
func pickLatestBundles(rows []*contracts.RegulatoryBundle, jurisdictions, regimes []string) []*contracts.RegulatoryBundle {
	wantRegime := make(map[string]bool, len(regimes))
	for _, r := range regimes {
		wantRegime[r] = true
	}
	wantJurisdiction := make(map[string]bool, len(jurisdictions))
	for _, j := range jurisdictions {
		wantJurisdiction[j] = true
	}

	groups := make(map[string][]*contracts.RegulatoryBundle)
	for _, row := range rows {
		if row.Status != contracts.BundleActive {
			continue
		}
		if !wantRegime[row.Regime] {
			continue
		}
		if !wantJurisdiction[row.Jurisdiction] && row.Jurisdiction != GlobalJurisdiction {
			continue
		}
		key := row.Regime + "\x00" + row.BundleID
		groups[key] = append(groups[key], row)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*contracts.RegulatoryBundle, 0, len(keys))
	for _, k := range keys {
		group := groups[k]
		best := group[0]
		for _, row := range group[1:] {
			if versionLess(best.Version, row.Version) {
				best = row
			}
		}
		out = append(out, best)
	}
	return out
}

// versionLess orders versions by numeric token: "2024.1" < "2024.10",
// and "v1-beta" tokens that are not numeric weigh zero.
func versionLess(a, b string) bool {
	at, bt := versionTokens(a), versionTokens(b)
	n := len(at)
	if len(bt) > n {
		n = len(bt)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(at) {
			av = at[i]
		}
		if i < len(bt) {
			bv = bt[i]
		}
		if av != bv {
			return av < bv
		}
	}
	return a < b
}

func versionTokens(v string) []int {
	parts := strings.Split(strings.ReplaceAll(v, "-", "."), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out[i] = n
		}
	}
	return out
}
