package contracts

import "time"

// Company is the reporting entity a run assesses. Immutable within a run.
type Company struct {
	ID                      int64      `json:"id"`
	TenantID                string     `json:"tenant_id"`
	Name                    string     `json:"name"`
	Employees               *int64     `json:"employees,omitempty"`
	Turnover                *float64   `json:"turnover,omitempty"`
	ListedStatus            *bool      `json:"listed_status,omitempty"`
	ReportingYear           *int       `json:"reporting_year,omitempty"`
	ReportingYearStart      *int       `json:"reporting_year_start,omitempty"`
	ReportingYearEnd        *int       `json:"reporting_year_end,omitempty"`
	RegulatoryJurisdictions []string   `json:"regulatory_jurisdictions,omitempty"`
	RegulatoryRegimes       []string   `json:"regulatory_regimes,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
}

// Profile returns the applicability view of the company: exactly the
// whitelisted symbols the expression sandbox may read. Missing fields map
// to JSON null so the profile participates in the run hash unambiguously.
func (c *Company) Profile() map[string]any {
	profile := map[string]any{
		"employees":      nil,
		"turnover":       nil,
		"listed_status":  nil,
		"reporting_year": nil,
	}
	if c.Employees != nil {
		profile["employees"] = *c.Employees
	}
	if c.Turnover != nil {
		profile["turnover"] = *c.Turnover
	}
	if c.ListedStatus != nil {
		profile["listed_status"] = *c.ListedStatus
	}
	if c.ReportingYear != nil {
		profile["reporting_year"] = *c.ReportingYear
	}
	return profile
}

// RoutingYear is the year used for bundle version routing: the explicit
// period end when set, otherwise the bare reporting year, otherwise the
// period start.
func (c *Company) RoutingYear() (int, bool) {
	if c.ReportingYearEnd != nil {
		return *c.ReportingYearEnd, true
	}
	if c.ReportingYear != nil {
		return *c.ReportingYear, true
	}
	if c.ReportingYearStart != nil {
		return *c.ReportingYearStart, true
	}
	return 0, false
}
