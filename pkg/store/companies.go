package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// CreateCompany inserts a company and returns it with the generated id.
func (s *Store) CreateCompany(ctx context.Context, c *contracts.Company) (*contracts.Company, error) {
	now := utcNow()
	jurisdictions, err := json.Marshal(emptySlice(c.RegulatoryJurisdictions))
	if err != nil {
		return nil, fmt.Errorf("store: encode jurisdictions: %w", err)
	}
	regimes, err := json.Marshal(emptySlice(c.RegulatoryRegimes))
	if err != nil {
		return nil, fmt.Errorf("store: encode regimes: %w", err)
	}

	query := `INSERT INTO company (
		name, tenant_id, employees, turnover, listed_status,
		reporting_year, reporting_year_start, reporting_year_end,
		regulatory_jurisdictions, regulatory_regimes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insertID(ctx, s.db, query,
		c.Name, c.TenantID,
		nullInt64(c.Employees), nullFloat64(c.Turnover), nullBool(c.ListedStatus),
		nullInt(c.ReportingYear), nullInt(c.ReportingYearStart), nullInt(c.ReportingYearEnd),
		string(jurisdictions), string(regimes), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert company: %w", err)
	}

	out := *c
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// GetCompany fetches one company within the tenant scope.
func (s *Store) GetCompany(ctx context.Context, tenantID string, id int64) (*contracts.Company, error) {
	query := `SELECT id, name, tenant_id, employees, turnover, listed_status,
		reporting_year, reporting_year_start, reporting_year_end,
		regulatory_jurisdictions, regulatory_regimes, created_at
	FROM company WHERE id = ? AND tenant_id = ?`

	row := s.db.QueryRowContext(ctx, s.rebind(query), id, tenantID)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get company %d: %w", id, err)
	}
	return c, nil
}

// ListCompanies returns every company of the tenant ordered by id.
func (s *Store) ListCompanies(ctx context.Context, tenantID string) ([]*contracts.Company, error) {
	query := `SELECT id, name, tenant_id, employees, turnover, listed_status,
		reporting_year, reporting_year_start, reporting_year_end,
		regulatory_jurisdictions, regulatory_regimes, created_at
	FROM company WHERE tenant_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list companies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var companies []*contracts.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan company: %w", err)
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompany(row rowScanner) (*contracts.Company, error) {
	var (
		c             contracts.Company
		employees     sql.NullInt64
		turnover      sql.NullFloat64
		listed        sql.NullBool
		year          sql.NullInt64
		yearStart     sql.NullInt64
		yearEnd       sql.NullInt64
		jurisdictions string
		regimes       string
		createdAt     string
	)
	err := row.Scan(&c.ID, &c.Name, &c.TenantID, &employees, &turnover, &listed,
		&year, &yearStart, &yearEnd, &jurisdictions, &regimes, &createdAt)
	if err != nil {
		return nil, err
	}
	if employees.Valid {
		c.Employees = &employees.Int64
	}
	if turnover.Valid {
		c.Turnover = &turnover.Float64
	}
	if listed.Valid {
		c.ListedStatus = &listed.Bool
	}
	c.ReportingYear = intPtr(year)
	c.ReportingYearStart = intPtr(yearStart)
	c.ReportingYearEnd = intPtr(yearEnd)
	if err := json.Unmarshal([]byte(jurisdictions), &c.RegulatoryJurisdictions); err != nil {
		return nil, fmt.Errorf("decode jurisdictions: %w", err)
	}
	if err := json.Unmarshal([]byte(regimes), &c.RegulatoryRegimes); err != nil {
		return nil, fmt.Errorf("decode regimes: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func emptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
