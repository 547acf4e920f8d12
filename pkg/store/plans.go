package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// InsertCompiledPlan persists the relational head of a compilation and its
// obligation rows in one transaction.
func (s *Store) InsertCompiledPlan(ctx context.Context, plan *contracts.CompiledPlan, obligations []contracts.CompiledObligation) (*contracts.CompiledPlan, error) {
	now := utcNow()
	out := *plan

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		flags := plan.PhaseInFlags
		if flags == "" {
			flags = "{}"
		}
		insert := `INSERT INTO compiled_plan (entity_id, reporting_year, regime, cohort, phase_in_flags, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`
		planID, err := s.insertID(ctx, tx, insert,
			plan.EntityID, nullInt(plan.ReportingYear), plan.Regime, plan.Cohort, flags, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert compiled plan: %w", err)
		}
		out.ID = planID
		out.PhaseInFlags = flags
		out.CreatedAt = now

		obQuery := `INSERT INTO compiled_obligation (compiled_plan_id, obligation_code, mandatory, jurisdiction, created_at)
			VALUES (?, ?, ?, ?, ?)`
		for _, ob := range obligations {
			jurisdiction := ob.Jurisdiction
			if jurisdiction == "" {
				jurisdiction = "EU"
			}
			if _, err := tx.ExecContext(ctx, s.rebind(obQuery),
				planID, ob.ObligationCode, ob.Mandatory, jurisdiction, formatTime(now)); err != nil {
				return fmt.Errorf("insert obligation %s: %w", ob.ObligationCode, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: insert compiled plan: %w", err)
	}
	return &out, nil
}

// GetCompiledPlan fetches one compiled plan row.
func (s *Store) GetCompiledPlan(ctx context.Context, id int64) (*contracts.CompiledPlan, error) {
	query := `SELECT id, entity_id, reporting_year, regime, cohort, phase_in_flags, created_at
	FROM compiled_plan WHERE id = ?`

	var (
		p         contracts.CompiledPlan
		year      sql.NullInt64
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).
		Scan(&p.ID, &p.EntityID, &year, &p.Regime, &p.Cohort, &p.PhaseInFlags, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get compiled plan", err)
	}
	p.ReportingYear = intPtr(year)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// ListCompiledObligations returns a plan's obligations ordered by code.
func (s *Store) ListCompiledObligations(ctx context.Context, compiledPlanID int64) ([]contracts.CompiledObligation, error) {
	query := `SELECT id, compiled_plan_id, obligation_code, mandatory, jurisdiction, created_at
	FROM compiled_obligation WHERE compiled_plan_id = ? ORDER BY obligation_code`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), compiledPlanID)
	if err != nil {
		return nil, fmt.Errorf("store: list obligations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.CompiledObligation
	for rows.Next() {
		var (
			ob        contracts.CompiledObligation
			createdAt string
		)
		if err := rows.Scan(&ob.ID, &ob.CompiledPlanID, &ob.ObligationCode, &ob.Mandatory, &ob.Jurisdiction, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan obligation: %w", err)
		}
		ob.CreatedAt = parseTime(createdAt)
		out = append(out, ob)
	}
	return out, rows.Err()
}

// ReplaceObligationCoverage rewrites the coverage rows of a plan in one
// transaction.
func (s *Store) ReplaceObligationCoverage(ctx context.Context, compiledPlanID int64, coverage []contracts.ObligationCoverage) error {
	now := formatTime(utcNow())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		del := `DELETE FROM obligation_coverage WHERE compiled_plan_id = ?`
		if _, err := tx.ExecContext(ctx, s.rebind(del), compiledPlanID); err != nil {
			return fmt.Errorf("delete coverage: %w", err)
		}
		insert := `INSERT INTO obligation_coverage (
			compiled_plan_id, obligation_code, coverage_status,
			full_count, partial_count, absent_count, na_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		for _, c := range coverage {
			if _, err := tx.ExecContext(ctx, s.rebind(insert),
				compiledPlanID, c.ObligationCode, string(c.Status),
				c.FullCount, c.PartialCount, c.AbsentCount, c.NACount, now); err != nil {
				return fmt.Errorf("insert coverage %s: %w", c.ObligationCode, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace coverage: %w", err)
	}
	return nil
}

// ListObligationCoverage returns a plan's coverage ordered by code.
func (s *Store) ListObligationCoverage(ctx context.Context, compiledPlanID int64) ([]contracts.ObligationCoverage, error) {
	query := `SELECT id, compiled_plan_id, obligation_code, coverage_status,
		full_count, partial_count, absent_count, na_count, created_at
	FROM obligation_coverage WHERE compiled_plan_id = ? ORDER BY obligation_code`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), compiledPlanID)
	if err != nil {
		return nil, fmt.Errorf("store: list coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ObligationCoverage
	for rows.Next() {
		var (
			c         contracts.ObligationCoverage
			status    string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.CompiledPlanID, &c.ObligationCode, &status,
			&c.FullCount, &c.PartialCount, &c.AbsentCount, &c.NACount, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan coverage: %w", err)
		}
		c.Status = contracts.CoverageStatus(status)
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
