package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// UpsertRequirementBundle writes a bundle and its children in one
// transaction. Re-importing an existing (bundle_id, version) replaces the
// datapoint definitions and applicability rules wholesale, so imports are
// idempotent.
func (s *Store) UpsertRequirementBundle(ctx context.Context, bundle *contracts.RequirementBundle, datapoints []contracts.DatapointDefinition, rules []contracts.ApplicabilityRule) (*contracts.RequirementBundle, error) {
	now := utcNow()
	out := *bundle

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var bundleRowID int64
		find := `SELECT id FROM requirement_bundle WHERE bundle_id = ? AND version = ?`
		err := tx.QueryRowContext(ctx, s.rebind(find), bundle.BundleID, bundle.Version).Scan(&bundleRowID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			insert := `INSERT INTO requirement_bundle (bundle_id, version, standard, created_at)
				VALUES (?, ?, ?, ?)`
			bundleRowID, err = s.insertID(ctx, tx, insert,
				bundle.BundleID, bundle.Version, bundle.Standard, formatTime(now))
			if err != nil {
				return fmt.Errorf("insert bundle: %w", err)
			}
			out.CreatedAt = now
		case err != nil:
			return fmt.Errorf("find bundle: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM applicability_rule WHERE requirement_bundle_id = ?`), bundleRowID); err != nil {
				return fmt.Errorf("delete rules: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM datapoint_def WHERE requirement_bundle_id = ?`), bundleRowID); err != nil {
				return fmt.Errorf("delete datapoints: %w", err)
			}
		}
		out.ID = bundleRowID

		dpQuery := `INSERT INTO datapoint_def (
			requirement_bundle_id, datapoint_key, title, disclosure_reference,
			datapoint_type, requires_baseline, materiality_topic, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		for _, dp := range datapoints {
			if _, err := tx.ExecContext(ctx, s.rebind(dpQuery),
				bundleRowID, dp.DatapointKey, dp.Title, dp.DisclosureReference,
				string(dp.DatapointType), dp.RequiresBaseline, dp.MaterialityTopic, formatTime(now)); err != nil {
				return fmt.Errorf("insert datapoint %s: %w", dp.DatapointKey, err)
			}
		}

		ruleQuery := `INSERT INTO applicability_rule (
			requirement_bundle_id, rule_id, datapoint_key, expression, created_at
		) VALUES (?, ?, ?, ?, ?)`
		for _, r := range rules {
			if _, err := tx.ExecContext(ctx, s.rebind(ruleQuery),
				bundleRowID, r.RuleID, r.DatapointKey, r.Expression, formatTime(now)); err != nil {
				return fmt.Errorf("insert rule %s: %w", r.RuleID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert requirement bundle: %w", err)
	}
	return &out, nil
}

// GetRequirementBundle fetches one (bundle_id, version) row.
func (s *Store) GetRequirementBundle(ctx context.Context, bundleID, version string) (*contracts.RequirementBundle, error) {
	query := `SELECT id, bundle_id, version, standard, created_at
	FROM requirement_bundle WHERE bundle_id = ? AND version = ?`

	var (
		b         contracts.RequirementBundle
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), bundleID, version).
		Scan(&b.ID, &b.BundleID, &b.Version, &b.Standard, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get requirement bundle", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// ListRequirementBundleVersions returns every stored version of a bundle.
// Version precedence is decided by the caller, not by row order.
func (s *Store) ListRequirementBundleVersions(ctx context.Context, bundleID string) ([]*contracts.RequirementBundle, error) {
	query := `SELECT id, bundle_id, version, standard, created_at
	FROM requirement_bundle WHERE bundle_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), bundleID)
	if err != nil {
		return nil, fmt.Errorf("store: list bundle versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bundles []*contracts.RequirementBundle
	for rows.Next() {
		var (
			b         contracts.RequirementBundle
			createdAt string
		)
		if err := rows.Scan(&b.ID, &b.BundleID, &b.Version, &b.Standard, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan bundle: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		bundles = append(bundles, &b)
	}
	return bundles, rows.Err()
}

// ListDatapointDefs returns a bundle's datapoint definitions ordered by
// datapoint_key. The assessment pipeline walks them in exactly this order.
func (s *Store) ListDatapointDefs(ctx context.Context, requirementBundleID int64) ([]contracts.DatapointDefinition, error) {
	query := `SELECT id, requirement_bundle_id, datapoint_key, title, disclosure_reference,
		datapoint_type, requires_baseline, materiality_topic
	FROM datapoint_def WHERE requirement_bundle_id = ? ORDER BY datapoint_key`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), requirementBundleID)
	if err != nil {
		return nil, fmt.Errorf("store: list datapoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []contracts.DatapointDefinition
	for rows.Next() {
		var (
			dp     contracts.DatapointDefinition
			dpType string
		)
		if err := rows.Scan(&dp.ID, &dp.RequirementBundleID, &dp.DatapointKey, &dp.Title,
			&dp.DisclosureReference, &dpType, &dp.RequiresBaseline, &dp.MaterialityTopic); err != nil {
			return nil, fmt.Errorf("store: scan datapoint: %w", err)
		}
		dp.DatapointType = contracts.DatapointType(dpType)
		defs = append(defs, dp)
	}
	return defs, rows.Err()
}

// ListApplicabilityRules returns a bundle's rules ordered by rule_id then
// datapoint_key; required-datapoint resolution walks them in this order.
func (s *Store) ListApplicabilityRules(ctx context.Context, requirementBundleID int64) ([]contracts.ApplicabilityRule, error) {
	query := `SELECT id, requirement_bundle_id, rule_id, datapoint_key, expression
	FROM applicability_rule WHERE requirement_bundle_id = ? ORDER BY rule_id, datapoint_key`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), requirementBundleID)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []contracts.ApplicabilityRule
	for rows.Next() {
		var r contracts.ApplicabilityRule
		if err := rows.Scan(&r.ID, &r.RequirementBundleID, &r.RuleID, &r.DatapointKey, &r.Expression); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
