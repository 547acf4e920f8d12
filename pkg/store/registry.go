package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// UpsertRegulatoryBundle stores or refreshes one registry row keyed by
// (bundle_id, version). A matching checksum leaves the row untouched and
// reports changed=false; a differing one rewrites payload, checksum and
// classification fields.
func (s *Store) UpsertRegulatoryBundle(ctx context.Context, b *contracts.RegulatoryBundle) (*contracts.RegulatoryBundle, bool, error) {
	existing, err := s.GetRegulatoryBundle(ctx, b.BundleID, b.Version)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := utcNow()
	if existing != nil {
		if existing.Checksum == b.Checksum {
			return existing, false, nil
		}
		update := `UPDATE regulatory_bundle
			SET jurisdiction = ?, regime = ?, checksum = ?, payload = ?,
				effective_from = ?, effective_to = ?, updated_at = ?
			WHERE id = ?`
		if _, err := s.db.ExecContext(ctx, s.rebind(update),
			b.Jurisdiction, b.Regime, b.Checksum, b.Payload,
			nullString(b.EffectiveFrom), nullString(b.EffectiveTo), formatTime(now),
			existing.ID); err != nil {
			return nil, false, fmt.Errorf("store: update regulatory bundle: %w", err)
		}
		out := *existing
		out.Jurisdiction = b.Jurisdiction
		out.Regime = b.Regime
		out.Checksum = b.Checksum
		out.Payload = b.Payload
		out.EffectiveFrom = b.EffectiveFrom
		out.EffectiveTo = b.EffectiveTo
		out.UpdatedAt = now
		return &out, true, nil
	}

	insert := `INSERT INTO regulatory_bundle (
		bundle_id, version, jurisdiction, regime, checksum, payload,
		effective_from, effective_to, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	status := b.Status
	if status == "" {
		status = contracts.BundleActive
	}
	id, err := s.insertID(ctx, s.db, insert,
		b.BundleID, b.Version, b.Jurisdiction, b.Regime, b.Checksum, b.Payload,
		nullString(b.EffectiveFrom), nullString(b.EffectiveTo), status,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, false, fmt.Errorf("store: insert regulatory bundle: %w", err)
	}

	out := *b
	out.ID = id
	out.Status = status
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out, true, nil
}

// GetRegulatoryBundle fetches one registry row by bundle id and version.
func (s *Store) GetRegulatoryBundle(ctx context.Context, bundleID, version string) (*contracts.RegulatoryBundle, error) {
	query := `SELECT id, bundle_id, version, jurisdiction, regime, checksum, payload,
		effective_from, effective_to, status, created_at, updated_at
	FROM regulatory_bundle WHERE bundle_id = ? AND version = ?`

	row := s.db.QueryRowContext(ctx, s.rebind(query), bundleID, version)
	b, err := scanRegulatoryBundle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get regulatory bundle: %w", err)
	}
	return b, nil
}

// ListRegulatoryBundles returns every registry row ordered by
// (regime, bundle_id, version). Compilation and the run fingerprint both
// depend on this ordering being stable.
func (s *Store) ListRegulatoryBundles(ctx context.Context) ([]*contracts.RegulatoryBundle, error) {
	query := `SELECT id, bundle_id, version, jurisdiction, regime, checksum, payload,
		effective_from, effective_to, status, created_at, updated_at
	FROM regulatory_bundle ORDER BY regime, bundle_id, version`

	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, fmt.Errorf("store: list regulatory bundles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bundles []*contracts.RegulatoryBundle
	for rows.Next() {
		b, err := scanRegulatoryBundle(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan regulatory bundle: %w", err)
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// SetRegulatoryBundleStatus flips one row between active and inactive.
func (s *Store) SetRegulatoryBundleStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE regulatory_bundle SET status = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), status, formatTime(utcNow()), id)
	if err != nil {
		return fmt.Errorf("store: set bundle status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRegulatoryBundle(row rowScanner) (*contracts.RegulatoryBundle, error) {
	var (
		b             contracts.RegulatoryBundle
		effectiveFrom sql.NullString
		effectiveTo   sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&b.ID, &b.BundleID, &b.Version, &b.Jurisdiction, &b.Regime,
		&b.Checksum, &b.Payload, &effectiveFrom, &effectiveTo, &b.Status,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.EffectiveFrom = effectiveFrom.String
	b.EffectiveTo = effectiveTo.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}
