package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// PutRunInputSnapshot writes the run's input snapshot exactly once. A
// second write for the same run returns the stored row untouched, keeping
// the record write-once even across retries.
func (s *Store) PutRunInputSnapshot(ctx context.Context, snap *contracts.RunInputSnapshot) (*contracts.RunInputSnapshot, error) {
	existing, err := s.GetRunInputSnapshot(ctx, snap.TenantID, snap.RunID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := utcNow()
	var query string
	if s.driver == DriverPostgres {
		query = `INSERT INTO run_input_snapshot (run_id, tenant_id, payload_json, checksum, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (run_id) DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO run_input_snapshot (run_id, tenant_id, payload_json, checksum, created_at)
			VALUES (?, ?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		snap.RunID, snap.TenantID, snap.PayloadJSON, snap.Checksum, formatTime(now)); err != nil {
		return nil, fmt.Errorf("store: put input snapshot: %w", err)
	}
	return s.GetRunInputSnapshot(ctx, snap.TenantID, snap.RunID)
}

// GetRunInputSnapshot fetches the write-once snapshot of a run.
func (s *Store) GetRunInputSnapshot(ctx context.Context, tenantID string, runID int64) (*contracts.RunInputSnapshot, error) {
	query := `SELECT run_id, tenant_id, payload_json, checksum, created_at
	FROM run_input_snapshot WHERE run_id = ? AND tenant_id = ?`

	var (
		snap      contracts.RunInputSnapshot
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), runID, tenantID).
		Scan(&snap.RunID, &snap.TenantID, &snap.PayloadJSON, &snap.Checksum, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get input snapshot", err)
	}
	snap.CreatedAt = parseTime(createdAt)
	return &snap, nil
}
