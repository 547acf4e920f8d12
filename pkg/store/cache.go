package store

import (
	"context"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// GetRunCacheEntry looks up the memoised output for a fingerprint.
func (s *Store) GetRunCacheEntry(ctx context.Context, tenantID, runHash string) (*contracts.RunCacheEntry, error) {
	query := `SELECT id, run_id, tenant_id, run_hash, output_json, created_at
	FROM run_cache_entry WHERE tenant_id = ? AND run_hash = ?`

	var (
		e         contracts.RunCacheEntry
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, runHash).
		Scan(&e.ID, &e.RunID, &e.TenantID, &e.RunHash, &e.OutputJSON, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get cache entry", err)
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// PutRunCacheEntry records a computed output under its fingerprint. The
// first writer wins; racing writers read back the surviving row.
func (s *Store) PutRunCacheEntry(ctx context.Context, entry *contracts.RunCacheEntry) (*contracts.RunCacheEntry, error) {
	now := utcNow()
	var query string
	if s.driver == DriverPostgres {
		query = `INSERT INTO run_cache_entry (run_id, tenant_id, run_hash, output_json, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, run_hash) DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO run_cache_entry (run_id, tenant_id, run_hash, output_json, created_at)
			VALUES (?, ?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		entry.RunID, entry.TenantID, entry.RunHash, entry.OutputJSON, formatTime(now)); err != nil {
		return nil, fmt.Errorf("store: put cache entry: %w", err)
	}
	return s.GetRunCacheEntry(ctx, entry.TenantID, entry.RunHash)
}
