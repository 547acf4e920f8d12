package store

import (
	"context"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// UpsertRunRegistryArtifact writes or replaces one named artifact of a run.
func (s *Store) UpsertRunRegistryArtifact(ctx context.Context, a *contracts.RunRegistryArtifact) error {
	now := formatTime(utcNow())
	var query string
	if s.driver == DriverPostgres {
		query = `INSERT INTO run_registry_artifact (run_id, tenant_id, artifact_key, content_json, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, artifact_key)
			DO UPDATE SET content_json = EXCLUDED.content_json, checksum = EXCLUDED.checksum`
	} else {
		query = `INSERT OR REPLACE INTO run_registry_artifact (run_id, tenant_id, artifact_key, content_json, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		a.RunID, a.TenantID, a.ArtifactKey, a.ContentJSON, a.Checksum, now); err != nil {
		return fmt.Errorf("store: upsert artifact %s: %w", a.ArtifactKey, err)
	}
	return nil
}

// GetRunRegistryArtifact fetches one artifact by key.
func (s *Store) GetRunRegistryArtifact(ctx context.Context, tenantID string, runID int64, artifactKey string) (*contracts.RunRegistryArtifact, error) {
	query := `SELECT run_id, tenant_id, artifact_key, content_json, checksum, created_at
	FROM run_registry_artifact WHERE run_id = ? AND tenant_id = ? AND artifact_key = ?`

	var (
		a         contracts.RunRegistryArtifact
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), runID, tenantID, artifactKey).
		Scan(&a.RunID, &a.TenantID, &a.ArtifactKey, &a.ContentJSON, &a.Checksum, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get artifact", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ListRunRegistryArtifacts returns a run's artifacts ordered by key.
func (s *Store) ListRunRegistryArtifacts(ctx context.Context, tenantID string, runID int64) ([]*contracts.RunRegistryArtifact, error) {
	query := `SELECT run_id, tenant_id, artifact_key, content_json, checksum, created_at
	FROM run_registry_artifact WHERE run_id = ? AND tenant_id = ?
	ORDER BY artifact_key`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RunRegistryArtifact
	for rows.Next() {
		var (
			a         contracts.RunRegistryArtifact
			createdAt string
		)
		if err := rows.Scan(&a.RunID, &a.TenantID, &a.ArtifactKey, &a.ContentJSON, &a.Checksum, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
