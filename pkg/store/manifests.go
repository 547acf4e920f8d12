package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// UpsertRunManifest writes or replaces the manifest of a run. Document
// hashes are stored as a JSON array in their given (sorted) order.
func (s *Store) UpsertRunManifest(ctx context.Context, m *contracts.RunManifest) (*contracts.RunManifest, error) {
	hashes, err := json.Marshal(emptySlice(m.DocumentHashes))
	if err != nil {
		return nil, fmt.Errorf("store: encode document hashes: %w", err)
	}

	now := utcNow()
	out := *m
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		find := `SELECT id FROM run_manifest WHERE run_id = ?`
		err := tx.QueryRowContext(ctx, s.rebind(find), m.RunID).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			insert := `INSERT INTO run_manifest (
				run_id, regulatory_plan_id, tenant_id, document_hashes, bundle_id,
				bundle_version, retrieval_params, model_name, prompt_hash,
				report_template_version, regulatory_registry_version,
				regulatory_compiler_version, regulatory_plan_json,
				regulatory_plan_hash, git_sha, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			if _, err := tx.ExecContext(ctx, s.rebind(insert),
				m.RunID, nullInt64(m.RegulatoryPlanID), m.TenantID, string(hashes),
				m.BundleID, m.BundleVersion, m.RetrievalParams, m.ModelName, m.PromptHash,
				m.ReportTemplateVersion,
				nullString(m.RegulatoryRegistryVersion), nullString(m.RegulatoryCompilerVersion),
				nullString(m.RegulatoryPlanJSON), nullString(m.RegulatoryPlanHash),
				m.GitSHA, formatTime(now)); err != nil {
				return fmt.Errorf("insert manifest: %w", err)
			}
			out.CreatedAt = now
		case err != nil:
			return fmt.Errorf("find manifest: %w", err)
		default:
			update := `UPDATE run_manifest SET
				regulatory_plan_id = ?, document_hashes = ?, bundle_id = ?,
				bundle_version = ?, retrieval_params = ?, model_name = ?, prompt_hash = ?,
				report_template_version = ?, regulatory_registry_version = ?,
				regulatory_compiler_version = ?, regulatory_plan_json = ?,
				regulatory_plan_hash = ?, git_sha = ?
			WHERE id = ?`
			if _, err := tx.ExecContext(ctx, s.rebind(update),
				nullInt64(m.RegulatoryPlanID), string(hashes), m.BundleID,
				m.BundleVersion, m.RetrievalParams, m.ModelName, m.PromptHash,
				m.ReportTemplateVersion,
				nullString(m.RegulatoryRegistryVersion), nullString(m.RegulatoryCompilerVersion),
				nullString(m.RegulatoryPlanJSON), nullString(m.RegulatoryPlanHash),
				m.GitSHA, id); err != nil {
				return fmt.Errorf("update manifest: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert manifest: %w", err)
	}
	return &out, nil
}

// GetRunManifest fetches the manifest of a run.
func (s *Store) GetRunManifest(ctx context.Context, tenantID string, runID int64) (*contracts.RunManifest, error) {
	query := `SELECT run_id, regulatory_plan_id, tenant_id, document_hashes, bundle_id,
		bundle_version, retrieval_params, model_name, prompt_hash,
		report_template_version, regulatory_registry_version,
		regulatory_compiler_version, regulatory_plan_json, regulatory_plan_hash,
		git_sha, created_at
	FROM run_manifest WHERE run_id = ? AND tenant_id = ?`

	var (
		m               contracts.RunManifest
		planID          sql.NullInt64
		hashes          string
		registryVersion sql.NullString
		compilerVersion sql.NullString
		planJSON        sql.NullString
		planHash        sql.NullString
		createdAt       string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), runID, tenantID).Scan(
		&m.RunID, &planID, &m.TenantID, &hashes, &m.BundleID,
		&m.BundleVersion, &m.RetrievalParams, &m.ModelName, &m.PromptHash,
		&m.ReportTemplateVersion, &registryVersion, &compilerVersion,
		&planJSON, &planHash, &m.GitSHA, &createdAt)
	if err != nil {
		return nil, mapNotFound("store: get manifest", err)
	}
	if planID.Valid {
		m.RegulatoryPlanID = &planID.Int64
	}
	if err := json.Unmarshal([]byte(hashes), &m.DocumentHashes); err != nil {
		return nil, fmt.Errorf("store: decode document hashes: %w", err)
	}
	m.RegulatoryRegistryVersion = registryVersion.String
	m.RegulatoryCompilerVersion = compilerVersion.String
	m.RegulatoryPlanJSON = planJSON.String
	m.RegulatoryPlanHash = planHash.String
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}
