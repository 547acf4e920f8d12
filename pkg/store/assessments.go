package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// ReplaceAssessments rewrites a run's assessments and diagnostics in one
// transaction. A re-executed run therefore never mixes rows from two
// pipeline passes.
func (s *Store) ReplaceAssessments(ctx context.Context, tenantID string, runID int64, assessments []contracts.DatapointAssessment, diagnostics []contracts.ExtractionDiagnostics) error {
	now := formatTime(utcNow())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		del := `DELETE FROM extraction_diagnostics WHERE run_id = ? AND tenant_id = ?`
		if _, err := tx.ExecContext(ctx, s.rebind(del), runID, tenantID); err != nil {
			return fmt.Errorf("delete diagnostics: %w", err)
		}
		del = `DELETE FROM datapoint_assessment WHERE run_id = ? AND tenant_id = ?`
		if _, err := tx.ExecContext(ctx, s.rebind(del), runID, tenantID); err != nil {
			return fmt.Errorf("delete assessments: %w", err)
		}

		insert := `INSERT INTO datapoint_assessment (
			run_id, tenant_id, datapoint_key, status, value, evidence_chunk_ids,
			rationale, model_name, prompt_hash, retrieval_params, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, a := range assessments {
			evidence, err := json.Marshal(emptySlice(a.EvidenceChunkIDs))
			if err != nil {
				return fmt.Errorf("encode evidence for %s: %w", a.DatapointKey, err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(insert),
				runID, tenantID, a.DatapointKey, string(a.Status), nullString(a.Value),
				string(evidence), a.Rationale, a.ModelName, a.PromptHash,
				a.RetrievalParams, now); err != nil {
				return fmt.Errorf("insert assessment %s: %w", a.DatapointKey, err)
			}
		}

		diag := `INSERT INTO extraction_diagnostics (
			run_id, tenant_id, datapoint_key, verification_status,
			failure_reason_code, payload_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, d := range diagnostics {
			payload := d.PayloadJSON
			if payload == "" {
				payload = "{}"
			}
			if _, err := tx.ExecContext(ctx, s.rebind(diag),
				runID, tenantID, d.DatapointKey, d.VerificationStatus,
				d.FailureReasonCode, payload, now); err != nil {
				return fmt.Errorf("insert diagnostics %s: %w", d.DatapointKey, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace assessments: %w", err)
	}
	return nil
}

// ListAssessments returns a run's assessments ordered by datapoint_key.
func (s *Store) ListAssessments(ctx context.Context, tenantID string, runID int64) ([]contracts.DatapointAssessment, error) {
	query := `SELECT id, run_id, tenant_id, datapoint_key, status, value,
		evidence_chunk_ids, rationale, model_name, prompt_hash, retrieval_params, created_at
	FROM datapoint_assessment WHERE run_id = ? AND tenant_id = ?
	ORDER BY datapoint_key`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DatapointAssessment
	for rows.Next() {
		var (
			a         contracts.DatapointAssessment
			status    string
			value     sql.NullString
			evidence  string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.TenantID, &a.DatapointKey, &status, &value,
			&evidence, &a.Rationale, &a.ModelName, &a.PromptHash, &a.RetrievalParams, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan assessment: %w", err)
		}
		a.Status = contracts.AssessmentStatus(status)
		a.Value = value.String
		if err := json.Unmarshal([]byte(evidence), &a.EvidenceChunkIDs); err != nil {
			return nil, fmt.Errorf("store: decode evidence for %s: %w", a.DatapointKey, err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListDiagnostics returns a run's verification diagnostics ordered by
// datapoint_key.
func (s *Store) ListDiagnostics(ctx context.Context, tenantID string, runID int64) ([]contracts.ExtractionDiagnostics, error) {
	query := `SELECT id, run_id, tenant_id, datapoint_key, verification_status,
		failure_reason_code, payload_json, created_at
	FROM extraction_diagnostics WHERE run_id = ? AND tenant_id = ?
	ORDER BY datapoint_key`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list diagnostics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ExtractionDiagnostics
	for rows.Next() {
		var (
			d         contracts.ExtractionDiagnostics
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.TenantID, &d.DatapointKey,
			&d.VerificationStatus, &d.FailureReasonCode, &d.PayloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan diagnostics: %w", err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
