package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
)

// CreateRun inserts a run in the queued state.
func (s *Store) CreateRun(ctx context.Context, tenantID string, companyID int64, mode contracts.CompilerMode) (*contracts.Run, error) {
	if mode == "" {
		mode = contracts.CompilerLegacy
	}
	now := utcNow()
	query := `INSERT INTO run (company_id, tenant_id, status, compiler_mode, created_at)
		VALUES (?, ?, ?, ?, ?)`

	id, err := s.insertID(ctx, s.db, query,
		companyID, tenantID, string(contracts.RunQueued), string(mode), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert run: %w", err)
	}
	return &contracts.Run{
		ID:           id,
		TenantID:     tenantID,
		CompanyID:    companyID,
		Status:       contracts.RunQueued,
		CompilerMode: mode,
		CreatedAt:    now,
	}, nil
}

// GetRun fetches one run within the tenant scope.
func (s *Store) GetRun(ctx context.Context, tenantID string, runID int64) (*contracts.Run, error) {
	query := `SELECT id, company_id, tenant_id, status, compiler_mode, created_at
	FROM run WHERE id = ? AND tenant_id = ?`

	row := s.db.QueryRowContext(ctx, s.rebind(query), runID, tenantID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run %d: %w", runID, err)
	}
	return r, nil
}

// ListRunsForCompany returns the company's runs, newest first.
func (s *Store) ListRunsForCompany(ctx context.Context, tenantID string, companyID int64) ([]*contracts.Run, error) {
	query := `SELECT id, company_id, tenant_id, status, compiler_mode, created_at
	FROM run WHERE company_id = ? AND tenant_id = ? ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), companyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*contracts.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TransitionRun moves a run from one of the given states to the next one,
// appending the journal event in the same transaction as the status write.
// It reports false without error when the run is no longer in an accepted
// state, which is how concurrent workers lose a claim race.
func (s *Store) TransitionRun(ctx context.Context, tenantID string, runID int64, from []contracts.RunStatus, to contracts.RunStatus, eventType, payloadJSON string) (bool, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	moved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sel := `SELECT status FROM run WHERE id = ? AND tenant_id = ?`
		if s.driver == DriverPostgres {
			sel += ` FOR UPDATE`
		}
		var current string
		err := tx.QueryRowContext(ctx, s.rebind(sel), runID, tenantID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}

		accepted := false
		for _, st := range from {
			if contracts.RunStatus(current) == st {
				accepted = true
				break
			}
		}
		if !accepted {
			return nil
		}

		event := `INSERT INTO run_event (run_id, tenant_id, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.rebind(event),
			runID, tenantID, eventType, payloadJSON, formatTime(utcNow())); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		update := `UPDATE run SET status = ? WHERE id = ? AND tenant_id = ?`
		if _, err := tx.ExecContext(ctx, s.rebind(update), string(to), runID, tenantID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		moved = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("store: transition run %d: %w", runID, err)
	}
	return moved, nil
}

// AppendRunEvent writes one journal entry without touching run status.
func (s *Store) AppendRunEvent(ctx context.Context, tenantID string, runID int64, eventType, payloadJSON string) (*contracts.RunEvent, error) {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	now := utcNow()
	query := `INSERT INTO run_event (run_id, tenant_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`

	id, err := s.insertID(ctx, s.db, query, runID, tenantID, eventType, payloadJSON, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: append run event: %w", err)
	}
	return &contracts.RunEvent{
		ID:        id,
		RunID:     runID,
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   payloadJSON,
		CreatedAt: now,
	}, nil
}

// ListRunEvents returns the run's journal in total order: created_at first,
// row id breaking second-resolution ties.
func (s *Store) ListRunEvents(ctx context.Context, tenantID string, runID int64) ([]*contracts.RunEvent, error) {
	query := `SELECT id, run_id, tenant_id, event_type, payload, created_at
	FROM run_event WHERE run_id = ? AND tenant_id = ?
	ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.RunEvent
	for rows.Next() {
		var (
			e         contracts.RunEvent
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.EventType, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan run event: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// UpsertRunMateriality applies topic decisions in sorted topic order.
// Topics absent from entries keep their stored value. Returns the full
// refreshed set ordered by topic.
func (s *Store) UpsertRunMateriality(ctx context.Context, tenantID string, runID int64, entries []contracts.RunMateriality) ([]contracts.RunMateriality, error) {
	sorted := make([]contracts.RunMateriality, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Topic < sorted[j].Topic })

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range sorted {
			var id int64
			find := `SELECT id FROM run_materiality WHERE run_id = ? AND topic = ?`
			err := tx.QueryRowContext(ctx, s.rebind(find), runID, entry.Topic).Scan(&id)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				insert := `INSERT INTO run_materiality (run_id, tenant_id, topic, is_material, created_at)
					VALUES (?, ?, ?, ?, ?)`
				if _, err := tx.ExecContext(ctx, s.rebind(insert),
					runID, tenantID, entry.Topic, entry.IsMaterial, formatTime(utcNow())); err != nil {
					return fmt.Errorf("insert materiality %s: %w", entry.Topic, err)
				}
			case err != nil:
				return fmt.Errorf("find materiality %s: %w", entry.Topic, err)
			default:
				update := `UPDATE run_materiality SET is_material = ? WHERE id = ?`
				if _, err := tx.ExecContext(ctx, s.rebind(update), entry.IsMaterial, id); err != nil {
					return fmt.Errorf("update materiality %s: %w", entry.Topic, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert materiality: %w", err)
	}
	return s.ListRunMateriality(ctx, tenantID, runID)
}

// ListRunMateriality returns the run's decisions ordered by topic.
func (s *Store) ListRunMateriality(ctx context.Context, tenantID string, runID int64) ([]contracts.RunMateriality, error) {
	query := `SELECT run_id, tenant_id, topic, is_material
	FROM run_materiality WHERE run_id = ? AND tenant_id = ? ORDER BY topic`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list materiality: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.RunMateriality
	for rows.Next() {
		var m contracts.RunMateriality
		if err := rows.Scan(&m.RunID, &m.TenantID, &m.Topic, &m.IsMaterial); err != nil {
			return nil, fmt.Errorf("store: scan materiality: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*contracts.Run, error) {
	var (
		r         contracts.Run
		status    string
		mode      string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.CompanyID, &r.TenantID, &status, &mode, &createdAt); err != nil {
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	r.CompilerMode = contracts.CompilerMode(mode)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}
