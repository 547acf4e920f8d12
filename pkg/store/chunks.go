package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
)

// ReplaceChunksForDocument swaps a document's chunks in one transaction.
// Embeddings hanging off the old chunks go with them. Chunk identifiers
// are content-derived, so re-chunking identical pages writes identical
// rows.
func (s *Store) ReplaceChunksForDocument(ctx context.Context, documentID int64, chunks []contracts.Chunk) error {
	now := formatTime(utcNow())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		deleteEmbeddings := `DELETE FROM embedding WHERE chunk_id IN (SELECT id FROM chunk WHERE document_id = ?)`
		if _, err := tx.ExecContext(ctx, s.rebind(deleteEmbeddings), documentID); err != nil {
			return fmt.Errorf("delete embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chunk WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		query := `INSERT INTO chunk (document_id, chunk_id, page_number, start_offset, end_offset, text, content_tsv, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		for _, c := range chunks {
			tsv := c.ContentTSV
			if tsv == "" {
				tsv = lexicalIndexText(c.Text)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(query),
				documentID, c.ChunkID, c.PageNumber, c.StartOffset, c.EndOffset, c.Text, tsv, now); err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace chunks: %w", err)
	}
	return nil
}

// ListChunksForDocument returns a document's chunks ordered by chunk_id.
func (s *Store) ListChunksForDocument(ctx context.Context, documentID int64) ([]contracts.Chunk, error) {
	query := `SELECT id, document_id, chunk_id, page_number, start_offset, end_offset, text, content_tsv
	FROM chunk WHERE document_id = ? ORDER BY chunk_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), documentID)
	if err != nil {
		return nil, fmt.Errorf("store: list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// ListChunksForCompany returns every chunk of every document linked to the
// company, ordered by chunk_id. Retrieval scans candidates in exactly this
// order.
func (s *Store) ListChunksForCompany(ctx context.Context, tenantID string, companyID int64) ([]contracts.Chunk, error) {
	query := `SELECT c.id, c.document_id, c.chunk_id, c.page_number, c.start_offset, c.end_offset, c.text, c.content_tsv
	FROM chunk c
	JOIN document d ON d.id = c.document_id
	JOIN company_document_link l ON l.document_id = d.id
	WHERE l.company_id = ? AND d.tenant_id = ?
	ORDER BY c.chunk_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), companyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list company chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// ListChunksForTenant returns every chunk in the tenant regardless of
// company linkage, ordered by chunk_id. The retrieval smoke test probes
// this relaxed scope to tell "no content" apart from "filter too strict".
func (s *Store) ListChunksForTenant(ctx context.Context, tenantID string) ([]contracts.Chunk, error) {
	query := `SELECT c.id, c.document_id, c.chunk_id, c.page_number, c.start_offset, c.end_offset, c.text, c.content_tsv
	FROM chunk c
	JOIN document d ON d.id = c.document_id
	WHERE d.tenant_id = ?
	ORDER BY c.chunk_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list tenant chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// CountChunksForCompany reports how many chunks the company's documents
// contribute. The quality gate checks this against its floor.
func (s *Store) CountChunksForCompany(ctx context.Context, tenantID string, companyID int64) (int, error) {
	query := `SELECT COUNT(*)
	FROM chunk c
	JOIN document d ON d.id = c.document_id
	JOIN company_document_link l ON l.document_id = d.id
	WHERE l.company_id = ? AND d.tenant_id = ?`

	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), companyID, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count chunks: %w", err)
	}
	return n, nil
}

// GetChunksByChunkIDs resolves content-derived chunk identifiers to rows
// within the tenant. Missing identifiers are simply absent from the result.
func (s *Store) GetChunksByChunkIDs(ctx context.Context, tenantID string, chunkIDs []string) ([]contracts.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	query := `SELECT c.id, c.document_id, c.chunk_id, c.page_number, c.start_offset, c.end_offset, c.text, c.content_tsv
	FROM chunk c
	JOIN document d ON d.id = c.document_id
	WHERE d.tenant_id = ? AND c.chunk_id IN (` + placeholders(len(chunkIDs)) + `)
	ORDER BY c.chunk_id`

	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, tenantID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: get chunks by id: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]contracts.Chunk, error) {
	var chunks []contracts.Chunk
	for rows.Next() {
		var c contracts.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkID, &c.PageNumber,
			&c.StartOffset, &c.EndOffset, &c.Text, &c.ContentTSV); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// lexicalIndexText is the stored lowercase token form the lexical scorer
// matches against.
func lexicalIndexText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
