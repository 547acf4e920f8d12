package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracefirst/attest/pkg/contracts"
)

// UpsertEmbedding writes the vector for a (chunk, model) pair, replacing
// any previous one. Vectors are stored as JSON arrays.
func (s *Store) UpsertEmbedding(ctx context.Context, chunkRowID int64, modelName string, vector []float64) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("store: encode embedding: %w", err)
	}
	now := formatTime(utcNow())

	var query string
	if s.driver == DriverPostgres {
		query = `INSERT INTO embedding (chunk_id, model_name, dimensions, embedding, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (chunk_id, model_name)
			DO UPDATE SET dimensions = EXCLUDED.dimensions, embedding = EXCLUDED.embedding`
	} else {
		query = `INSERT OR REPLACE INTO embedding (chunk_id, model_name, dimensions, embedding, created_at)
			VALUES (?, ?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		chunkRowID, modelName, len(vector), string(encoded), now); err != nil {
		return fmt.Errorf("store: upsert embedding: %w", err)
	}
	return nil
}

// MapEmbeddingsForChunks returns the stored vectors of one model keyed by
// chunk row id. Chunks without a vector are absent from the map; the
// scorer treats them as zero similarity.
func (s *Store) MapEmbeddingsForChunks(ctx context.Context, modelName string, chunkRowIDs []int64) (map[int64][]float64, error) {
	out := make(map[int64][]float64, len(chunkRowIDs))
	if len(chunkRowIDs) == 0 {
		return out, nil
	}

	query := `SELECT chunk_id, embedding FROM embedding
	WHERE model_name = ? AND chunk_id IN (` + placeholders(len(chunkRowIDs)) + `)`

	args := make([]any, 0, len(chunkRowIDs)+1)
	args = append(args, modelName)
	for _, id := range chunkRowIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: map embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			chunkRowID int64
			encoded    string
		)
		if err := rows.Scan(&chunkRowID, &encoded); err != nil {
			return nil, fmt.Errorf("store: scan embedding: %w", err)
		}
		var vector []float64
		if err := json.Unmarshal([]byte(encoded), &vector); err != nil {
			return nil, fmt.Errorf("store: decode embedding for chunk %d: %w", chunkRowID, err)
		}
		out[chunkRowID] = vector
	}
	return out, rows.Err()
}

// GetEmbedding returns one stored embedding record.
func (s *Store) GetEmbedding(ctx context.Context, chunkRowID int64, modelName string) (*contracts.Embedding, error) {
	query := `SELECT id, chunk_id, model_name, dimensions, embedding
	FROM embedding WHERE chunk_id = ? AND model_name = ?`

	var (
		e       contracts.Embedding
		encoded string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), chunkRowID, modelName).
		Scan(&e.ID, &e.ChunkRowID, &e.ModelName, &e.Dimensions, &encoded)
	if err != nil {
		return nil, mapNotFound("store: get embedding", err)
	}
	if err := json.Unmarshal([]byte(encoded), &e.Vector); err != nil {
		return nil, fmt.Errorf("store: decode embedding: %w", err)
	}
	return &e, nil
}
