package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// Engine scores a tenant's chunks against queries under one policy and
// one embedding model.
type Engine struct {
	store    *store.Store
	embedder Embedder
	policy   contracts.RetrievalPolicy
}

// New builds an engine over the store with the hybrid-v1 policy.
func New(st *store.Store, embedder Embedder) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		policy:   contracts.DefaultRetrievalPolicy(),
	}
}

// Policy returns the pinned scoring policy this engine applies.
func (e *Engine) Policy() contracts.RetrievalPolicy { return e.policy }

// ModelName reports the embedding model vectors are stored under.
func (e *Engine) ModelName() string { return e.embedder.ModelName() }

// IndexChunks embeds and stores a vector for each chunk under the
// engine's model. Returns how many vectors were written.
func (e *Engine) IndexChunks(ctx context.Context, chunks []contracts.Chunk) (int, error) {
	for i, c := range chunks {
		vec, err := e.embedder.Embed(ctx, c.Text)
		if err != nil {
			return i, fmt.Errorf("retrieval: embed chunk %s: %w", c.ChunkID, err)
		}
		if err := e.store.UpsertEmbedding(ctx, c.ID, e.embedder.ModelName(), vec); err != nil {
			return i, fmt.Errorf("retrieval: index chunk %s: %w", c.ChunkID, err)
		}
	}
	return len(chunks), nil
}

// Search ranks the visible chunks for the query. The strict scope is the
// company's linked documents within the tenant; relaxed widens to every
// document in the tenant. topK <= 0 returns an empty result.
func (e *Engine) Search(ctx context.Context, tenantID string, companyID int64, query string, topK int, relaxed bool) ([]contracts.RetrievalResult, error) {
	if topK <= 0 {
		return []contracts.RetrievalResult{}, nil
	}

	var (
		chunks []contracts.Chunk
		err    error
	)
	if relaxed {
		chunks, err = e.store.ListChunksForTenant(ctx, tenantID)
	} else {
		chunks, err = e.store.ListChunksForCompany(ctx, tenantID, companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("retrieval: candidates: %w", err)
	}
	if len(chunks) == 0 {
		return []contracts.RetrievalResult{}, nil
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	rowIDs := make([]int64, len(chunks))
	for i, c := range chunks {
		rowIDs[i] = c.ID
	}
	vectors, err := e.store.MapEmbeddingsForChunks(ctx, e.embedder.ModelName(), rowIDs)
	if err != nil {
		return nil, fmt.Errorf("retrieval: load vectors: %w", err)
	}

	terms := queryTerms(query)
	results := make([]contracts.RetrievalResult, 0, len(chunks))
	for _, c := range chunks {
		lexical := round8(lexicalScore(terms, c))
		vector := round8(cosine(queryVec, vectors[c.ID]))
		combined := round8(e.policy.LexicalWeight*lexical + e.policy.VectorWeight*vector)
		results = append(results, contracts.RetrievalResult{
			ChunkID:       c.ChunkID,
			DocumentID:    c.DocumentID,
			PageNumber:    c.PageNumber,
			StartOffset:   c.StartOffset,
			EndOffset:     c.EndOffset,
			Text:          c.Text,
			LexicalScore:  lexical,
			VectorScore:   vector,
			CombinedScore: combined,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// queryTerms lowercases and deduplicates the query's whitespace tokens,
// preserving first-seen order.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// lexicalScore is the fraction of query terms present in the chunk's
// lexical index text. Zero terms score zero.
func lexicalScore(terms []string, c contracts.Chunk) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := c.ContentTSV
	if haystack == "" {
		haystack = normalizeText(c.Text)
	}
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// round8 keeps 8 decimal places so float jitter cannot flip an ordering.
func round8(x float64) float64 {
	return math.Round(x*1e8) / 1e8
}
