package contracts

// RetrievalPolicyVersion identifies the pinned hybrid scoring algorithm.
// Any change to weights, scoring formula, or tie-break requires a new version.
const RetrievalPolicyVersion = "hybrid-v1"

// RetrievalPolicy describes how lexical and vector scores are combined and
// how ties are broken. The policy is serialised into retrieval_params so
// every assessment records the exact scoring rules it was produced under.
type RetrievalPolicy struct {
	Version       string  `json:"version"`
	LexicalWeight float64 `json:"lexical_weight"`
	VectorWeight  float64 `json:"vector_weight"`
	TieBreak      string  `json:"tie_break"`
}

// DefaultRetrievalPolicy returns the production hybrid-v1 policy.
func DefaultRetrievalPolicy() RetrievalPolicy {
	return RetrievalPolicy{
		Version:       RetrievalPolicyVersion,
		LexicalWeight: 0.6,
		VectorWeight:  0.4,
		TieBreak:      "chunk_id",
	}
}

// RetrievalResult is one scored chunk returned for a query. Scores are
// rounded to 8 decimal places so float jitter cannot reorder results.
type RetrievalResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    int64   `json:"document_id"`
	PageNumber    int     `json:"page_number"`
	StartOffset   int     `json:"start_offset"`
	EndOffset     int     `json:"end_offset"`
	Text          string  `json:"text"`
	LexicalScore  float64 `json:"lexical_score"`
	VectorScore   float64 `json:"vector_score"`
	CombinedScore float64 `json:"combined_score"`
}
