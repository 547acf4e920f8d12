// Package retrieval ranks chunks for a query under the pinned hybrid-v1
// policy: a lexical hit ratio blended with cosine similarity, scores
// rounded to 8 decimal places, ties broken by chunk_id. Identical inputs
// rank identically on every machine.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// HashModelName tags vectors produced by the local deterministic embedder.
const HashModelName = "deterministic-hash-v1"

// HashDimensions is the fixed width of deterministic local vectors.
const HashDimensions = 8

// Embedder turns text into a dense vector. Implementations must be
// deterministic for the engine's reproducibility guarantee to hold; a
// remote embedding model can plug in behind this interface as long as it
// pins its model version.
type Embedder interface {
	ModelName() string
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder derives a unit-normalised vector from the SHA-256 of the
// normalised text. It carries no semantics, but it is fully deterministic
// and lets the vector path run end to end with no external model.
type HashEmbedder struct{}

// NewHashEmbedder returns the deterministic local embedder.
func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (e *HashEmbedder) ModelName() string { return HashModelName }

// Embed hashes the lowercased, whitespace-collapsed text and spreads the
// digest over HashDimensions values in [0, 1), then normalises to unit
// length. A zero-norm digest returns the raw vector unnormalised.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	sum := sha256.Sum256([]byte(normalizeText(text)))

	vec := make([]float64, HashDimensions)
	var norm float64
	for i := 0; i < HashDimensions; i++ {
		raw := binary.BigEndian.Uint32(sum[i*4 : i*4+4])
		vec[i] = float64(raw) / float64(math.MaxUint32)
		norm += vec[i] * vec[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

// normalizeText is the shared token form for hashing and lexical matching.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// cosine is the similarity of two vectors; 0 when either norm is 0 or the
// dimensions disagree.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
