package llm

import "context"

// FallbackModelName identifies verdicts produced without any backend.
const FallbackModelName = "deterministic-local-v1"

const fallbackOutput = `{"status":"Absent","value":null,"evidence_chunk_ids":[],"rationale":"Deterministic local execution fallback."}`

// DeterministicFallback satisfies Transport without a network: every call
// returns the same Absent verdict. Air-gapped deployments and CI execute
// runs through it and still land on stable run hashes.
type DeterministicFallback struct{}

// CreateResponse returns the fixed Absent verdict.
func (DeterministicFallback) CreateResponse(ctx context.Context, _ Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fallbackOutput, nil
}
