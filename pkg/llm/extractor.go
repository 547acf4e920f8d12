package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
)

// resultSchemaJSON is the wire contract every backend reply must satisfy.
// It is sent to the backend as the requested output format and enforced
// locally regardless of what the backend claims to support.
const resultSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["status", "rationale"],
  "properties": {
    "status": {"type": "string", "enum": ["Present", "Partial", "Absent", "NA"]},
    "value": {"type": ["string", "null"]},
    "evidence_chunk_ids": {"type": "array", "items": {"type": "string"}},
    "rationale": {"type": "string", "minLength": 1}
  }
}`

var resultSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("extraction_result.json", strings.NewReader(resultSchemaJSON)); err != nil {
		panic(err)
	}
	compiled, err := c.Compile("extraction_result.json")
	if err != nil {
		panic(err)
	}
	return compiled
}()

// SchemaDocument returns the extraction schema as a generic map for embedding
// in backend request payloads.
func SchemaDocument() map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(resultSchemaJSON), &doc); err != nil {
		panic(err)
	}
	return doc
}

// Result is one schema-validated extraction verdict.
type Result struct {
	Status           contracts.AssessmentStatus `json:"status"`
	Value            *string                    `json:"value"`
	EvidenceChunkIDs []string                   `json:"evidence_chunk_ids"`
	Rationale        string                     `json:"rationale"`
}

// ValueString returns the extracted value or "" when the backend returned
// null.
func (r Result) ValueString() string {
	if r.Value == nil {
		return ""
	}
	return *r.Value
}

// Extraction pairs a verdict with the exact prompt that produced it.
type Extraction struct {
	Result     Result
	Prompt     string
	PromptHash string
}

// Extractor drives one model through a Transport with temperature pinned to
// zero. The same inputs always produce the same prompt, so prompt hashes are
// stable across runs and machines.
type Extractor struct {
	transport Transport
	model     string
}

// NewExtractor builds an extractor for the given transport and model.
func NewExtractor(transport Transport, model string) *Extractor {
	return &Extractor{transport: transport, model: model}
}

// ModelName returns the model identifier recorded on assessments.
func (e *Extractor) ModelName() string { return e.model }

// BuildPrompt renders the fixed extraction prompt. Changing this text changes
// every prompt hash and therefore every run hash.
func BuildPrompt(datapointKey string, contextChunks []string) string {
	return fmt.Sprintf(
		"Assess datapoint %s. Return JSON only matching schema.\nContext chunks:\n%s",
		datapointKey, strings.Join(contextChunks, "\n\n"),
	)
}

// Extract assesses one datapoint against its context chunks.
func (e *Extractor) Extract(ctx context.Context, datapointKey string, contextChunks []string) (*Extraction, error) {
	prompt := BuildPrompt(datapointKey, contextChunks)
	text, err := e.transport.CreateResponse(ctx, Request{
		Model:       e.model,
		Input:       prompt,
		Temperature: 0.0,
		JSONSchema:  SchemaDocument(),
	})
	if err != nil {
		return nil, err
	}
	result, err := ParseResult(text)
	if err != nil {
		return nil, err
	}
	return &Extraction{
		Result:     *result,
		Prompt:     prompt,
		PromptHash: canonicalize.HashBytes([]byte(prompt)),
	}, nil
}

// ParseResult locates the first JSON object in text, validates it against
// the extraction schema, and decodes it. Local models wrap JSON in fences or
// prose more often than hosted ones, so the search is lenient; the schema
// check is not. Present and Partial verdicts must cite at least one chunk.
func ParseResult(text string) (*Result, error) {
	objText, err := firstJSONObject(text)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(objText, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := resultSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	var r Result
	if err := json.Unmarshal(objText, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if r.Status.RequiresEvidence() && len(r.EvidenceChunkIDs) == 0 {
		return nil, fmt.Errorf("%w: %s status requires evidence_chunk_ids", ErrSchema, r.Status)
	}
	return &r, nil
}

// firstJSONObject tries the raw text, then the first fenced block, then the
// span from the first '{' to the last '}'.
func firstJSONObject(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}
	if fenced := fencedBlock(trimmed); fenced != "" && json.Valid([]byte(fenced)) {
		return []byte(fenced), nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := trimmed[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object in output text", ErrParse)
}

func fencedBlock(text string) string {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}
	return ""
}
