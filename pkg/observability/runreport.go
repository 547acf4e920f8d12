package observability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/chunking"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/store"
)

// WarningLowTextDensity marks a document whose extraction averaged fewer
// than LowTextDensityChars characters per page, the usual signature of a
// scanned or image-only source.
const WarningLowTextDensity = "LOW_EXTRACTED_TEXT_DENSITY"

// LowTextDensityChars is the chars-per-page floor for WarningLowTextDensity.
const LowTextDensityChars = 200

// DocumentIngest summarises extraction for one ingested document.
type DocumentIngest struct {
	DocumentID     int64    `json:"document_id"`
	Title          string   `json:"title"`
	SHA256Hash     string   `json:"sha256_hash"`
	ParserVersion  string   `json:"parser_version"`
	PageCount      int      `json:"page_count"`
	ExtractedChars int      `json:"extracted_chars"`
	Warnings       []string `json:"warnings"`
}

// ChunkingSummary records the chunker parameters and output size for the
// corpus a run retrieved over.
type ChunkingSummary struct {
	ChunkCount int `json:"chunk_count"`
	ChunkSize  int `json:"chunk_size"`
	Overlap    int `json:"overlap"`
}

// IndexingSummary records what the retrieval index held for the run.
type IndexingSummary struct {
	IndexedCount   int    `json:"indexed_count"`
	EmbeddingModel string `json:"embedding_model"`
	IndexNamespace string `json:"index_namespace"`
}

// RunReport is the corpus-health record persisted per run as the
// observability_manifest artifact. It answers "what did retrieval actually
// see" when a run's evidence looks thin.
type RunReport struct {
	IngestResults      []DocumentIngest       `json:"ingest_results"`
	ChunkingResults    ChunkingSummary        `json:"chunking_results"`
	IndexingResults    IndexingSummary        `json:"indexing_results"`
	RetrievalSmokeTest *retrieval.SmokeResult `json:"retrieval_smoke_test,omitempty"`
}

// GateWarnings flattens per-document warning flags into the sorted short
// codes the quality gate consumes.
func (r *RunReport) GateWarnings() []string {
	var out []string
	for _, doc := range r.IngestResults {
		for _, w := range doc.Warnings {
			out = append(out, fmt.Sprintf("%s:document-%d", strings.ToLower(w), doc.DocumentID))
		}
	}
	sort.Strings(out)
	return out
}

// IndexNamespace renders the logical index partition for a company corpus.
func IndexNamespace(tenantID string, companyID int64) string {
	return fmt.Sprintf("tenant:%s:company:%d", tenantID, companyID)
}

// RunReporter assembles run reports from the persisted corpus.
type RunReporter struct {
	store *store.Store
}

// NewRunReporter builds a reporter over the given store.
func NewRunReporter(st *store.Store) *RunReporter {
	return &RunReporter{store: st}
}

// Build walks the company's documents, pages, and chunks and assembles the
// run report. indexed is the chunk count the retrieval engine embedded for
// this run; smoke may be nil when the smoke test is disabled.
func (r *RunReporter) Build(ctx context.Context, tenantID string, companyID int64, indexed int, embeddingModel string, smoke *retrieval.SmokeResult) (*RunReport, error) {
	docs, err := r.store.ListDocumentsForCompany(ctx, tenantID, companyID)
	if err != nil {
		return nil, err
	}

	ingest := make([]DocumentIngest, 0, len(docs))
	for _, doc := range docs {
		file, err := r.store.GetDocumentFile(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		pages, err := r.store.ListPages(ctx, doc.ID)
		if err != nil {
			return nil, err
		}

		chars := 0
		parser := ""
		for _, p := range pages {
			chars += p.CharCount
			parser = p.ParserVersion
		}
		entry := DocumentIngest{
			DocumentID:     doc.ID,
			Title:          doc.Title,
			SHA256Hash:     file.SHA256Hash,
			ParserVersion:  parser,
			PageCount:      len(pages),
			ExtractedChars: chars,
			Warnings:       []string{},
		}
		if len(pages) > 0 && chars < LowTextDensityChars*len(pages) {
			entry.Warnings = append(entry.Warnings, WarningLowTextDensity)
		}
		ingest = append(ingest, entry)
	}
	sort.Slice(ingest, func(i, j int) bool { return ingest[i].DocumentID < ingest[j].DocumentID })

	chunkCount, err := r.store.CountChunksForCompany(ctx, tenantID, companyID)
	if err != nil {
		return nil, err
	}

	return &RunReport{
		IngestResults: ingest,
		ChunkingResults: ChunkingSummary{
			ChunkCount: chunkCount,
			ChunkSize:  chunking.DefaultSize,
			Overlap:    chunking.DefaultOverlap,
		},
		IndexingResults: IndexingSummary{
			IndexedCount:   indexed,
			EmbeddingModel: embeddingModel,
			IndexNamespace: IndexNamespace(tenantID, companyID),
		},
		RetrievalSmokeTest: smoke,
	}, nil
}
