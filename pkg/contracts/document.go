package contracts

import "time"

// Document is an uploaded or discovered source document. Immutable after
// creation; linked to companies through CompanyDocumentLink.
type Document struct {
	ID                       int64     `json:"id"`
	CompanyID                int64     `json:"company_id"`
	TenantID                 string    `json:"tenant_id"`
	Title                    string    `json:"title"`
	DocType                  string    `json:"doc_type,omitempty"`
	ReportingYear            *int      `json:"reporting_year,omitempty"`
	SourceURL                string    `json:"source_url,omitempty"`
	ClassificationConfidence string    `json:"classification_confidence"`
	CreatedAt                time.Time `json:"created_at"`
}

// CompanyDocumentLink scopes a document to a company within a tenant.
type CompanyDocumentLink struct {
	CompanyID  int64  `json:"company_id"`
	DocumentID int64  `json:"document_id"`
	TenantID   string `json:"tenant_id"`
}

// DocumentFile is the exactly-one-per-document storage record. Invariant:
// SHA256Hash equals the digest of the bytes at StorageURI.
type DocumentFile struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	SHA256Hash string    `json:"sha256_hash"`
	StorageURI string    `json:"storage_uri"`
	CreatedAt  time.Time `json:"created_at"`
}

// DocumentPage is one extracted page, reconstructible from the stored bytes
// given the same parser version.
type DocumentPage struct {
	ID            int64  `json:"id"`
	DocumentID    int64  `json:"document_id"`
	PageNumber    int    `json:"page_number"`
	Text          string `json:"text"`
	CharCount     int    `json:"char_count"`
	ParserVersion string `json:"parser_version"`
}

// Chunk is the persisted form of a deterministic text window.
type Chunk struct {
	ID          int64  `json:"id"`
	ChunkID     string `json:"chunk_id"`
	DocumentID  int64  `json:"document_id"`
	PageNumber  int    `json:"page_number"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
	ContentTSV  string `json:"content_tsv"`
}

// Embedding is the dense vector for a (chunk, model) pair. ChunkRowID is
// the chunk's database row id, not its content-derived identifier.
type Embedding struct {
	ID         int64     `json:"id"`
	ChunkRowID int64     `json:"chunk_id"`
	ModelName  string    `json:"model_name"`
	Dimensions int       `json:"dimensions"`
	Vector     []float64 `json:"vector"`
}

// DocumentDiscoveryCandidate is a recorded auto-discovery hit. The search
// transport lives outside the engine; only the selection record persists.
type DocumentDiscoveryCandidate struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CompanyID int64     `json:"company_id"`
	Title     string    `json:"title"`
	SourceURL string    `json:"source_url"`
	Score     float64   `json:"score"`
	Accepted  bool      `json:"accepted"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
