package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/chunking"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/store"
)

// ErrEmptyUpload rejects uploads with no bytes.
var ErrEmptyUpload = errors.New("ingest: upload contains no bytes")

// MinDiscoveryScore is the acceptance floor for discovery candidates.
const MinDiscoveryScore = 0.5

// Upload describes one document upload. DocType empty means classify
// deterministically from title and source URL.
type Upload struct {
	TenantID      string
	CompanyID     int64
	Title         string
	Filename      string
	DocType       string
	ReportingYear *int
	SourceURL     string
	Data          []byte
}

// UploadResult reports what ingestion did. Deduplicated means the bytes
// were already known to the tenant and only the company link was ensured.
type UploadResult struct {
	Document     *contracts.Document
	File         *contracts.DocumentFile
	Deduplicated bool
	PageCount    int
	ChunkCount   int
}

// Service ingests documents: content-addressed byte storage, page
// extraction under a pinned parser version, and deterministic chunking.
type Service struct {
	store   *store.Store
	objects objectstore.Store
	log     *slog.Logger
}

// NewService wires an ingestion service.
func NewService(st *store.Store, objects objectstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, objects: objects, log: logger}
}

// Ingest stores one uploaded document for a company. Identical bytes
// within the tenant deduplicate onto the existing document row; the object
// store holds at most one copy of the bytes across all tenants.
func (s *Service) Ingest(ctx context.Context, up Upload) (*UploadResult, error) {
	if len(up.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	if _, err := s.store.GetCompany(ctx, up.TenantID, up.CompanyID); err != nil {
		return nil, err
	}

	hash := objectstore.HashFor(up.Data)

	existing, err := s.store.FindDocumentByFileHash(ctx, up.TenantID, hash)
	if err == nil {
		if err := s.store.EnsureCompanyDocumentLink(ctx, up.TenantID, up.CompanyID, existing.ID); err != nil {
			return nil, err
		}
		file, err := s.store.GetDocumentFile(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		pages, err := s.store.ListPages(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		chunks, err := s.store.ListChunksForDocument(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		s.log.Info("document deduplicated",
			"tenant_id", up.TenantID,
			"company_id", up.CompanyID,
			"document_id", existing.ID,
			"sha256", hash,
		)
		return &UploadResult{
			Document:     existing,
			File:         file,
			Deduplicated: true,
			PageCount:    len(pages),
			ChunkCount:   len(chunks),
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := s.objects.Put(ctx, hash, up.Data); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = up.Filename
	}
	docType := up.DocType
	confidence := ClassificationManual
	if docType == "" {
		docType = ClassifyDocType(title, up.SourceURL)
		confidence = ClassificationDeterministic
	}

	doc, file, err := s.store.CreateDocumentWithFile(ctx,
		&contracts.Document{
			CompanyID:                up.CompanyID,
			TenantID:                 up.TenantID,
			Title:                    title,
			DocType:                  docType,
			ReportingYear:            up.ReportingYear,
			SourceURL:                up.SourceURL,
			ClassificationConfidence: confidence,
		},
		&contracts.DocumentFile{
			SHA256Hash: hash,
			StorageURI: s.objects.URI(hash),
		},
	)
	if err != nil {
		return nil, err
	}

	pages := ExtractPages(up.Data, up.Filename)
	pageRows := make([]contracts.DocumentPage, 0, len(pages))
	for _, p := range pages {
		pageRows = append(pageRows, contracts.DocumentPage{
			DocumentID:    doc.ID,
			PageNumber:    p.Number,
			Text:          p.Text,
			CharCount:     p.CharCount,
			ParserVersion: p.ParserVersion,
		})
	}
	if err := s.store.ReplacePages(ctx, doc.ID, pageRows); err != nil {
		return nil, err
	}

	chunkRows, err := BuildDocumentChunks(doc.ID, hash, up.TenantID, pageRows)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceChunksForDocument(ctx, doc.ID, chunkRows); err != nil {
		return nil, err
	}

	s.log.Info("document ingested",
		"tenant_id", up.TenantID,
		"company_id", up.CompanyID,
		"document_id", doc.ID,
		"sha256", hash,
		"pages", len(pageRows),
		"chunks", len(chunkRows),
	)
	return &UploadResult{
		Document:   doc,
		File:       file,
		PageCount:  len(pageRows),
		ChunkCount: len(chunkRows),
	}, nil
}

// BuildDocumentChunks windows every page with the default chunker
// parameters. The chunk seed mixes the tenant per the chunk-ID scheme, so
// two tenants ingesting identical bytes produce distinct chunk IDs.
func BuildDocumentChunks(documentID int64, documentHash, tenantID string, pages []contracts.DocumentPage) ([]contracts.Chunk, error) {
	var rows []contracts.Chunk
	for _, page := range pages {
		chunks, err := chunking.BuildPageChunks(documentHash, tenantID, page.PageNumber, page.Text,
			chunking.DefaultSize, chunking.DefaultOverlap)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			rows = append(rows, contracts.Chunk{
				ChunkID:     c.ChunkID,
				DocumentID:  documentID,
				PageNumber:  c.PageNumber,
				StartOffset: c.StartOffset,
				EndOffset:   c.EndOffset,
				Text:        c.Text,
			})
		}
	}
	return rows, nil
}

// DiscoveryCandidate is one proposed source document from an external
// search. The engine records the selection decision; fetching accepted
// sources is a separate upload.
type DiscoveryCandidate struct {
	Title     string  `json:"title"`
	SourceURL string  `json:"source_url"`
	Score     float64 `json:"score"`
}

// RecordDiscovery applies the deterministic acceptance rule to candidates
// and persists every decision. A candidate is accepted when its score
// clears MinDiscoveryScore and its title or URL classifies as a known
// report family. Candidates are processed in (source_url, title) order so
// repeated submissions insert rows in the same order.
func (s *Service) RecordDiscovery(ctx context.Context, tenantID string, companyID int64, candidates []DiscoveryCandidate) ([]*contracts.DocumentDiscoveryCandidate, error) {
	if _, err := s.store.GetCompany(ctx, tenantID, companyID); err != nil {
		return nil, err
	}

	ordered := append([]DiscoveryCandidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].SourceURL != ordered[j].SourceURL {
			return ordered[i].SourceURL < ordered[j].SourceURL
		}
		return ordered[i].Title < ordered[j].Title
	})

	out := make([]*contracts.DocumentDiscoveryCandidate, 0, len(ordered))
	for _, c := range ordered {
		accepted := true
		reason := ""
		docType := ClassifyDocType(c.Title, c.SourceURL)
		switch {
		case c.Score < MinDiscoveryScore:
			accepted = false
			reason = fmt.Sprintf("score_below_min:%.2f<%.2f", c.Score, MinDiscoveryScore)
		case docType == DocTypeOther:
			accepted = false
			reason = "unrecognized_document_family"
		}

		row, err := s.store.InsertDiscoveryCandidate(ctx, &contracts.DocumentDiscoveryCandidate{
			TenantID:  tenantID,
			CompanyID: companyID,
			Title:     c.Title,
			SourceURL: c.SourceURL,
			Score:     c.Score,
			Accepted:  accepted,
			Reason:    reason,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}
