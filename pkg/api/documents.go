package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/ingest"
	"github.com/tracefirst/attest/pkg/store"
)

type uploadResponse struct {
	Document     *contracts.Document     `json:"document"`
	File         *contracts.DocumentFile `json:"file"`
	Deduplicated bool                    `json:"deduplicated"`
	PageCount    int                     `json:"page_count"`
	ChunkCount   int                     `json:"chunk_count"`
}

// handleDocumentUpload serves POST /documents/upload. The body is
// multipart: a "file" part plus form fields. Re-uploading identical bytes
// answers 200 with the existing document instead of creating a new one.
func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "Upload exceeds the size limit")
			return
		}
		WriteBadRequest(w, "Body must be multipart/form-data")
		return
	}

	companyID, err := strconv.ParseInt(r.FormValue("company_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Form field 'company_id' must be an integer")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "Multipart field 'file' is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	up := ingest.Upload{
		TenantID:  tenantID,
		CompanyID: companyID,
		Title:     strings.TrimSpace(r.FormValue("title")),
		Filename:  header.Filename,
		DocType:   strings.TrimSpace(r.FormValue("doc_type")),
		SourceURL: strings.TrimSpace(r.FormValue("source_url")),
		Data:      data,
	}
	if raw := strings.TrimSpace(r.FormValue("reporting_year")); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			WriteBadRequest(w, "Form field 'reporting_year' must be an integer")
			return
		}
		up.ReportingYear = &year
	}

	result, err := s.ingest.Ingest(r.Context(), up)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrEmptyUpload):
			WriteBadRequest(w, "Uploaded file is empty")
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "Company not found")
		default:
			WriteInternal(w, err)
		}
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		Document:     result.Document,
		File:         result.File,
		Deduplicated: result.Deduplicated,
		PageCount:    result.PageCount,
		ChunkCount:   result.ChunkCount,
	})
}

type autoDiscoverRequest struct {
	CompanyID  int64                       `json:"company_id"`
	Candidates []ingest.DiscoveryCandidate `json:"candidates"`
}

// handleAutoDiscover serves POST /documents/auto-discover: it records
// accept/reject decisions for externally sourced candidates without
// fetching anything.
func (s *Server) handleAutoDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req autoDiscoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CompanyID == 0 {
		WriteBadRequest(w, "Field 'company_id' is required")
		return
	}

	decisions, err := s.ingest.RecordDiscovery(r.Context(), tenantID, req.CompanyID, req.Candidates)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Company not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": decisions})
}
