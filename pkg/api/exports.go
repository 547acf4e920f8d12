package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/report"
	"github.com/tracefirst/attest/pkg/store"
)

// exportBlocked is the 409 body of a gated export: a stable code plus the
// sorted blocking reasons.
type exportBlocked struct {
	Code    string   `json:"code"`
	Reasons []string `json:"reasons"`
}

func writeExportBlocked(w http.ResponseWriter, code string, reasons []string) {
	writeJSON(w, http.StatusConflict, exportBlocked{Code: code, Reasons: reasons})
}

// runReadiness evaluates export readiness and returns the assessments so
// ready paths do not load them twice.
func (s *Server) runReadiness(ctx context.Context, tenantID string, run *contracts.Run) (report.Readiness, []contracts.DatapointAssessment, error) {
	hasManifest := true
	if _, err := s.store.GetRunManifest(ctx, tenantID, run.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return report.Readiness{}, nil, err
		}
		hasManifest = false
	}
	assessments, err := s.store.ListAssessments(ctx, tenantID, run.ID)
	if err != nil {
		return report.Readiness{}, nil, err
	}
	return report.EvaluateReadiness(run.Status, hasManifest, len(assessments)), assessments, nil
}

func (s *Server) handleExportReadiness(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r, tenantID, runID)
	if !ok {
		return
	}
	readiness, _, err := s.runReadiness(r.Context(), tenantID, run)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readiness)
}

// handleRunReport serves GET /runs/{id}/report: the structured report,
// refused with 409 until the run is completed with a manifest and
// assessments on record.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r, tenantID, runID)
	if !ok {
		return
	}
	readiness, assessments, err := s.runReadiness(r.Context(), tenantID, run)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !readiness.ReportReady {
		writeExportBlocked(w, report.CodeReportNotReady, readiness.ReportBlockers())
		return
	}
	rep := report.Build(runID, assessments, time.Time{}, s.includeMatrix(run))
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRunReportHTML(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r, tenantID, runID)
	if !ok {
		return
	}
	readiness, assessments, err := s.runReadiness(r.Context(), tenantID, run)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !readiness.ReportReady {
		writeExportBlocked(w, report.CodeReportNotReady, readiness.ReportBlockers())
		return
	}
	s.renderReportHTML(w, run, assessments)
}

// handleRunReportPreview serves GET /runs/{id}/report-preview: the same
// HTML rendering without the readiness gate, for inspection while a run is
// still incomplete.
func (s *Server) handleRunReportPreview(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r, tenantID, runID)
	if !ok {
		return
	}
	assessments, err := s.store.ListAssessments(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.renderReportHTML(w, run, assessments)
}

// includeMatrix reports whether a run's report carries the registry
// coverage matrix section: registry mode with the feature enabled.
func (s *Server) includeMatrix(run *contracts.Run) bool {
	return s.registryMatrix && run.CompilerMode == contracts.CompilerRegistry
}

func (s *Server) renderReportHTML(w http.ResponseWriter, run *contracts.Run, assessments []contracts.DatapointAssessment) {
	rep := report.Build(run.ID, assessments, time.Time{}, s.includeMatrix(run))
	html, err := rep.HTML()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// handleEvidencePack serves GET /runs/{id}/evidence-pack: the zip download,
// gated on pack readiness. The archive bytes are reproducible for a given
// run state.
func (s *Server) handleEvidencePack(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	run, ok := s.loadRun(w, r, tenantID, runID)
	if !ok {
		return
	}
	readiness, _, err := s.runReadiness(r.Context(), tenantID, run)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !readiness.EvidencePackReady {
		writeExportBlocked(w, report.CodeEvidencePackNotReady, readiness.PackBlockers())
		return
	}

	data, err := s.exporter.Bytes(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("run-%d-evidence-pack.zip", runID)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleEvidencePackPreview serves GET /runs/{id}/evidence-pack-preview:
// the pack's file listing without the readiness gate or the bytes.
func (s *Server) handleEvidencePackPreview(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadRun(w, r, tenantID, runID); !ok {
		return
	}

	files, err := s.exporter.Build(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	type entry struct {
		Path string `json:"path"`
		Size int    `json:"size"`
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, entry{Path: f.Path, Size: len(f.Content)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}
