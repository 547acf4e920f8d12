package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/tracefirst/attest/pkg/bundles"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/runs"
	"github.com/tracefirst/attest/pkg/store"
)

type createRunRequest struct {
	CompanyID    int64  `json:"company_id"`
	CompilerMode string `json:"compiler_mode,omitempty"`
}

// handleRunsCreate serves POST /runs and GET /runs?company_id=N.
func (s *Server) handleRunsCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createRun(w, r, tenantID)
	case http.MethodGet:
		s.listRuns(w, r, tenantID)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CompanyID == 0 {
		WriteBadRequest(w, "Field 'company_id' is required")
		return
	}

	mode := contracts.CompilerMode(req.CompilerMode)
	if mode == "" {
		mode = contracts.CompilerLegacy
	}
	switch mode {
	case contracts.CompilerLegacy:
	case contracts.CompilerRegistry:
		if s.compiler == nil {
			WriteBadRequest(w, "Registry compiler mode is not enabled")
			return
		}
	default:
		WriteBadRequest(w, "Field 'compiler_mode' must be 'legacy' or 'registry'")
		return
	}

	if _, err := s.store.GetCompany(r.Context(), tenantID, req.CompanyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Company not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}

	run, err := s.store.CreateRun(r.Context(), tenantID, req.CompanyID, mode)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.log.Info("run created", "run_id", run.ID, "company_id", run.CompanyID, "compiler_mode", run.CompilerMode, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, tenantID string) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "Query parameter 'company_id' must be an integer")
		return
	}
	list, err := s.store.ListRunsForCompany(r.Context(), tenantID, companyID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if list == nil {
		list = []*contracts.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, runID int64) {
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
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, runID int64) {
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
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleRunExecute serves POST /runs/{id}/execute. The run is handed to
// the worker pool and 202 reports the status at enqueue time; progress is
// observable through /runs/{id}/status and the event journal.
func (s *Server) handleRunExecute(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var payload runs.ExecutePayload
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &payload) {
			return
		}
	}

	run, err := s.runs.Enqueue(r.Context(), tenantID, runID, payload)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "Run not found")
		case errors.Is(err, runs.ErrRetryRequired):
			WriteConflict(w, "Run previously failed; set retry_failed to execute it again")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

func (s *Server) handleRunManifest(w http.ResponseWriter, r *http.Request, runID int64) {
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
	m, err := s.store.GetRunManifest(r.Context(), tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Manifest not recorded for this run")
		} else {
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRunDiagnostics(w http.ResponseWriter, r *http.Request, runID int64) {
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
	diags, err := s.store.ListDiagnostics(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if diags == nil {
		diags = []contracts.ExtractionDiagnostics{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diagnostics": diags})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request, runID int64) {
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
	events, err := s.store.ListRunEvents(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []*contracts.RunEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type materialityRequest struct {
	Topics map[string]bool `json:"topics"`
}

// handleRunMateriality serves GET and POST /runs/{id}/materiality. POST
// applies the submitted topic decisions and returns the refreshed set.
func (s *Server) handleRunMateriality(w http.ResponseWriter, r *http.Request, runID int64) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	if _, ok := s.loadRun(w, r, tenantID, runID); !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req materialityRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.Topics) == 0 {
			WriteBadRequest(w, "Field 'topics' must map topic names to booleans")
			return
		}
		entries := make([]contracts.RunMateriality, 0, len(req.Topics))
		for topic, material := range req.Topics {
			entries = append(entries, contracts.RunMateriality{
				RunID:      runID,
				TenantID:   tenantID,
				Topic:      topic,
				IsMaterial: material,
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Topic < entries[j].Topic })
		if _, err := s.store.UpsertRunMateriality(r.Context(), tenantID, runID, entries); err != nil {
			WriteInternal(w, err)
			return
		}
	default:
		WriteMethodNotAllowed(w)
		return
	}

	current, err := s.store.ListRunMateriality(r.Context(), tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if current == nil {
		current = []contracts.RunMateriality{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"materiality": current})
}

type requiredDatapointsRequest struct {
	BundleID      string `json:"bundle_id,omitempty"`
	BundleVersion string `json:"bundle_version,omitempty"`
}

// handleRequiredDatapoints serves POST /runs/{id}/required-datapoints: a
// preview of the datapoint universe the legacy pipeline would assess,
// after applicability rules and the run's materiality decisions.
func (s *Server) handleRequiredDatapoints(w http.ResponseWriter, r *http.Request, runID int64) {
	if r.Method != http.MethodPost {
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

	var req requiredDatapointsRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	ctx := r.Context()
	company, err := s.store.GetCompany(ctx, tenantID, run.CompanyID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	selection, err := bundles.Resolve(ctx, s.store, company, req.BundleID, req.BundleVersion)
	if err != nil {
		if errors.Is(err, bundles.ErrBundleNotFound) {
			WriteNotFound(w, "Requirement bundle not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}
	bundle, err := s.store.GetRequirementBundle(ctx, selection.BundleID, selection.Version)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Requirement bundle not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}

	materialityRows, err := s.store.ListRunMateriality(ctx, tenantID, runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	defs, err := bundles.RequiredDatapoints(ctx, s.store, s.eval, company, bundle.ID, bundles.MaterialityMap(materialityRows))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundle_id":      selection.BundleID,
		"bundle_version": selection.Version,
		"count":          len(defs),
		"datapoint_keys": bundles.Keys(defs),
	})
}
