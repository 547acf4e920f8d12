package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/compiler"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/evidencepack"
	"github.com/tracefirst/attest/pkg/ingest"
	"github.com/tracefirst/attest/pkg/runs"
	"github.com/tracefirst/attest/pkg/store"
	"github.com/tracefirst/attest/pkg/tenants"
)

// DefaultMaxUploadBytes bounds multipart upload bodies.
const DefaultMaxUploadBytes = 64 << 20

// Options tunes the server outside its service dependencies.
type Options struct {
	// MaxUploadBytes caps document upload bodies; zero means the default.
	MaxUploadBytes int64
	// RegistryReportMatrix adds the registry coverage matrix section to
	// reports of registry-mode runs.
	RegistryReportMatrix bool
}

// Server routes control-plane requests to the engine's services. Every
// handler is tenant-scoped: the auth middleware binds the tenant, and a
// resource outside it reads as 404.
type Server struct {
	store    *store.Store
	ingest   *ingest.Service
	runs     *runs.Service
	exporter *evidencepack.Exporter
	compiler *compiler.Service
	eval     *applicability.Evaluator
	log      *slog.Logger

	maxUploadBytes int64
	registryMatrix bool
}

// NewServer wires the API façade. comp may be nil, which disables
// registry compiler mode on run creation and previews.
func NewServer(st *store.Store, ingestSvc *ingest.Service, runsSvc *runs.Service, exporter *evidencepack.Exporter, comp *compiler.Service, logger *slog.Logger, opts Options) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eval, err := compiler.NewEvaluator()
	if err != nil {
		return nil, err
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Server{
		store:          st,
		ingest:         ingestSvc,
		runs:           runsSvc,
		exporter:       exporter,
		compiler:       comp,
		eval:           eval,
		log:            logger,
		maxUploadBytes: maxUpload,
		registryMatrix: opts.RegistryReportMatrix,
	}, nil
}

// Routes builds the route table. Middleware (request ID, auth, rate
// limiting, idempotent replay) wraps the returned handler at wiring time.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/companies", s.handleCompanies)
	mux.HandleFunc("/companies/", s.handleCompanyByID)
	mux.HandleFunc("/documents/upload", s.handleDocumentUpload)
	mux.HandleFunc("/documents/auto-discover", s.handleAutoDiscover)
	mux.HandleFunc("/runs", s.handleRunsCreate)
	mux.HandleFunc("/runs/", s.handleRunRouter)
	return mux
}

// RateLimited selects the sensitive paths that carry per-key rate limits:
// document upload, run execution, and evidence-pack download.
func RateLimited(r *http.Request) bool {
	path := r.URL.Path
	if path == "/documents/upload" {
		return r.Method == http.MethodPost
	}
	if strings.HasPrefix(path, "/runs/") {
		if strings.HasSuffix(path, "/execute") {
			return r.Method == http.MethodPost
		}
		if strings.HasSuffix(path, "/evidence-pack") {
			return r.Method == http.MethodGet
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// handleRunRouter dispatches /runs/{id} and its subresources.
func (s *Server) handleRunRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		WriteBadRequest(w, "Missing run ID")
		return
	}
	runID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		WriteBadRequest(w, "Run ID must be an integer")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = strings.TrimSuffix(parts[1], "/")
	}

	switch sub {
	case "":
		s.handleRunGet(w, r, runID)
	case "status":
		s.handleRunStatus(w, r, runID)
	case "execute":
		s.handleRunExecute(w, r, runID)
	case "manifest":
		s.handleRunManifest(w, r, runID)
	case "diagnostics":
		s.handleRunDiagnostics(w, r, runID)
	case "events":
		s.handleRunEvents(w, r, runID)
	case "materiality":
		s.handleRunMateriality(w, r, runID)
	case "required-datapoints":
		s.handleRequiredDatapoints(w, r, runID)
	case "report":
		s.handleRunReport(w, r, runID)
	case "report-html":
		s.handleRunReportHTML(w, r, runID)
	case "report-preview":
		s.handleRunReportPreview(w, r, runID)
	case "evidence-pack":
		s.handleEvidencePack(w, r, runID)
	case "evidence-pack-preview":
		s.handleEvidencePackPreview(w, r, runID)
	case "export-readiness":
		s.handleExportReadiness(w, r, runID)
	default:
		WriteNotFound(w, "Unknown run subresource")
	}
}

// tenant returns the request's tenant scope, bound by the auth middleware.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := tenants.FromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return "", false
	}
	return id, true
}

// loadRun fetches a run within the tenant scope, answering 404 for
// anything the tenant cannot see.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request, tenantID string, runID int64) (*contracts.Run, bool) {
	run, err := s.store.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Run not found")
		} else {
			WriteInternal(w, err)
		}
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}
