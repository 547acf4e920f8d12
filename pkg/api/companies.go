package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// handleCompanies serves POST /companies and GET /companies.
func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createCompany(w, r, tenantID)
	case http.MethodGet:
		s.listCompanies(w, r, tenantID)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) createCompany(w http.ResponseWriter, r *http.Request, tenantID string) {
	var company contracts.Company
	if !decodeJSON(w, r, &company) {
		return
	}
	if strings.TrimSpace(company.Name) == "" {
		WriteBadRequest(w, "Company name is required")
		return
	}
	company.ID = 0
	company.TenantID = tenantID

	created, err := s.store.CreateCompany(r.Context(), &company)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	s.log.Info("company created", "company_id", created.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listCompanies(w http.ResponseWriter, r *http.Request, tenantID string) {
	companies, err := s.store.ListCompanies(r.Context(), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if companies == nil {
		companies = []*contracts.Company{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies})
}

// handleCompanyByID serves GET /companies/{id}.
func (s *Server) handleCompanyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/companies/"), "/")
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || rest == "" {
		WriteBadRequest(w, "Company ID must be an integer")
		return
	}
	company, err := s.store.GetCompany(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Company not found")
		} else {
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, company)
}
