package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
)

// CreateDocumentWithFile inserts a document, its single file record and the
// company link in one transaction. The document's CompanyID names the
// uploading company.
func (s *Store) CreateDocumentWithFile(ctx context.Context, doc *contracts.Document, file *contracts.DocumentFile) (*contracts.Document, *contracts.DocumentFile, error) {
	now := utcNow()
	outDoc := *doc
	outFile := *file

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		docQuery := `INSERT INTO document (
			company_id, tenant_id, title, doc_type, reporting_year,
			source_url, classification_confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		docID, err := s.insertID(ctx, tx, docQuery,
			doc.CompanyID, doc.TenantID, doc.Title, nullString(doc.DocType),
			nullInt(doc.ReportingYear), nullString(doc.SourceURL),
			doc.ClassificationConfidence, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		fileQuery := `INSERT INTO document_file (document_id, sha256_hash, storage_uri, created_at)
			VALUES (?, ?, ?, ?)`
		fileID, err := s.insertID(ctx, tx, fileQuery,
			docID, file.SHA256Hash, file.StorageURI, formatTime(now))
		if err != nil {
			return fmt.Errorf("insert document file: %w", err)
		}

		linkQuery := `INSERT INTO company_document_link (company_id, document_id, tenant_id, created_at)
			VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.rebind(linkQuery),
			doc.CompanyID, docID, doc.TenantID, formatTime(now)); err != nil {
			return fmt.Errorf("insert company link: %w", err)
		}

		outDoc.ID = docID
		outDoc.CreatedAt = now
		outFile.ID = fileID
		outFile.DocumentID = docID
		outFile.CreatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store: create document: %w", err)
	}
	return &outDoc, &outFile, nil
}

// FindDocumentByFileHash locates a document in the tenant whose stored file
// carries the given SHA-256. Upload dedup reuses this row instead of
// writing a second copy.
func (s *Store) FindDocumentByFileHash(ctx context.Context, tenantID, sha256Hash string) (*contracts.Document, error) {
	query := `SELECT d.id, d.company_id, d.tenant_id, d.title, d.doc_type,
		d.reporting_year, d.source_url, d.classification_confidence, d.created_at
	FROM document d
	JOIN document_file f ON f.document_id = d.id
	WHERE d.tenant_id = ? AND f.sha256_hash = ?
	ORDER BY d.id
	LIMIT 1`

	row := s.db.QueryRowContext(ctx, s.rebind(query), tenantID, sha256Hash)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find document by hash: %w", err)
	}
	return doc, nil
}

// EnsureCompanyDocumentLink makes the (company, document) link exist,
// tolerating a concurrent insert of the same pair.
func (s *Store) EnsureCompanyDocumentLink(ctx context.Context, tenantID string, companyID, documentID int64) error {
	exists := `SELECT id FROM company_document_link WHERE company_id = ? AND document_id = ?`
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(exists), companyID, documentID).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: check company link: %w", err)
	}

	insert := `INSERT INTO company_document_link (company_id, document_id, tenant_id, created_at)
		VALUES (?, ?, ?, ?)`
	if s.driver == DriverPostgres {
		insert += ` ON CONFLICT (company_id, document_id) DO NOTHING`
	} else {
		insert = `INSERT OR IGNORE INTO company_document_link (company_id, document_id, tenant_id, created_at)
		VALUES (?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(insert), companyID, documentID, tenantID, formatTime(utcNow())); err != nil {
		return fmt.Errorf("store: insert company link: %w", err)
	}
	return nil
}

// GetDocument fetches one document within the tenant scope.
func (s *Store) GetDocument(ctx context.Context, tenantID string, id int64) (*contracts.Document, error) {
	query := `SELECT id, company_id, tenant_id, title, doc_type, reporting_year,
		source_url, classification_confidence, created_at
	FROM document WHERE id = ? AND tenant_id = ?`

	row := s.db.QueryRowContext(ctx, s.rebind(query), id, tenantID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %d: %w", id, err)
	}
	return doc, nil
}

// ListDocumentsForCompany returns every document linked to the company,
// ordered by document id.
func (s *Store) ListDocumentsForCompany(ctx context.Context, tenantID string, companyID int64) ([]*contracts.Document, error) {
	query := `SELECT d.id, d.company_id, d.tenant_id, d.title, d.doc_type,
		d.reporting_year, d.source_url, d.classification_confidence, d.created_at
	FROM document d
	JOIN company_document_link l ON l.document_id = d.id
	WHERE l.company_id = ? AND d.tenant_id = ?
	ORDER BY d.id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), companyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*contracts.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListDocumentHashesForCompany returns the distinct file hashes of the
// company's linked documents, sorted ascending. The run fingerprint hashes
// this list.
func (s *Store) ListDocumentHashesForCompany(ctx context.Context, tenantID string, companyID int64) ([]string, error) {
	query := `SELECT DISTINCT f.sha256_hash
	FROM document_file f
	JOIN document d ON d.id = f.document_id
	JOIN company_document_link l ON l.document_id = d.id
	WHERE l.company_id = ? AND d.tenant_id = ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), companyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list document hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hashes := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(hashes)
	return hashes, nil
}

// GetDocumentFile returns the storage record of a document.
func (s *Store) GetDocumentFile(ctx context.Context, documentID int64) (*contracts.DocumentFile, error) {
	query := `SELECT id, document_id, sha256_hash, storage_uri, created_at
	FROM document_file WHERE document_id = ?`

	var (
		f         contracts.DocumentFile
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), documentID).
		Scan(&f.ID, &f.DocumentID, &f.SHA256Hash, &f.StorageURI, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document file: %w", err)
	}
	f.CreatedAt = parseTime(createdAt)
	return &f, nil
}

// ReplacePages swaps a document's extracted pages in one transaction.
// Re-extraction is idempotent: same bytes and parser version, same rows.
func (s *Store) ReplacePages(ctx context.Context, documentID int64, pages []contracts.DocumentPage) error {
	now := formatTime(utcNow())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_page WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		query := `INSERT INTO document_page (document_id, page_number, text, char_count, parser_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`
		for _, p := range pages {
			if _, err := tx.ExecContext(ctx, s.rebind(query),
				documentID, p.PageNumber, p.Text, p.CharCount, p.ParserVersion, now); err != nil {
				return fmt.Errorf("insert page %d: %w", p.PageNumber, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: replace pages: %w", err)
	}
	return nil
}

// ListPages returns a document's pages ordered by page number.
func (s *Store) ListPages(ctx context.Context, documentID int64) ([]contracts.DocumentPage, error) {
	query := `SELECT id, document_id, page_number, text, char_count, parser_version
	FROM document_page WHERE document_id = ? ORDER BY page_number`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), documentID)
	if err != nil {
		return nil, fmt.Errorf("store: list pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pages []contracts.DocumentPage
	for rows.Next() {
		var p contracts.DocumentPage
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.PageNumber, &p.Text, &p.CharCount, &p.ParserVersion); err != nil {
			return nil, fmt.Errorf("store: scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// InsertDiscoveryCandidate records one auto-discovery hit.
func (s *Store) InsertDiscoveryCandidate(ctx context.Context, c *contracts.DocumentDiscoveryCandidate) (*contracts.DocumentDiscoveryCandidate, error) {
	now := utcNow()
	query := `INSERT INTO document_discovery_candidate (
		company_id, tenant_id, source_url, title, score, accepted, reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insertID(ctx, s.db, query,
		c.CompanyID, c.TenantID, c.SourceURL, c.Title, c.Score, c.Accepted, c.Reason, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert discovery candidate: %w", err)
	}
	out := *c
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// ListDiscoveryCandidates returns the recorded hits for a company, best
// score first.
func (s *Store) ListDiscoveryCandidates(ctx context.Context, tenantID string, companyID int64) ([]*contracts.DocumentDiscoveryCandidate, error) {
	query := `SELECT id, company_id, tenant_id, source_url, title, score, accepted, reason, created_at
	FROM document_discovery_candidate
	WHERE company_id = ? AND tenant_id = ?
	ORDER BY score DESC, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), companyID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list discovery candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DocumentDiscoveryCandidate
	for rows.Next() {
		var (
			c         contracts.DocumentDiscoveryCandidate
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.CompanyID, &c.TenantID, &c.SourceURL, &c.Title,
			&c.Score, &c.Accepted, &c.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan discovery candidate: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanDocument(row rowScanner) (*contracts.Document, error) {
	var (
		d         contracts.Document
		docType   sql.NullString
		year      sql.NullInt64
		sourceURL sql.NullString
		createdAt string
	)
	err := row.Scan(&d.ID, &d.CompanyID, &d.TenantID, &d.Title, &docType,
		&year, &sourceURL, &d.ClassificationConfidence, &createdAt)
	if err != nil {
		return nil, err
	}
	d.DocType = docType.String
	d.ReportingYear = intPtr(year)
	d.SourceURL = sourceURL.String
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
