// Package evidencepack exports a run's assessments, cited evidence, and
// cited source bytes as a byte-deterministic ZIP archive. Entry paths are
// ASCII-sorted, every entry carries the fixed 1980-01-01 timestamp, and
// nothing is compressed, so exporting the same run twice yields identical
// bytes.
package evidencepack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tracefirst/attest/pkg/artifacts"
	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/store"
)

// Fixed pack entry names.
const (
	AssessmentsPath = "assessments.jsonl"
	EvidencePath    = "evidence.jsonl"
	ManifestPath    = "manifest.json"
)

var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// File is one pack entry.
type File struct {
	Path    string
	Content []byte
}

// PackPath is the stable location of a run's exported pack.
func PackPath(outputRoot, tenantID string, runID int64) string {
	return filepath.Join(outputRoot, tenantID, fmt.Sprintf("run-%d-evidence-pack.zip", runID))
}

// Exporter assembles evidence packs from the store and object store.
type Exporter struct {
	store     *store.Store
	objects   objectstore.Store
	artifacts *artifacts.Service
}

// NewExporter builds a pack exporter.
func NewExporter(st *store.Store, objects objectstore.Store) *Exporter {
	return &Exporter{store: st, objects: objects, artifacts: artifacts.NewService(st)}
}

// Build assembles the pack entries for a run, sorted by path. Document
// bytes are re-verified against their recorded hash on read.
func (e *Exporter) Build(ctx context.Context, tenantID string, runID int64) ([]File, error) {
	assessments, err := e.store.ListAssessments(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: load assessments: %w", err)
	}

	assessmentRows := make([]map[string]any, 0, len(assessments))
	citedSet := make(map[string]bool)
	for _, a := range assessments {
		evidenceIDs := append([]string(nil), a.EvidenceChunkIDs...)
		sort.Strings(evidenceIDs)
		if evidenceIDs == nil {
			evidenceIDs = []string{}
		}
		for _, id := range evidenceIDs {
			citedSet[id] = true
		}

		var value any
		if a.Value != "" {
			value = a.Value
		}
		var params any
		if a.RetrievalParams != "" {
			if err := json.Unmarshal([]byte(a.RetrievalParams), &params); err != nil {
				return nil, fmt.Errorf("evidencepack: decode retrieval params for %s: %w", a.DatapointKey, err)
			}
		}
		assessmentRows = append(assessmentRows, map[string]any{
			"datapoint_key":      a.DatapointKey,
			"status":             string(a.Status),
			"value":              value,
			"evidence_chunk_ids": evidenceIDs,
			"rationale":          a.Rationale,
			"model_name":         a.ModelName,
			"prompt_hash":        a.PromptHash,
			"retrieval_params":   params,
		})
	}
	sort.Slice(assessmentRows, func(i, j int) bool {
		return assessmentRows[i]["datapoint_key"].(string) < assessmentRows[j]["datapoint_key"].(string)
	})

	cited := make([]string, 0, len(citedSet))
	for id := range citedSet {
		cited = append(cited, id)
	}
	sort.Strings(cited)

	chunks, err := e.store.GetChunksByChunkIDs(ctx, tenantID, cited)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: load chunks: %w", err)
	}
	byChunkID := make(map[string]contracts.Chunk, len(chunks))
	for _, c := range chunks {
		byChunkID[c.ChunkID] = c
	}

	evidenceRows := make([]map[string]any, 0, len(cited))
	docIDSet := make(map[int64]bool)
	for _, id := range cited {
		c, ok := byChunkID[id]
		if !ok {
			continue
		}
		docIDSet[c.DocumentID] = true
		evidenceRows = append(evidenceRows, map[string]any{
			"chunk_id":     c.ChunkID,
			"document_id":  c.DocumentID,
			"page_number":  c.PageNumber,
			"start_offset": c.StartOffset,
			"end_offset":   c.EndOffset,
			"text":         c.Text,
		})
	}

	assessmentsJSONL, err := jsonl(assessmentRows)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: render assessments: %w", err)
	}
	evidenceJSONL, err := jsonl(evidenceRows)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: render evidence: %w", err)
	}
	files := []File{
		{Path: AssessmentsPath, Content: assessmentsJSONL},
		{Path: EvidencePath, Content: evidenceJSONL},
	}

	registryFiles, err := e.registryFiles(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	files = append(files, registryFiles...)

	docFiles, docsManifest, err := e.documentFiles(ctx, docIDSet)
	if err != nil {
		return nil, err
	}
	files = append(files, docFiles...)

	manifest := map[string]any{
		"run_id":    runID,
		"documents": docsManifest,
	}
	packFiles := make([]map[string]string, 0, len(files))
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		packFiles = append(packFiles, map[string]string{
			"path":   f.Path,
			"sha256": canonicalize.HashBytes(f.Content),
		})
	}
	manifest["pack_files"] = packFiles
	manifestJSON, err := canonicalize.Canonical(manifest)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: manifest: %w", err)
	}
	files = append(files, File{Path: ManifestPath, Content: manifestJSON})

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// registryFiles loads the stored compiled-plan and coverage-matrix
// artifacts for registry-mode runs. Legacy runs contribute nothing.
func (e *Exporter) registryFiles(ctx context.Context, tenantID string, runID int64) ([]File, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: load run: %w", err)
	}
	if run.CompilerMode != contracts.CompilerRegistry {
		return nil, nil
	}
	entries, err := e.artifacts.PackEntries(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for path := range entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	out := make([]File, 0, len(paths))
	for _, path := range paths {
		out = append(out, File{Path: path, Content: entries[path]})
	}
	return out, nil
}

// documentFiles fetches the cited documents' bytes. Each distinct hash is
// packed once even when several documents share it; the manifest lists
// every document.
func (e *Exporter) documentFiles(ctx context.Context, docIDSet map[int64]bool) ([]File, []map[string]string, error) {
	docIDs := make([]int64, 0, len(docIDSet))
	for id := range docIDSet {
		docIDs = append(docIDs, id)
	}
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })

	records := make([]*contracts.DocumentFile, 0, len(docIDs))
	for _, id := range docIDs {
		rec, err := e.store.GetDocumentFile(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("evidencepack: document file %d: %w", id, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].SHA256Hash != records[j].SHA256Hash {
			return records[i].SHA256Hash < records[j].SHA256Hash
		}
		return records[i].DocumentID < records[j].DocumentID
	})

	var files []File
	manifest := make([]map[string]string, 0, len(records))
	seen := make(map[string]bool)
	for _, rec := range records {
		path := "documents/" + rec.SHA256Hash + ".bin"
		if !seen[rec.SHA256Hash] {
			data, err := e.objects.Get(ctx, rec.SHA256Hash)
			if err != nil {
				return nil, nil, fmt.Errorf("evidencepack: document %d bytes: %w", rec.DocumentID, err)
			}
			files = append(files, File{Path: path, Content: data})
			seen[rec.SHA256Hash] = true
		}
		manifest = append(manifest, map[string]string{
			"document_id": fmt.Sprintf("%d", rec.DocumentID),
			"sha256_hash": rec.SHA256Hash,
			"path":        path,
		})
	}
	return files, manifest, nil
}

// Bytes builds the pack and renders the ZIP in memory.
func (e *Exporter) Bytes(ctx context.Context, tenantID string, runID int64) ([]byte, error) {
	files, err := e.Build(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteZip(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Export writes the pack ZIP under outputRoot and returns its path.
// Repeated exports of the same run produce identical bytes.
func (e *Exporter) Export(ctx context.Context, tenantID string, runID int64, outputRoot string) (string, error) {
	data, err := e.Bytes(ctx, tenantID, runID)
	if err != nil {
		return "", err
	}
	path := PackPath(outputRoot, tenantID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("evidencepack: create output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("evidencepack: write pack: %w", err)
	}
	return path, nil
}

// WriteZip writes entries in ASCII path order with the fixed timestamp and
// no compression.
func WriteZip(w *bytes.Buffer, files []File) error {
	ordered := append([]File(nil), files...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	zw := zip.NewWriter(w)
	for _, f := range ordered {
		header := &zip.FileHeader{
			Name:     f.Path,
			Method:   zip.Store,
			Modified: zipEpoch,
		}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("evidencepack: zip entry %s: %w", f.Path, err)
		}
		if _, err := entry.Write(f.Content); err != nil {
			return fmt.Errorf("evidencepack: zip write %s: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("evidencepack: finalize zip: %w", err)
	}
	return nil
}

// jsonl renders rows as canonical JSON lines.
func jsonl(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	for _, row := range rows {
		line, err := canonicalize.Canonical(row)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
