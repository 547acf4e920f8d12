package evidencepack

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/canonicalize"
)

// Check is one named verification result.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// VerifyReport is the outcome of an offline pack verification.
type VerifyReport struct {
	PackPath string  `json:"pack_path"`
	Passed   bool    `json:"passed"`
	Checks   []Check `json:"checks"`
}

type packManifest struct {
	RunID     int64 `json:"run_id"`
	Documents []struct {
		DocumentID string `json:"document_id"`
		SHA256Hash string `json:"sha256_hash"`
		Path       string `json:"path"`
	} `json:"documents"`
	PackFiles []struct {
		Path   string `json:"path"`
		SHA256 string `json:"sha256"`
	} `json:"pack_files"`
}

// VerifyPack re-checks an exported pack without database access: manifest
// hashes, document self-consistency, entry ordering, and the evidence
// discipline on assessment rows.
func VerifyPack(path string) (*VerifyReport, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("evidencepack: open pack: %w", err)
	}
	defer func() { _ = zr.Close() }()

	report := &VerifyReport{PackPath: path, Passed: true}
	add := func(name string, passed bool, detail string) {
		report.Checks = append(report.Checks, Check{Name: name, Passed: passed, Detail: detail})
		if !passed {
			report.Passed = false
		}
	}

	contents := make(map[string][]byte, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("evidencepack: open entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("evidencepack: read entry %s: %w", f.Name, err)
		}
		contents[f.Name] = data
		names = append(names, f.Name)
	}
	add("entries_sorted", sort.StringsAreSorted(names), strings.Join(names, ","))

	manifestData, ok := contents[ManifestPath]
	if !ok {
		add("manifest_present", false, "manifest.json missing")
		return report, nil
	}
	add("manifest_present", true, "")

	var manifest packManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		add("manifest_parseable", false, err.Error())
		return report, nil
	}
	add("manifest_parseable", true, "")

	listed := make(map[string]string, len(manifest.PackFiles))
	hashesOK := true
	var hashDetail string
	for _, pf := range manifest.PackFiles {
		listed[pf.Path] = pf.SHA256
		data, ok := contents[pf.Path]
		if !ok {
			hashesOK = false
			hashDetail = "missing entry " + pf.Path
			break
		}
		if canonicalize.HashBytes(data) != pf.SHA256 {
			hashesOK = false
			hashDetail = "hash mismatch for " + pf.Path
			break
		}
	}
	add("pack_file_hashes", hashesOK, hashDetail)

	extraOK := true
	var extraDetail string
	for name := range contents {
		if name == ManifestPath {
			continue
		}
		if _, ok := listed[name]; !ok {
			extraOK = false
			extraDetail = "unlisted entry " + name
			break
		}
	}
	add("no_unlisted_entries", extraOK, extraDetail)

	docsOK := true
	var docsDetail string
	for _, doc := range manifest.Documents {
		data, ok := contents[doc.Path]
		if !ok {
			docsOK = false
			docsDetail = "missing document " + doc.Path
			break
		}
		if canonicalize.HashBytes(data) != doc.SHA256Hash {
			docsOK = false
			docsDetail = "document bytes do not match " + doc.SHA256Hash
			break
		}
	}
	add("documents_verified", docsOK, docsDetail)

	keys, evidenceByRow, err := assessmentOrder(contents[AssessmentsPath])
	if err != nil {
		add("assessments_parseable", false, err.Error())
	} else {
		add("assessments_parseable", true, "")
		add("assessments_sorted", sort.StringsAreSorted(keys), "")

		disciplineOK := true
		var disciplineDetail string
		for i, key := range keys {
			row := evidenceByRow[i]
			if (row.Status == "Present" || row.Status == "Partial") && len(row.EvidenceChunkIDs) == 0 {
				disciplineOK = false
				disciplineDetail = key + " cites no evidence"
				break
			}
		}
		add("evidence_discipline", disciplineOK, disciplineDetail)
	}

	chunkIDs, err := evidenceOrder(contents[EvidencePath])
	if err != nil {
		add("evidence_parseable", false, err.Error())
	} else {
		add("evidence_parseable", true, "")
		add("evidence_sorted", sort.StringsAreSorted(chunkIDs), "")
	}

	return report, nil
}

type assessmentLine struct {
	DatapointKey     string   `json:"datapoint_key"`
	Status           string   `json:"status"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
}

func assessmentOrder(data []byte) ([]string, []assessmentLine, error) {
	var keys []string
	var rows []assessmentLine
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var row assessmentLine
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, nil, err
		}
		keys = append(keys, row.DatapointKey)
		rows = append(rows, row)
	}
	return keys, rows, scanner.Err()
}

func evidenceOrder(data []byte) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var row struct {
			ChunkID string `json:"chunk_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			return nil, err
		}
		ids = append(ids, row.ChunkID)
	}
	return ids, scanner.Err()
}
