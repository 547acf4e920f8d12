// Package report renders the per-run compliance report. The report is
// assembled as a JSON document, serialized to Markdown, and rendered to
// HTML with goldmark. Rendering is deterministic: the same assessments
// produce byte-identical output once the generation timestamp is
// normalized.
package report

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/coverage"
)

// Summary aggregates assessment statuses for the executive section.
type Summary struct {
	Total       int     `json:"total"`
	Present     int     `json:"present"`
	Partial     int     `json:"partial"`
	Absent      int     `json:"absent"`
	NA          int     `json:"na"`
	Covered     int     `json:"covered"`
	CoveragePct float64 `json:"coverage_pct"`
}

// Gap is one Absent or Partial datapoint surfaced in the gap summary.
type Gap struct {
	DatapointKey string `json:"datapoint_key"`
	Status       string `json:"status"`
}

// Row is one assessed datapoint in the report table.
type Row struct {
	DatapointKey     string   `json:"datapoint_key"`
	Status           string   `json:"status"`
	Value            string   `json:"value"`
	EvidenceChunkIDs []string `json:"evidence_chunk_ids"`
	Rationale        string   `json:"rationale"`
}

// Report is the structured report payload returned by the report endpoint
// and the source of the Markdown/HTML renderings.
type Report struct {
	RunID          int64                `json:"run_id"`
	GeneratedAt    string               `json:"generated_at"`
	Summary        Summary              `json:"summary"`
	Gaps           []Gap                `json:"gaps"`
	Datapoints     []Row                `json:"datapoints"`
	RegistryMatrix []coverage.MatrixRow `json:"registry_matrix,omitempty"`
}

// Build assembles the report from a run's assessments, ordered by
// datapoint key. includeMatrix adds the registry coverage matrix section.
// A zero generatedAt means now.
func Build(runID int64, assessments []contracts.DatapointAssessment, generatedAt time.Time, includeMatrix bool) *Report {
	ordered := append([]contracts.DatapointAssessment(nil), assessments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].DatapointKey < ordered[j].DatapointKey })

	var s Summary
	s.Total = len(ordered)
	gaps := []Gap{}
	rows := make([]Row, 0, len(ordered))
	for _, a := range ordered {
		switch a.Status {
		case contracts.StatusPresent:
			s.Present++
		case contracts.StatusPartial:
			s.Partial++
		case contracts.StatusAbsent:
			s.Absent++
		case contracts.StatusNA:
			s.NA++
		}
		if a.Status == contracts.StatusAbsent || a.Status == contracts.StatusPartial {
			gaps = append(gaps, Gap{DatapointKey: a.DatapointKey, Status: string(a.Status)})
		}
		chunkIDs := append([]string(nil), a.EvidenceChunkIDs...)
		sort.Strings(chunkIDs)
		if chunkIDs == nil {
			chunkIDs = []string{}
		}
		rows = append(rows, Row{
			DatapointKey:     a.DatapointKey,
			Status:           string(a.Status),
			Value:            a.Value,
			EvidenceChunkIDs: chunkIDs,
			Rationale:        a.Rationale,
		})
	}
	s.Covered = s.Present + s.Partial
	if s.Total > 0 {
		s.CoveragePct = float64(s.Covered) / float64(s.Total) * 100.0
	}

	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	r := &Report{
		RunID:       runID,
		GeneratedAt: generatedAt.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z"),
		Summary:     s,
		Gaps:        gaps,
		Datapoints:  rows,
	}
	if includeMatrix {
		r.RegistryMatrix = coverage.Matrix(ordered)
	}
	return r
}

// Markdown serializes the report to its Markdown form.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Compliance Report for Run %d\n\n", r.RunID)

	b.WriteString("## Executive Summary\n\n")
	fmt.Fprintf(&b, "Coverage: %d/%d datapoints (%.1f%%).\n\n", r.Summary.Covered, r.Summary.Total, r.Summary.CoveragePct)

	b.WriteString("## Coverage Metrics\n\n")
	fmt.Fprintf(&b, "- Present: %d\n", r.Summary.Present)
	fmt.Fprintf(&b, "- Partial: %d\n", r.Summary.Partial)
	fmt.Fprintf(&b, "- Absent: %d\n", r.Summary.Absent)
	fmt.Fprintf(&b, "- NA: %d\n\n", r.Summary.NA)

	b.WriteString("## Gap Summary\n\n")
	if len(r.Gaps) == 0 {
		b.WriteString("- No gaps identified.\n\n")
	} else {
		for _, g := range r.Gaps {
			fmt.Fprintf(&b, "- **%s**: %s\n", cell(g.DatapointKey), g.Status)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Datapoint Table\n\n")
	b.WriteString("| Datapoint | Status | Value | Citations | Rationale |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, row := range r.Datapoints {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			cell(row.DatapointKey), cell(row.Status), cell(orDash(row.Value)),
			citations(row.EvidenceChunkIDs), cell(row.Rationale))
	}
	b.WriteString("\n")

	if r.RegistryMatrix != nil {
		b.WriteString("## Registry Coverage Matrix {#registry-coverage-matrix}\n\n")
		b.WriteString("| Obligation | Elements | Present | Partial | Absent | NA | Coverage | Status |\n")
		b.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- |\n")
		if len(r.RegistryMatrix) == 0 {
			b.WriteString("| No registry datapoints available for this run. | - | - | - | - | - | - | - |\n")
		}
		for _, row := range r.RegistryMatrix {
			fmt.Fprintf(&b, "| %s | %d | %d | %d | %d | %d | %.1f%% | %s |\n",
				cell(row.ObligationID), row.TotalElements, row.Present, row.Partial,
				row.Absent, row.NA, row.CoveragePct, row.Status)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "<footer>Generated at <span id=\"generated-at\">%s</span></footer>\n", r.GeneratedAt)
	return b.String()
}

var renderer = goldmark.New(
	goldmark.WithExtensions(extension.Table),
	goldmark.WithParserOptions(parser.WithAttribute()),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// HTML renders the report's Markdown form to HTML.
func (r *Report) HTML() (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(r.Markdown()), &buf); err != nil {
		return "", fmt.Errorf("report: render html: %w", err)
	}
	return buf.String(), nil
}

var generatedAtSpan = regexp.MustCompile(`<span id="generated-at">[^<]+</span>`)

// Normalize replaces the generation timestamp so renders of the same run
// can be compared byte-for-byte.
func Normalize(html string) string {
	return generatedAtSpan.ReplaceAllString(html, `<span id="generated-at">TIMESTAMP</span>`)
}

// cell escapes a value for use inside a Markdown table cell.
func cell(v string) string {
	v = strings.ReplaceAll(v, "|", `\|`)
	v = strings.ReplaceAll(v, "\n", " ")
	return v
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

// citations renders sorted chunk IDs as code spans, "-" when none.
func citations(chunkIDs []string) string {
	if len(chunkIDs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		parts = append(parts, "`["+cell(id)+"]`")
	}
	return strings.Join(parts, " ")
}
