// Package verifier cross-checks extracted datapoint values against the text
// of their cited evidence chunks and applies deterministic downgrades.
//
// The checks are purely lexical: numeric amounts, four-digit years, and unit
// tokens appearing in the extracted value must also appear in the cited chunk
// text. The verifier never upgrades a status and never calls a model, so for
// identical inputs it always returns identical outcomes.
package verifier

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/contracts"
)

// Failure reason codes recorded in extraction diagnostics.
const (
	CodeChunkNotFound   = "CHUNK_NOT_FOUND"
	CodeEmptyChunk      = "EMPTY_CHUNK"
	CodeNumericMismatch = "NUMERIC_MISMATCH"
	CodeBaselineMissing = "BASELINE_MISSING"
	CodeEvidenceMissing = "EVIDENCE_MISSING"
)

var (
	numberPattern = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	yearPattern   = regexp.MustCompile(`(?:19|20)\d{2}`)
	unitPattern   = regexp.MustCompile(`(?i)\b(?:tco2e|co2e|kg|tonnes?|tons?|mwh|kwh|gwh|eur|usd)\b|%`)
)

// Input carries one extraction outcome plus the retrieval results whose
// chunk IDs the extraction cited.
type Input struct {
	Status           contracts.AssessmentStatus
	Value            string
	EvidenceChunkIDs []string
	Rationale        string
	Results          []contracts.RetrievalResult
	DatapointType    contracts.DatapointType
	RequiresBaseline bool
}

// Outcome is the verified, possibly downgraded, assessment.
type Outcome struct {
	Status             contracts.AssessmentStatus
	Rationale          string
	VerificationStatus string
	FailureReasonCode  string
	Findings           *Findings
}

// Findings is the structured payload attached to metric verifications.
// Numbers excludes tokens recognised as years.
type Findings struct {
	Numbers []string `json:"numbers"`
	Units   []string `json:"units"`
	Years   []string `json:"years"`
}

// Verify cross-checks the extracted value against the cited chunk text.
//
// Statuses other than Present and Partial pass through untouched. A cited
// chunk ID absent from the retrieval results, or cited text that is
// whitespace-only, forces the status to Absent. Numeric, year, unit, and
// metric completeness mismatches downgrade the status one step. Evidence
// gating runs last: a result that still claims Present or Partial without
// citing any chunk becomes Absent.
func Verify(in Input) Outcome {
	out := Outcome{
		Status:             in.Status,
		Rationale:          in.Rationale,
		VerificationStatus: contracts.VerificationSkipped,
	}
	if !in.Status.RequiresEvidence() {
		return out
	}

	numbers := extractNumbers(in.Value)
	years := extractYears(in.Value)
	units := extractUnits(in.Value)

	yearSet := make(map[string]struct{}, len(years))
	for _, y := range years {
		yearSet[y] = struct{}{}
	}
	amounts := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := yearSet[n]; ok {
			continue
		}
		amounts = append(amounts, n)
	}

	if in.DatapointType == contracts.DatapointMetric {
		out.Findings = &Findings{Numbers: amounts, Units: units, Years: years}
	}

	var failures []string
	var code string
	forceAbsent := false

	if len(in.EvidenceChunkIDs) > 0 {
		byID := make(map[string]string, len(in.Results))
		for _, r := range in.Results {
			byID[r.ChunkID] = r.Text
		}

		var missing []string
		var cited []string
		for _, id := range in.EvidenceChunkIDs {
			text, ok := byID[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			cited = append(cited, text)
		}
		citedText := strings.Join(cited, " ")

		switch {
		case len(missing) > 0:
			sort.Strings(missing)
			failures = append(failures, fmt.Sprintf("missing cited chunk(s): %s", strings.Join(missing, ",")))
			code = CodeChunkNotFound
			forceAbsent = true
		case strings.TrimSpace(citedText) == "":
			failures = append(failures, "cited evidence text is empty")
			code = CodeEmptyChunk
			forceAbsent = true
		default:
			normalizedCited := strings.ReplaceAll(citedText, ",", ".")
			loweredCited := strings.ToLower(citedText)

			for _, amount := range amounts {
				if !strings.Contains(normalizedCited, amount) {
					failures = append(failures, fmt.Sprintf("numeric value not found in evidence: %s", amount))
				}
			}
			for _, year := range years {
				if !strings.Contains(citedText, year) {
					failures = append(failures, fmt.Sprintf("year not found in evidence: %s", year))
				}
			}
			for _, unit := range units {
				if !strings.Contains(loweredCited, unit) {
					failures = append(failures, fmt.Sprintf("unit not found in evidence: %s", unit))
				}
			}
			if len(failures) > 0 {
				code = CodeNumericMismatch
			}

			if in.DatapointType == contracts.DatapointMetric {
				if len(amounts) == 0 {
					failures = append(failures, "metric value missing a numeric amount")
					code = CodeNumericMismatch
				}
				if len(units) == 0 {
					failures = append(failures, "metric value missing a unit")
					code = CodeNumericMismatch
				}
				if len(years) == 0 {
					failures = append(failures, "metric value missing a reporting year")
					code = CodeNumericMismatch
				}
				if in.RequiresBaseline || strings.Contains(in.Value, "%") {
					if len(years) < 2 || len(amounts) < 2 {
						failures = append(failures, "baseline year/value pair not found")
						code = CodeBaselineMissing
					}
				}
			}
		}
	}

	if len(failures) > 0 {
		if forceAbsent {
			out.Status = contracts.StatusAbsent
		} else {
			out.Status = in.Status.Downgrade()
		}
		out.Rationale = fmt.Sprintf("%s Verification downgraded: %s.", in.Rationale, strings.Join(uniqueSorted(failures), "; "))
		out.VerificationStatus = contracts.VerificationDowngraded
		out.FailureReasonCode = code
	} else {
		out.VerificationStatus = contracts.VerificationPassed
	}

	if out.Status.RequiresEvidence() && len(in.EvidenceChunkIDs) == 0 {
		out.Status = contracts.StatusAbsent
		out.Rationale += " Evidence gating downgraded: missing evidence_chunk_ids."
		out.VerificationStatus = contracts.VerificationDowngraded
		if out.FailureReasonCode == "" {
			out.FailureReasonCode = CodeEvidenceMissing
		}
	}

	return out
}

func extractNumbers(value string) []string {
	matches := numberPattern.FindAllString(value, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ReplaceAll(m, ",", "."))
	}
	return out
}

// extractYears finds four-digit 19xx/20xx tokens that are not embedded in a
// longer digit run. Rejected candidate spans cannot overlap a valid year, so
// a linear scan with neighbour checks is exact.
func extractYears(value string) []string {
	out := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, loc := range yearPattern.FindAllStringIndex(value, -1) {
		if loc[0] > 0 && isASCIIDigit(value[loc[0]-1]) {
			continue
		}
		if loc[1] < len(value) && isASCIIDigit(value[loc[1]]) {
			continue
		}
		year := value[loc[0]:loc[1]]
		if _, ok := seen[year]; ok {
			continue
		}
		seen[year] = struct{}{}
		out = append(out, year)
	}
	return out
}

func isASCIIDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func extractUnits(value string) []string {
	out := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, m := range unitPattern.FindAllString(value, -1) {
		token := strings.ToLower(m)
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

func uniqueSorted(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
