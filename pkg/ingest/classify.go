package ingest

import "strings"

// Document type labels derived deterministically from title and source URL.
const (
	DocTypeSustainability = "sustainability_report"
	DocTypeAnnual         = "annual_report"
	DocTypeOther          = "other"

	// ClassificationDeterministic marks rows classified by ClassifyDocType;
	// operator-assigned types carry "manual".
	ClassificationDeterministic = "deterministic"
	ClassificationManual        = "manual"
)

var sustainabilityMarkers = []string{
	"sustainability", "esg", "csrd", "esrs", "non-financial", "nfrd",
}

var annualMarkers = []string{
	"annual report", "annual-report", "10-k", "financial statements", "universal registration",
}

// ClassifyDocType maps title+URL to a document type. Pure string matching,
// first matching family wins, so the label never varies across runs.
func ClassifyDocType(title, sourceURL string) string {
	haystack := strings.ToLower(title + " " + sourceURL)
	for _, m := range sustainabilityMarkers {
		if strings.Contains(haystack, m) {
			return DocTypeSustainability
		}
	}
	for _, m := range annualMarkers {
		if strings.Contains(haystack, m) {
			return DocTypeAnnual
		}
	}
	return DocTypeOther
}
