package compiler

import (
	"sort"

	"github.com/tracefirst/attest/pkg/contracts"
)

// GeneratedDatapoint is one assessable unit derived from a compiled
// obligation element. Keys are "<obligation_id>::<element_id>" so a
// datapoint is traceable back to its obligation without a join.
type GeneratedDatapoint struct {
	DatapointKey        string `json:"datapoint_key"`
	Title               string `json:"title"`
	DisclosureReference string `json:"disclosure_reference"`
	DatapointType       string `json:"datapoint_type"`
	RequiresBaseline    bool   `json:"requires_baseline"`
	Required            bool   `json:"required"`
}

// GenerateDatapoints flattens applied obligations into the datapoint
// universe a registry-mode run assesses, sorted by obligation then
// element id.
func GenerateDatapoints(obligations []Obligation) []GeneratedDatapoint {
	obls := make([]Obligation, len(obligations))
	copy(obls, obligations)
	sort.Slice(obls, func(i, j int) bool { return obls[i].ObligationID < obls[j].ObligationID })

	var out []GeneratedDatapoint
	for _, ob := range obls {
		els := make([]Element, len(ob.Elements))
		copy(els, ob.Elements)
		sort.Slice(els, func(i, j int) bool { return els[i].ElementID < els[j].ElementID })

		for _, el := range els {
			dpType := el.DatapointType
			if dpType == "" {
				dpType = string(contracts.DatapointNarrative)
			}
			out = append(out, GeneratedDatapoint{
				DatapointKey:        ob.ObligationID + "::" + el.ElementID,
				Title:               ob.Title + " - " + el.Label,
				DisclosureReference: ob.StandardReference,
				DatapointType:       dpType,
				RequiresBaseline:    el.RequiresBaseline,
				Required:            el.Required,
			})
		}
	}
	return out
}

// ObligationID recovers the obligation half of a generated datapoint key.
// Keys without the separator belong to legacy bundles and map to no
// obligation.
func ObligationID(datapointKey string) (string, bool) {
	for i := 0; i+1 < len(datapointKey); i++ {
		if datapointKey[i] == ':' && datapointKey[i+1] == ':' {
			return datapointKey[:i], true
		}
	}
	return "", false
}
