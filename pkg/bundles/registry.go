package bundles

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/store"
)

// SyncMode controls how SyncFromDir treats registry rows whose files have
// disappeared.
type SyncMode string

const (
	// SyncMerge upserts what the directory holds and leaves other rows alone.
	SyncMerge SyncMode = "merge"
	// SyncFull additionally deactivates rows absent from the directory.
	SyncFull SyncMode = "sync"
)

// RegulatoryFile is one regulatory bundle document: the richer,
// obligation-shaped input the compiler consumes. Parse normalises it so
// the canonical payload (and therefore the checksum) is independent of
// which optional fields the author spelled out.
type RegulatoryFile struct {
	BundleID        string       `json:"bundle_id"`
	Version         string       `json:"version"`
	Jurisdiction    string       `json:"jurisdiction"`
	Regime          string       `json:"regime"`
	EffectiveFrom   string       `json:"effective_from"`
	EffectiveTo     string       `json:"effective_to"`
	SourceRecordIDs []string     `json:"source_record_ids"`
	Obligations     []Obligation `json:"obligations"`
	Overlays        []Overlay    `json:"overlays"`
}

// Obligation is one disclosure requirement with its component elements.
type Obligation struct {
	ObligationID        string    `json:"obligation_id"`
	Title               string    `json:"title"`
	StandardReference   string    `json:"standard_reference"`
	DisclosureReference string    `json:"disclosure_reference"`
	AppliesIf           string    `json:"applies_if"`
	SourceRecordIDs     []string  `json:"source_record_ids"`
	Elements            []Element `json:"elements"`
}

// Element is one component of an obligation. Required defaults to true;
// phase-in rules gate the element on the compilation context.
type Element struct {
	ElementID        string        `json:"element_id"`
	Label            string        `json:"label"`
	Required         bool          `json:"required"`
	DatapointType    string        `json:"datapoint_type"`
	RequiresBaseline bool          `json:"requires_baseline"`
	PhaseInRules     []PhaseInRule `json:"phase_in_rules"`
}

// UnmarshalJSON applies the required=true default before decoding.
func (e *Element) UnmarshalJSON(data []byte) error {
	type plain Element
	tmp := plain{Required: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*e = Element(tmp)
	return nil
}

// PhaseInRule is a (key, operator, value) triple compiled into a sandboxed
// expression. Keys without a dot are read off the company profile.
type PhaseInRule struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Overlay patches a bundle for one jurisdiction: disable removes applied
// obligations, modify rewrites references, add appends new obligations
// compiled under the same rules.
type Overlay struct {
	OverlayID          string         `json:"overlay_id"`
	Jurisdiction       string         `json:"jurisdiction"`
	ObligationsDisable []string       `json:"obligations_disable"`
	ObligationsModify  []OverlayPatch `json:"obligations_modify"`
	ObligationsAdd     []Obligation   `json:"obligations_add"`
}

// OverlayPatch rewrites the reference fields of one applied obligation.
type OverlayPatch struct {
	ObligationID        string `json:"obligation_id"`
	StandardReference   string `json:"standard_reference,omitempty"`
	DisclosureReference string `json:"disclosure_reference,omitempty"`
}

const regulatorySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["bundle_id", "version", "jurisdiction", "regime", "obligations"],
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "jurisdiction": {"type": "string", "minLength": 1},
    "regime": {"type": "string", "minLength": 1},
    "effective_from": {"type": "string"},
    "effective_to": {"type": "string"},
    "source_record_ids": {"type": "array", "items": {"type": "string"}},
    "obligations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["obligation_id", "title", "standard_reference"],
        "properties": {
          "obligation_id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "standard_reference": {"type": "string", "minLength": 1},
          "disclosure_reference": {"type": "string"},
          "applies_if": {"type": "string"},
          "source_record_ids": {"type": "array", "items": {"type": "string"}},
          "elements": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["element_id", "label"],
              "properties": {
                "element_id": {"type": "string", "minLength": 1},
                "label": {"type": "string", "minLength": 1},
                "required": {"type": "boolean"},
                "datapoint_type": {"enum": ["narrative", "metric"]},
                "requires_baseline": {"type": "boolean"},
                "phase_in_rules": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["key", "operator", "value"],
                    "properties": {
                      "key": {"type": "string", "minLength": 1},
                      "operator": {"enum": ["==", "!=", ">", ">=", "<", "<="]}
                    }
                  }
                }
              }
            }
          }
        }
      }
    },
    "overlays": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["overlay_id", "jurisdiction"],
        "properties": {
          "overlay_id": {"type": "string", "minLength": 1},
          "jurisdiction": {"type": "string", "minLength": 1},
          "obligations_disable": {"type": "array", "items": {"type": "string"}},
          "obligations_modify": {"type": "array", "items": {"type": "object"}},
          "obligations_add": {"type": "array", "items": {"type": "object"}}
        }
      }
    }
  }
}`

var regulatorySchema = mustCompileSchema("attest://bundles/regulatory.schema.json", regulatorySchemaJSON)

// ParseRegulatory validates and decodes one regulatory bundle document,
// normalising optional collections to empty slices so the canonical
// payload is stable.
func ParseRegulatory(data []byte) (*RegulatoryFile, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}
	if err := regulatorySchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}

	var f RegulatoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}
	f.normalize()
	return &f, nil
}

// LoadRegulatoryFile reads and parses one regulatory bundle from disk.
func LoadRegulatoryFile(path string) (*RegulatoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundles: read %s: %w", path, err)
	}
	return ParseRegulatory(data)
}

func (f *RegulatoryFile) normalize() {
	if f.SourceRecordIDs == nil {
		f.SourceRecordIDs = []string{}
	}
	if f.Obligations == nil {
		f.Obligations = []Obligation{}
	}
	if f.Overlays == nil {
		f.Overlays = []Overlay{}
	}
	for i := range f.Obligations {
		f.Obligations[i].normalize()
	}
	for i := range f.Overlays {
		o := &f.Overlays[i]
		if o.ObligationsDisable == nil {
			o.ObligationsDisable = []string{}
		}
		if o.ObligationsModify == nil {
			o.ObligationsModify = []OverlayPatch{}
		}
		if o.ObligationsAdd == nil {
			o.ObligationsAdd = []Obligation{}
		}
		for j := range o.ObligationsAdd {
			o.ObligationsAdd[j].normalize()
		}
	}
}

func (o *Obligation) normalize() {
	if o.SourceRecordIDs == nil {
		o.SourceRecordIDs = []string{}
	}
	if o.Elements == nil {
		o.Elements = []Element{}
	}
	for i := range o.Elements {
		el := &o.Elements[i]
		if el.DatapointType == "" {
			el.DatapointType = string(contracts.DatapointNarrative)
		}
		if el.PhaseInRules == nil {
			el.PhaseInRules = []PhaseInRule{}
		}
	}
}

// CanonicalPayload serialises the normalised document with sorted keys and
// every field materialised. The registry stores this form; Checksum hashes
// it.
func (f *RegulatoryFile) CanonicalPayload() (string, error) {
	payload, err := canonicalize.CanonicalString(f)
	if err != nil {
		return "", fmt.Errorf("bundles: canonical payload %s@%s: %w", f.BundleID, f.Version, err)
	}
	return payload, nil
}

// Checksum is the SHA-256 of the canonical payload.
func (f *RegulatoryFile) Checksum() (string, error) {
	sum, err := canonicalize.Hash(f)
	if err != nil {
		return "", fmt.Errorf("bundles: checksum %s@%s: %w", f.BundleID, f.Version, err)
	}
	return sum, nil
}

// Registry stores validated regulatory bundles and keeps them in step with
// a bundle directory.
type Registry struct {
	store *store.Store
}

// NewRegistry wraps the backing store.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st}
}

// Upsert stores or refreshes one bundle, keyed by (bundle_id, version).
// An unchanged checksum is a no-op; changed content rewrites the row.
func (r *Registry) Upsert(ctx context.Context, f *RegulatoryFile) (*contracts.RegulatoryBundle, bool, error) {
	payload, err := f.CanonicalPayload()
	if err != nil {
		return nil, false, err
	}
	checksum, err := f.Checksum()
	if err != nil {
		return nil, false, err
	}
	row := &contracts.RegulatoryBundle{
		BundleID:      f.BundleID,
		Version:       f.Version,
		Jurisdiction:  f.Jurisdiction,
		Regime:        f.Regime,
		Checksum:      checksum,
		Payload:       payload,
		EffectiveFrom: f.EffectiveFrom,
		EffectiveTo:   f.EffectiveTo,
		Status:        contracts.BundleActive,
	}
	stored, changed, err := r.store.UpsertRegulatoryBundle(ctx, row)
	if err != nil {
		return nil, false, fmt.Errorf("bundles: upsert %s@%s: %w", f.BundleID, f.Version, err)
	}
	return stored, changed, nil
}

// Get loads and decodes one stored bundle.
func (r *Registry) Get(ctx context.Context, bundleID, version string) (*RegulatoryFile, *contracts.RegulatoryBundle, error) {
	row, err := r.store.GetRegulatoryBundle(ctx, bundleID, version)
	if err != nil {
		return nil, nil, fmt.Errorf("bundles: get %s@%s: %w", bundleID, version, err)
	}
	var f RegulatoryFile
	if err := json.Unmarshal([]byte(row.Payload), &f); err != nil {
		return nil, nil, fmt.Errorf("bundles: decode stored payload %s@%s: %w", bundleID, version, err)
	}
	f.normalize()
	return &f, row, nil
}

// SyncedBundle reports one file handled by SyncFromDir.
type SyncedBundle struct {
	BundleID string `json:"bundle_id"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Changed  bool   `json:"changed"`
}

// SyncFromDir walks root for *.json bundle documents in sorted path order
// and upserts each one. In SyncFull mode, active registry rows whose
// (bundle_id, version) no longer appears on disk are deactivated. The
// returned slice is sorted by (bundle_id, version).
func (r *Registry) SyncFromDir(ctx context.Context, root string, mode SyncMode) ([]SyncedBundle, error) {
	if mode != SyncMerge && mode != SyncFull {
		return nil, fmt.Errorf("bundles: unknown sync mode %q", mode)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundles: walk %s: %w", root, err)
	}
	sort.Strings(paths)

	seen := make(map[string]bool)
	synced := make([]SyncedBundle, 0, len(paths))
	for _, path := range paths {
		f, err := LoadRegulatoryFile(path)
		if err != nil {
			return nil, err
		}
		stored, changed, err := r.Upsert(ctx, f)
		if err != nil {
			return nil, err
		}
		seen[f.BundleID+"@"+f.Version] = true
		synced = append(synced, SyncedBundle{
			BundleID: stored.BundleID,
			Version:  stored.Version,
			Checksum: stored.Checksum,
			Changed:  changed,
		})
	}

	if mode == SyncFull {
		rows, err := r.store.ListRegulatoryBundles(ctx)
		if err != nil {
			return nil, fmt.Errorf("bundles: sync list: %w", err)
		}
		for _, row := range rows {
			if row.Status != contracts.BundleActive {
				continue
			}
			if !seen[row.BundleID+"@"+row.Version] {
				if err := r.store.SetRegulatoryBundleStatus(ctx, row.ID, contracts.BundleInactive); err != nil {
					return nil, fmt.Errorf("bundles: deactivate %s@%s: %w", row.BundleID, row.Version, err)
				}
			}
		}
	}

	sort.Slice(synced, func(i, j int) bool {
		if synced[i].BundleID != synced[j].BundleID {
			return synced[i].BundleID < synced[j].BundleID
		}
		return synced[i].Version < synced[j].Version
	})
	return synced, nil
}
