// Package bundles loads, validates, imports, and routes requirements
// bundles: the versioned datapoint catalogues a legacy-mode run assesses
// against. Bundle documents are JSON files validated against a fixed
// schema before anything touches the database.
package bundles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tracefirst/attest/pkg/contracts"
)

// ErrInvalidBundle marks bundle documents that fail schema validation.
var ErrInvalidBundle = errors.New("invalid bundle")

// ErrBundleNotFound marks routing or lookup misses.
var ErrBundleNotFound = errors.New("bundle not found")

// File is one requirements bundle document as stored on disk.
type File struct {
	BundleID           string           `json:"bundle_id"`
	Version            string           `json:"version"`
	Standard           string           `json:"standard"`
	SchemaVersion      string           `json:"schema_version,omitempty"`
	Datapoints         []FileDatapoint  `json:"datapoints"`
	ApplicabilityRules []FileRule       `json:"applicability_rules"`
	Obligations        []FileObligation `json:"obligations,omitempty"`
}

// FileDatapoint declares one disclosure unit. Type and baseline default to
// narrative/false; topic defaults to "general".
type FileDatapoint struct {
	DatapointKey        string `json:"datapoint_key"`
	Title               string `json:"title"`
	DisclosureReference string `json:"disclosure_reference"`
	MaterialityTopic    string `json:"materiality_topic,omitempty"`
	DatapointType       string `json:"datapoint_type,omitempty"`
	RequiresBaseline    bool   `json:"requires_baseline,omitempty"`
}

// FileRule gates a datapoint on a sandboxed expression.
type FileRule struct {
	RuleID       string `json:"rule_id"`
	DatapointKey string `json:"datapoint_key"`
	Expression   string `json:"expression"`
}

// FileObligation is descriptive bundle metadata; it is validated but not
// persisted by the importer.
type FileObligation struct {
	ObligationID         string   `json:"obligation_id"`
	Obligation           string   `json:"obligation"`
	RequiredArtifacts    []string `json:"required_artifacts,omitempty"`
	RequiredDataElements []string `json:"required_data_elements,omitempty"`
}

const fileSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["bundle_id", "version", "standard", "datapoints", "applicability_rules"],
  "properties": {
    "bundle_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "standard": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string", "minLength": 1},
    "datapoints": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["datapoint_key", "title", "disclosure_reference"],
        "properties": {
          "datapoint_key": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "disclosure_reference": {"type": "string", "minLength": 1},
          "materiality_topic": {"type": "string", "minLength": 1},
          "datapoint_type": {"enum": ["narrative", "metric"]},
          "requires_baseline": {"type": "boolean"}
        }
      }
    },
    "applicability_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule_id", "datapoint_key", "expression"],
        "properties": {
          "rule_id": {"type": "string", "minLength": 1},
          "datapoint_key": {"type": "string", "minLength": 1},
          "expression": {"type": "string", "minLength": 1}
        }
      }
    },
    "obligations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["obligation_id", "obligation"],
        "properties": {
          "obligation_id": {"type": "string", "minLength": 1},
          "obligation": {"type": "string", "minLength": 1},
          "required_artifacts": {"type": "array", "items": {"type": "string"}},
          "required_data_elements": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var fileSchema = mustCompileSchema("attest://bundles/requirements.schema.json", fileSchemaJSON)

// schemaVersionRange is the document format range this build understands.
var schemaVersionRange = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1")
	if err != nil {
		panic(err)
	}
	return c
}()

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Parse validates raw JSON against the bundle schema and decodes it.
// Unknown top-level fields are rejected; nested records tolerate extras.
// A schema_version, when present, must satisfy ^1.
func Parse(data []byte) (*File, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}
	if err := fileSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bundles: %w: %v", ErrInvalidBundle, err)
	}
	if f.SchemaVersion != "" {
		ver, err := semver.NewVersion(f.SchemaVersion)
		if err != nil {
			return nil, fmt.Errorf("bundles: %w: schema_version %q: %v", ErrInvalidBundle, f.SchemaVersion, err)
		}
		if !schemaVersionRange.Check(ver) {
			return nil, fmt.Errorf("bundles: %w: schema_version %s outside supported range ^1", ErrInvalidBundle, f.SchemaVersion)
		}
	}
	for i := range f.Datapoints {
		if f.Datapoints[i].MaterialityTopic == "" {
			f.Datapoints[i].MaterialityTopic = "general"
		}
		if f.Datapoints[i].DatapointType == "" {
			f.Datapoints[i].DatapointType = string(contracts.DatapointNarrative)
		}
	}
	return &f, nil
}

// LoadFile reads and parses one bundle document from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundles: read %s: %w", path, err)
	}
	return Parse(data)
}
