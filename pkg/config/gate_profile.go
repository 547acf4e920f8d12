package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GateProfile is an environment-specific set of quality-gate thresholds.
// Operators keep one profile per environment (dev, staging, prod) so a
// soft gate in early environments never requires a code change. Absent
// fields keep the engine defaults.
type GateProfile struct {
	Name                                 string   `yaml:"name" json:"name"`
	Description                          string   `yaml:"description,omitempty" json:"description,omitempty"`
	MinDocsDiscovered                    *int     `yaml:"min_docs_discovered,omitempty" json:"min_docs_discovered,omitempty"`
	MinDocsIngested                      *int     `yaml:"min_docs_ingested,omitempty" json:"min_docs_ingested,omitempty"`
	MinChunksIndexed                     *int     `yaml:"min_chunks_indexed,omitempty" json:"min_chunks_indexed,omitempty"`
	MaxChunkNotFoundRate                 *float64 `yaml:"max_chunk_not_found_rate,omitempty" json:"max_chunk_not_found_rate,omitempty"`
	MinEvidenceHits                      *int     `yaml:"min_evidence_hits,omitempty" json:"min_evidence_hits,omitempty"`
	MinEvidenceHitsPerSection            *int     `yaml:"min_evidence_hits_per_section,omitempty" json:"min_evidence_hits_per_section,omitempty"`
	FailOnRequiredNarrativeChunkNotFound *bool    `yaml:"fail_on_required_narrative_chunk_not_found,omitempty" json:"fail_on_required_narrative_chunk_not_found,omitempty"`
}

// Overrides converts the profile to the override shape Load merges.
func (p *GateProfile) Overrides() GateOverrides {
	return GateOverrides{
		MinDocsDiscovered:                    p.MinDocsDiscovered,
		MinDocsIngested:                      p.MinDocsIngested,
		MinChunksIndexed:                     p.MinChunksIndexed,
		MaxChunkNotFoundRate:                 p.MaxChunkNotFoundRate,
		MinEvidenceHits:                      p.MinEvidenceHits,
		MinEvidenceHitsPerSection:            p.MinEvidenceHitsPerSection,
		FailOnRequiredNarrativeChunkNotFound: p.FailOnRequiredNarrativeChunkNotFound,
	}
}

// Validate rejects thresholds no deployment could mean.
func (p *GateProfile) Validate() error {
	if p.MaxChunkNotFoundRate != nil && (*p.MaxChunkNotFoundRate < 0 || *p.MaxChunkNotFoundRate > 1) {
		return fmt.Errorf("config: gate profile %q: max_chunk_not_found_rate %v outside [0,1]", p.Name, *p.MaxChunkNotFoundRate)
	}
	for field, v := range map[string]*int{
		"min_docs_discovered":           p.MinDocsDiscovered,
		"min_docs_ingested":             p.MinDocsIngested,
		"min_chunks_indexed":            p.MinChunksIndexed,
		"min_evidence_hits":             p.MinEvidenceHits,
		"min_evidence_hits_per_section": p.MinEvidenceHitsPerSection,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("config: gate profile %q: %s is negative", p.Name, field)
		}
	}
	return nil
}

// LoadGateProfile loads gate_<name>.yaml from the profiles directory.
func LoadGateProfile(profilesDir, name string) (*GateProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("gate_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load gate profile %q: %w", name, err)
	}

	var profile GateProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse gate profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllGateProfiles loads every gate_*.yaml in the profiles directory,
// keyed by profile name.
func LoadAllGateProfiles(profilesDir string) (map[string]*GateProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "gate_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GateProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		var profile GateProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "gate_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}
