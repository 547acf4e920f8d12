// Package config loads server configuration from the environment, with an
// optional .env file for development and optional YAML gate profiles for
// environment-specific quality thresholds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds server configuration. Every field maps to one environment
// variable; unset variables fall back to local-development defaults.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL is a postgres:// DSN or a sqlite path.
	DatabaseURL string

	ObjectStorageBackend   string
	ObjectStorageRoot      string
	ObjectStorageURIPrefix string
	ObjectStorageBucket    string
	ObjectStorageRegion    string
	ObjectStorageEndpoint  string

	EvidencePackOutputRoot string
	GitSHA                 string

	Workers       int
	RetrievalTopK int

	SmokeTestEnabled bool
	SmokeTestRelax   bool

	FeatureRegistryCompiler     bool
	FeatureRegistryReportMatrix bool

	Gate GateOverrides
	// GateProfileDir holds the YAML gate profiles; GATE_PROFILE selects one.
	GateProfileDir string

	LLMProvider string
	LLMAPIBase  string
	LLMAPIKey   string
	LLMModel    string

	// APIKeys maps an API key to the tenant it authenticates.
	APIKeys       map[string]string
	JWTSigningKey string

	// CORSAllowedOrigins lists origins allowed on browser requests;
	// "*" allows any origin.
	CORSAllowedOrigins []string

	RateLimitRPS   float64
	RateLimitBurst int
	RedisURL       string

	ObservabilityEnabled bool
	OTLPEndpoint         string
}

// GateOverrides carries quality-gate thresholds from the environment or a
// gate profile. Nil fields keep the engine's built-in defaults.
type GateOverrides struct {
	MinDocsDiscovered                    *int
	MinDocsIngested                      *int
	MinChunksIndexed                     *int
	MaxChunkNotFoundRate                 *float64
	MinEvidenceHits                      *int
	MinEvidenceHitsPerSection            *int
	FailOnRequiredNarrativeChunkNotFound *bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is folded in first without overriding variables the
// process already has.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   envStr("PORT", "8080"),
		LogLevel:               envStr("LOG_LEVEL", "INFO"),
		DatabaseURL:            envStr("DATABASE_URL", "data/attest.db"),
		ObjectStorageBackend:   envStr("OBJECT_STORAGE_BACKEND", "fs"),
		ObjectStorageRoot:      envStr("OBJECT_STORAGE_ROOT", "data/objects"),
		ObjectStorageURIPrefix: os.Getenv("OBJECT_STORAGE_URI_PREFIX"),
		ObjectStorageBucket:    os.Getenv("OBJECT_STORAGE_BUCKET"),
		ObjectStorageRegion:    os.Getenv("OBJECT_STORAGE_REGION"),
		ObjectStorageEndpoint:  os.Getenv("OBJECT_STORAGE_ENDPOINT"),
		EvidencePackOutputRoot: envStr("EVIDENCE_PACK_OUTPUT_ROOT", "data/packs"),
		GitSHA:                 os.Getenv("GIT_SHA"),
		LLMProvider:            envStr("LLM_PROVIDER", "deterministic_fallback"),
		LLMAPIBase:             os.Getenv("LLM_API_BASE"),
		LLMAPIKey:              os.Getenv("LLM_API_KEY"),
		LLMModel:               os.Getenv("LLM_MODEL"),
		JWTSigningKey:          os.Getenv("JWT_SIGNING_KEY"),
		RedisURL:               os.Getenv("REDIS_URL"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.Workers, err = envInt("WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.RetrievalTopK, err = envInt("RETRIEVAL_TOP_K", 5); err != nil {
		return nil, err
	}
	if cfg.SmokeTestEnabled, err = envBool("RETRIEVAL_SMOKE_TEST_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SmokeTestRelax, err = envBool("RETRIEVAL_SMOKE_TEST_RELAX_FILTERS", true); err != nil {
		return nil, err
	}
	if cfg.FeatureRegistryCompiler, err = envBool("FEATURE_REGISTRY_COMPILER", false); err != nil {
		return nil, err
	}
	if cfg.FeatureRegistryReportMatrix, err = envBool("FEATURE_REGISTRY_REPORT_MATRIX", false); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.ObservabilityEnabled, err = envBool("OBSERVABILITY_ENABLED", false); err != nil {
		return nil, err
	}

	cfg.APIKeys, err = parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.CORSAllowedOrigins = splitList(envStr("CORS_ALLOWED_ORIGINS", "*"))

	if err := loadGateEnv(&cfg.Gate); err != nil {
		return nil, err
	}
	cfg.GateProfileDir = envStr("GATE_PROFILE_DIR", "profiles")
	if name := os.Getenv("GATE_PROFILE"); name != "" {
		profile, err := LoadGateProfile(cfg.GateProfileDir, name)
		if err != nil {
			return nil, err
		}
		// Environment variables outrank the profile.
		mergeGate(&cfg.Gate, profile.Overrides())
	}

	return cfg, nil
}

// loadGateEnv parses GATE_* environment variables into overrides.
func loadGateEnv(g *GateOverrides) error {
	var err error
	if g.MinDocsDiscovered, err = envIntPtr("GATE_MIN_DOCS_DISCOVERED"); err != nil {
		return err
	}
	if g.MinDocsIngested, err = envIntPtr("GATE_MIN_DOCS_INGESTED"); err != nil {
		return err
	}
	if g.MinChunksIndexed, err = envIntPtr("GATE_MIN_CHUNKS_INDEXED"); err != nil {
		return err
	}
	if g.MaxChunkNotFoundRate, err = envFloatPtr("GATE_MAX_CHUNK_NOT_FOUND_RATE"); err != nil {
		return err
	}
	if g.MinEvidenceHits, err = envIntPtr("GATE_MIN_EVIDENCE_HITS"); err != nil {
		return err
	}
	if g.MinEvidenceHitsPerSection, err = envIntPtr("GATE_MIN_EVIDENCE_HITS_PER_SECTION"); err != nil {
		return err
	}
	if g.FailOnRequiredNarrativeChunkNotFound, err = envBoolPtr("GATE_FAIL_ON_REQUIRED_NARRATIVE_CHUNK_NOT_FOUND"); err != nil {
		return err
	}
	return nil
}

// mergeGate fills nil fields of dst from src.
func mergeGate(dst *GateOverrides, src GateOverrides) {
	if dst.MinDocsDiscovered == nil {
		dst.MinDocsDiscovered = src.MinDocsDiscovered
	}
	if dst.MinDocsIngested == nil {
		dst.MinDocsIngested = src.MinDocsIngested
	}
	if dst.MinChunksIndexed == nil {
		dst.MinChunksIndexed = src.MinChunksIndexed
	}
	if dst.MaxChunkNotFoundRate == nil {
		dst.MaxChunkNotFoundRate = src.MaxChunkNotFoundRate
	}
	if dst.MinEvidenceHits == nil {
		dst.MinEvidenceHits = src.MinEvidenceHits
	}
	if dst.MinEvidenceHitsPerSection == nil {
		dst.MinEvidenceHitsPerSection = src.MinEvidenceHitsPerSection
	}
	if dst.FailOnRequiredNarrativeChunkNotFound == nil {
		dst.FailOnRequiredNarrativeChunkNotFound = src.FailOnRequiredNarrativeChunkNotFound
	}
}

// parseAPIKeys parses "key=tenant" pairs separated by commas. An entry
// without a tenant maps the key to the default tenant.
func parseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenant, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		tenant = strings.TrimSpace(tenant)
		if key == "" {
			return nil, fmt.Errorf("config: API_KEYS entry %q has an empty key", pair)
		}
		if !found || tenant == "" {
			tenant = "default"
		}
		out[key] = tenant
	}
	return out, nil
}

// splitList splits a comma-separated value, trimming blanks.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func envFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return f, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", name, err)
	}
	return b, nil
}

func envIntPtr(name string) (*int, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	return &n, nil
}

func envFloatPtr(name string) (*float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	return &f, nil
}

func envBoolPtr(name string) (*bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", name, err)
	}
	return &b, nil
}
