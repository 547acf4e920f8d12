package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tracefirst/attest/pkg/applicability"
	"github.com/tracefirst/attest/pkg/artifacts"
	"github.com/tracefirst/attest/pkg/audit"
	"github.com/tracefirst/attest/pkg/bundles"
	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/compiler"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/coverage"
	"github.com/tracefirst/attest/pkg/llm"
	"github.com/tracefirst/attest/pkg/manifest"
	"github.com/tracefirst/attest/pkg/observability"
	"github.com/tracefirst/attest/pkg/qualitygate"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/runhash"
	"github.com/tracefirst/attest/pkg/snapshot"
	"github.com/tracefirst/attest/pkg/store"
	"github.com/tracefirst/attest/pkg/verifier"
)

// Provider selectors accepted in execute payloads. The deterministic
// extractor is the default when a request names none; the other two are
// available once the wiring registers a transport for them.
const (
	ProviderDeterministicFallback = "deterministic_fallback"
	ProviderLocalLMStudio         = "local_lm_studio"
	ProviderOpenAICloud           = "openai_cloud"
)

// DefaultTopK is the retrieval depth used when the request leaves it unset.
const DefaultTopK = 5

// smokeFallbackQuery probes the corpus when the universe is empty and no
// datapoint query exists to borrow.
const smokeFallbackQuery = "sustainability disclosure report"

// ExecutePayload mirrors the execute request body. Zero values mean "use
// the configured default"; RetryFailed gates re-execution of runs that
// ended in failed_pipeline.
type ExecutePayload struct {
	BundleID           string `json:"bundle_id,omitempty"`
	BundleVersion      string `json:"bundle_version,omitempty"`
	RetrievalTopK      int    `json:"retrieval_top_k,omitempty"`
	RetrievalModelName string `json:"retrieval_model_name,omitempty"`
	LLMProvider        string `json:"llm_provider,omitempty"`
	RetryFailed        bool   `json:"retry_failed,omitempty"`
	BypassCache        bool   `json:"bypass_cache,omitempty"`
}

// WorkerConfig tunes the run worker pool and the quality gate it applies.
type WorkerConfig struct {
	Workers          int
	DefaultTopK      int
	DefaultProvider  string
	Gate             qualitygate.Config
	SmokeTestEnabled bool
	SmokeTestRelax   bool
	GitSHA           string
}

// DefaultWorkerConfig returns the standard worker settings: four concurrent
// runs, top-5 retrieval, the deterministic provider, and the default gate.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:          4,
		DefaultTopK:      DefaultTopK,
		DefaultProvider:  ProviderDeterministicFallback,
		Gate:             qualitygate.DefaultConfig(),
		SmokeTestEnabled: true,
		SmokeTestRelax:   true,
	}
}

// Service executes runs end to end. Runs execute concurrently up to the
// configured worker count, but each run is advanced by exactly one
// goroutine; the status transition on the Run row is the cross-process
// claim.
type Service struct {
	store     *store.Store
	engine    *retrieval.Engine
	compiler  *compiler.Service
	eval      *applicability.Evaluator
	snapshots *snapshot.Service
	cache     *runhash.Cache
	manifests *manifest.Builder
	artifacts *artifacts.Service
	coverage  *coverage.Service
	reporter  *observability.RunReporter
	telemetry *observability.Provider
	audit     *audit.Logger
	log       *slog.Logger
	cfg       WorkerConfig

	extractor  *llm.Extractor
	extractors map[string]*llm.Extractor

	mu       sync.Mutex
	inflight map[string]map[int64]bool
	sem      chan struct{}
	wg       sync.WaitGroup
}

// NewService wires a run worker over the store. extractor handles the
// default provider; more providers can be added with RegisterExtractor
// before serving starts.
func NewService(st *store.Store, engine *retrieval.Engine, extractor *llm.Extractor, comp *compiler.Service, auditLog *audit.Logger, logger *slog.Logger, cfg WorkerConfig) (*Service, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = ProviderDeterministicFallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	eval, err := compiler.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("runs: evaluator: %w", err)
	}
	return &Service{
		store:      st,
		engine:     engine,
		compiler:   comp,
		eval:       eval,
		snapshots:  snapshot.NewService(st),
		cache:      runhash.NewCache(st),
		manifests:  manifest.NewBuilder(st),
		artifacts:  artifacts.NewService(st),
		coverage:   coverage.NewService(st),
		reporter:   observability.NewRunReporter(st),
		audit:      auditLog,
		log:        logger,
		cfg:        cfg,
		extractor:  extractor,
		extractors: map[string]*llm.Extractor{cfg.DefaultProvider: extractor},
		inflight:   make(map[string]map[int64]bool),
		sem:        make(chan struct{}, cfg.Workers),
	}, nil
}

// RegisterExtractor maps a provider selector to an extractor. Call during
// wiring, before Enqueue is reachable.
func (s *Service) RegisterExtractor(provider string, e *llm.Extractor) {
	s.extractors[provider] = e
}

// SetTelemetry attaches an OpenTelemetry provider so each execution is
// traced as one span. Call during wiring, before Enqueue is reachable.
func (s *Service) SetTelemetry(p *observability.Provider) {
	s.telemetry = p
}

func (s *Service) extractorFor(provider string) (*llm.Extractor, string) {
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	if e, ok := s.extractors[provider]; ok {
		return e, provider
	}
	return s.extractor, s.cfg.DefaultProvider
}

// Enqueue hands a run to the worker pool and returns its current status.
// A run that is already executing is left alone; a run that previously
// ended in failed_pipeline is rejected unless the payload sets RetryFailed.
// The spawned execution detaches from the request context: terminal status
// is its only stop condition.
func (s *Service) Enqueue(ctx context.Context, tenantID string, runID int64, payload ExecutePayload) (*contracts.Run, error) {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == contracts.RunRunning {
		return run, nil
	}
	if run.Status == contracts.RunFailedPipeline && !payload.RetryFailed {
		return nil, ErrRetryRequired
	}
	if !s.tryMarkInflight(tenantID, runID) {
		return run, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInflight(tenantID, runID)
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		s.run(context.Background(), tenantID, runID, payload)
	}()
	return run, nil
}

// Wait blocks until every enqueued run has reached a terminal state. Used
// on shutdown and in tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) tryMarkInflight(tenantID string, runID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.inflight[tenantID]
	if m == nil {
		m = make(map[int64]bool)
		s.inflight[tenantID] = m
	}
	if m[runID] {
		return false
	}
	m[runID] = true
	return true
}

func (s *Service) clearInflight(tenantID string, runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight[tenantID], runID)
}

// run claims the run row, executes it, and converts any failure into the
// failed_pipeline terminal. A panic is treated like any other pipeline
// error so no run is ever stranded in running.
func (s *Service) run(ctx context.Context, tenantID string, runID int64, payload ExecutePayload) {
	done := func(error) {}
	if s.telemetry != nil {
		_, provider := s.extractorFor(payload.LLMProvider)
		attrs := append(observability.RunAttrs(tenantID, runID),
			observability.AttrLLMProvider.String(provider))
		ctx, done = s.telemetry.TrackOperation(ctx, "run.execute", attrs...)
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("runs: panic: %v", r)
			s.fail(ctx, tenantID, runID, err)
			done(err)
		}
	}()

	claimed, err := s.claim(ctx, tenantID, runID, payload)
	if err != nil {
		s.fail(ctx, tenantID, runID, err)
		done(err)
		return
	}
	if !claimed {
		s.log.Info("run claim lost", "tenant_id", tenantID, "run_id", runID)
		done(nil)
		return
	}
	err = s.execute(ctx, tenantID, runID, payload)
	if err != nil {
		s.fail(ctx, tenantID, runID, err)
	}
	done(err)
}

func (s *Service) claim(ctx context.Context, tenantID string, runID int64, payload ExecutePayload) (bool, error) {
	from := []contracts.RunStatus{
		contracts.RunQueued,
		contracts.RunCompleted,
		contracts.RunCompletedWithWarnings,
		contracts.RunDegradedNoEvidence,
	}
	if payload.RetryFailed {
		from = append(from, contracts.RunFailedPipeline)
	}
	_, provider := s.extractorFor(payload.LLMProvider)
	started, err := canonicalize.CanonicalString(map[string]any{
		"tenant_id":      tenantID,
		"bundle_id":      orAuto(payload.BundleID),
		"bundle_version": orAuto(payload.BundleVersion),
		"llm_provider":   provider,
		"retry_failed":   payload.RetryFailed,
		"bypass_cache":   payload.BypassCache,
	})
	if err != nil {
		return false, fmt.Errorf("runs: started payload: %w", err)
	}
	ok, err := s.store.TransitionRun(ctx, tenantID, runID, from, contracts.RunRunning, contracts.EventRunStarted, started)
	if err != nil {
		return false, err
	}
	if ok {
		s.record(contracts.EventRunStarted, map[string]any{"run_id": runID, "tenant_id": tenantID})
	}
	return ok, nil
}

// execute performs one claimed run: resolve the universe, index, snapshot,
// hash, assess (or replay), gate, and persist the manifest and artifacts.
// The terminal transition is the last write.
func (s *Service) execute(ctx context.Context, tenantID string, runID int64, payload ExecutePayload) error {
	run, err := s.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	company, err := s.store.GetCompany(ctx, tenantID, run.CompanyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: company %d", ErrCompanyNotFound, run.CompanyID)
		}
		return err
	}

	materialityRows, err := s.store.ListRunMateriality(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	materiality := bundles.MaterialityMap(materialityRows)

	docHashes, err := s.store.ListDocumentHashesForCompany(ctx, tenantID, company.ID)
	if err != nil {
		return err
	}

	topK := payload.RetrievalTopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	extractor, provider := s.extractorFor(payload.LLMProvider)
	retrievalModel := payload.RetrievalModelName
	if retrievalModel == "" {
		retrievalModel = s.engine.ModelName()
	}

	var (
		universe          []Datapoint
		sel               bundles.Selection
		registryChecksums []string
		planRow           *contracts.CompiledPlan
		planResult        *compiler.Result
	)
	switch run.CompilerMode {
	case contracts.CompilerRegistry:
		planResult, err = s.compiler.CompileForCompany(ctx, company)
		if err != nil {
			return err
		}
		if len(planResult.Obligations) == 0 {
			return fmt.Errorf("%w: company %d", ErrEmptyPlan, company.ID)
		}
		// Stored plan artifacts stay time-free so a re-execution cannot
		// alter previously exported pack bytes.
		planResult.Plan.GeneratedAt = ""

		planRow, err = s.store.InsertCompiledPlan(ctx, compiledPlanRow(company, planResult), compiledObligationRows(planResult))
		if err != nil {
			return err
		}
		universe = FromGenerated(compiler.GenerateDatapoints(planResult.Obligations))
		for _, b := range planResult.Plan.SelectedBundles {
			registryChecksums = append(registryChecksums, b.Checksum)
		}
		sel = registryBundleIdentity(planResult.Plan)
	default:
		sel, err = bundles.Resolve(ctx, s.store, company, payload.BundleID, payload.BundleVersion)
		if err != nil {
			return err
		}
		bundleRow, err := s.store.GetRequirementBundle(ctx, sel.BundleID, sel.Version)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("runs: %w: %s@%s", bundles.ErrBundleNotFound, sel.BundleID, sel.Version)
			}
			return err
		}
		defs, err := bundles.RequiredDatapoints(ctx, s.store, s.eval, company, bundleRow.ID, materiality)
		if err != nil {
			return err
		}
		universe = FromDefinitions(defs)
	}
	sort.Slice(universe, func(i, j int) bool { return universe[i].Key < universe[j].Key })

	chunks, err := s.store.ListChunksForCompany(ctx, tenantID, company.ID)
	if err != nil {
		return err
	}
	indexed, err := s.engine.IndexChunks(ctx, chunks)
	if err != nil {
		return err
	}

	var smoke *retrieval.SmokeResult
	relaxed := false
	if s.cfg.SmokeTestEnabled {
		res, err := s.engine.SmokeTest(ctx, tenantID, company.ID, smokeQuery(universe), topK, s.cfg.SmokeTestRelax)
		if err != nil {
			return err
		}
		smoke = &res
		relaxed = res.RelaxApplied
		smokePayload, err := canonicalize.CanonicalString(map[string]any{
			"query":         res.Query,
			"strict_count":  res.StrictCount,
			"relaxed_count": res.RelaxedCount,
			"diagnostic":    res.Diagnostic,
			"relax_applied": res.RelaxApplied,
			"top_k":         topK,
		})
		if err != nil {
			return fmt.Errorf("runs: smoke payload: %w", err)
		}
		if _, err := s.store.AppendRunEvent(ctx, tenantID, runID, contracts.EventRetrievalSmokeTest, smokePayload); err != nil {
			return err
		}
	}

	candidateRows, err := s.store.ListDiscoveryCandidates(ctx, tenantID, company.ID)
	if err != nil {
		return err
	}
	candidates := make([]contracts.DocumentDiscoveryCandidate, 0, len(candidateRows))
	for _, c := range candidateRows {
		candidates = append(candidates, *c)
	}

	docs, err := s.store.ListDocumentsForCompany(ctx, tenantID, company.ID)
	if err != nil {
		return err
	}
	selectedDocs := make([]snapshot.SelectedDocument, 0, len(docs))
	for _, d := range docs {
		file, err := s.store.GetDocumentFile(ctx, d.ID)
		if err != nil {
			return err
		}
		selectedDocs = append(selectedDocs, snapshot.SelectedDocument{
			DocumentID: d.ID,
			SHA256Hash: file.SHA256Hash,
			Title:      d.Title,
		})
	}

	policy := s.engine.Policy()
	retrievalParams := map[string]any{
		"bundle_id":            sel.BundleID,
		"bundle_version":       sel.Version,
		"llm_provider":         provider,
		"query_mode":           "hybrid",
		"retrieval_model_name": retrievalModel,
		"top_k":                topK,
		"retrieval_policy": map[string]any{
			"version":        policy.Version,
			"lexical_weight": policy.LexicalWeight,
			"vector_weight":  policy.VectorWeight,
			"tie_break":      policy.TieBreak,
		},
	}
	promptSeedHash, err := canonicalize.Hash(map[string]any{
		"bundle_id":        sel.BundleID,
		"bundle_version":   sel.Version,
		"llm_provider":     provider,
		"model_name":       extractor.ModelName(),
		"retrieval_params": retrievalParams,
	})
	if err != nil {
		return fmt.Errorf("runs: prompt seed: %w", err)
	}

	if _, _, err := s.snapshots.Persist(ctx, snapshot.Payload{
		RunID:                     runID,
		TenantID:                  tenantID,
		CompanyID:                 company.ID,
		CompanyProfile:            company.Profile(),
		MaterialityInputs:         materiality,
		BundleID:                  sel.BundleID,
		BundleVersion:             sel.Version,
		CompilerMode:              run.CompilerMode,
		Retrieval:                 retrievalParams,
		RequiredDatapointUniverse: universeKeys(universe),
		DiscoveryCandidates:       candidates,
		SelectedDocuments:         selectedDocs,
		RetrievalSmokeTest:        smoke,
	}); err != nil {
		return err
	}

	hashInput := runhash.Input{
		TenantID:          tenantID,
		DocumentHashes:    docHashes,
		CompanyProfile:    company.Profile(),
		MaterialityInputs: materiality,
		BundleVersion:     sel.Version,
		RetrievalParams:   retrievalParams,
		PromptHash:        promptSeedHash,
		CompilerMode:      run.CompilerMode,
		RegistryChecksums: registryChecksums,
	}
	runHash, err := runhash.Compute(hashInput)
	if err != nil {
		return err
	}

	pipe := NewPipeline(s.store, s.engine, extractor, s.audit)
	var pipeResult *PipelineResult
	compute := func() ([]contracts.DatapointAssessment, error) {
		res, err := pipe.Execute(ctx, PipelineConfig{
			RunID:              runID,
			TenantID:           tenantID,
			CompanyID:          company.ID,
			BundleID:           sel.BundleID,
			BundleVersion:      sel.Version,
			TopK:               topK,
			RetrievalModelName: retrievalModel,
			Relaxed:            relaxed,
			Datapoints:         universe,
		})
		if err != nil {
			return nil, err
		}
		pipeResult = res
		return res.Assessments, nil
	}

	var outputJSON string
	cacheHit := false
	if payload.BypassCache {
		outputJSON, err = s.cache.Recompute(ctx, runID, hashInput, compute)
	} else {
		outputJSON, cacheHit, err = s.cache.GetOrCompute(ctx, runID, hashInput, compute)
	}
	if err != nil {
		return err
	}

	var assessments []contracts.DatapointAssessment
	var diagnostics []contracts.ExtractionDiagnostics
	if pipeResult != nil {
		assessments = pipeResult.Assessments
		diagnostics = pipeResult.Diagnostics
	} else {
		assessments, err = runhash.MaterializeAssessments(outputJSON)
		if err != nil {
			return err
		}
		for i := range assessments {
			assessments[i].RunID = runID
			assessments[i].TenantID = tenantID
		}
		if err := s.store.ReplaceAssessments(ctx, tenantID, runID, assessments, nil); err != nil {
			return err
		}
	}

	report, err := s.reporter.Build(ctx, tenantID, company.ID, indexed, s.engine.ModelName(), smoke)
	if err != nil {
		return err
	}
	decision := qualitygate.Evaluate(s.cfg.Gate, gateMetrics(universe, assessments, diagnostics, candidates, report, indexed))

	if planResult != nil {
		if err := s.artifacts.PersistPlan(ctx, tenantID, runID, planResult.Plan); err != nil {
			return err
		}
		if err := s.artifacts.PersistCoverageMatrix(ctx, tenantID, runID, assessments); err != nil {
			return err
		}
		if _, err := s.coverage.PersistForPlan(ctx, planRow.ID, assessments); err != nil {
			return err
		}
	}
	if pipeResult != nil {
		if err := s.artifacts.PersistRetrievalTrace(ctx, tenantID, runID, topK, policy, pipeResult.Trace); err != nil {
			return err
		}
	}
	if err := s.artifacts.PersistObservabilityManifest(ctx, tenantID, runID, report); err != nil {
		return err
	}

	seed := manifest.Seed{
		RunID:           runID,
		TenantID:        tenantID,
		CompanyID:       company.ID,
		BundleID:        sel.BundleID,
		BundleVersion:   sel.Version,
		RetrievalParams: retrievalParams,
		ModelName:       extractor.ModelName(),
		PromptHash:      promptSeedHash,
		GitSHA:          s.cfg.GitSHA,
	}
	if planResult != nil {
		planJSON, err := canonicalize.CanonicalString(planResult.Plan)
		if err != nil {
			return fmt.Errorf("runs: plan json: %w", err)
		}
		seed.RegulatoryPlanID = &planRow.ID
		seed.RegulatoryRegistryVersion = registryVersion(planResult.Plan)
		seed.RegulatoryCompilerVersion = planResult.Plan.CompilerVersion
		seed.RegulatoryPlanJSON = planJSON
		seed.RegulatoryPlanHash = planResult.PlanHash
	}
	if _, err := s.manifests.Persist(ctx, seed, assessments); err != nil {
		return err
	}

	return s.finish(ctx, tenantID, runID, decision, len(assessments), cacheHit, runHash)
}

// finish commits the terminal transition. Completed terminals emit
// run.execution.completed; gate-failed terminals emit run.execution.failed
// with the quality_gate_failed category and retryable=false.
func (s *Service) finish(ctx context.Context, tenantID string, runID int64, decision qualitygate.Decision, assessmentCount int, cacheHit bool, runHash string) error {
	var eventType string
	var fields map[string]any
	switch decision.FinalStatus {
	case contracts.RunCompleted, contracts.RunCompletedWithWarnings:
		eventType = contracts.EventRunCompleted
		fields = map[string]any{
			"tenant_id":        tenantID,
			"final_status":     string(decision.FinalStatus),
			"assessment_count": assessmentCount,
			"cache_hit":        cacheHit,
			"run_hash":         runHash,
			"warnings":         decision.Warnings,
		}
	default:
		eventType = contracts.EventRunFailed
		fields = map[string]any{
			"tenant_id":        tenantID,
			"final_status":     string(decision.FinalStatus),
			"failure_category": CategoryQualityGateFailed,
			"retryable":        false,
			"failures":         decision.Failures,
		}
	}
	payload, err := canonicalize.CanonicalString(fields)
	if err != nil {
		return fmt.Errorf("runs: terminal payload: %w", err)
	}
	ok, err := s.store.TransitionRun(ctx, tenantID, runID, []contracts.RunStatus{contracts.RunRunning}, decision.FinalStatus, eventType, payload)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("runs: run %d: terminal transition lost", runID)
	}
	s.record(eventType, map[string]any{
		"run_id":       runID,
		"tenant_id":    tenantID,
		"final_status": string(decision.FinalStatus),
	})
	s.log.Info("run finished",
		"tenant_id", tenantID,
		"run_id", runID,
		"final_status", string(decision.FinalStatus),
		"assessments", assessmentCount,
		"cache_hit", cacheHit,
	)
	return nil
}

// fail classifies the cause, appends run.execution.failed, and flips the
// run to failed_pipeline in the same transaction.
func (s *Service) fail(ctx context.Context, tenantID string, runID int64, cause error) {
	category, retryable := Classify(cause)
	payload, err := canonicalize.CanonicalString(map[string]any{
		"tenant_id":        tenantID,
		"failure_category": category,
		"retryable":        retryable,
		"error":            cause.Error(),
	})
	if err != nil {
		s.log.Error("encode failure payload", "tenant_id", tenantID, "run_id", runID, "error", err)
		return
	}
	from := []contracts.RunStatus{contracts.RunRunning, contracts.RunQueued}
	if _, err := s.store.TransitionRun(ctx, tenantID, runID, from, contracts.RunFailedPipeline, contracts.EventRunFailed, payload); err != nil {
		s.log.Error("record run failure", "tenant_id", tenantID, "run_id", runID, "error", err)
	}
	s.record(contracts.EventRunFailed, map[string]any{
		"run_id":           runID,
		"tenant_id":        tenantID,
		"failure_category": category,
		"retryable":        retryable,
	})
	s.log.Error("run failed",
		"tenant_id", tenantID,
		"run_id", runID,
		"failure_category", category,
		"retryable", retryable,
		"error", cause,
	)
}

// gateMetrics derives the quality-gate inputs for one run. Diagnostic
// counts come from the verification transcript, evidence counts from the
// assessments, ingestion counts from the live corpus.
func gateMetrics(universe []Datapoint, assessments []contracts.DatapointAssessment, diagnostics []contracts.ExtractionDiagnostics, candidates []contracts.DocumentDiscoveryCandidate, report *observability.RunReport, indexed int) qualitygate.Metrics {
	requiredNarrative := make(map[string]bool)
	for _, dp := range universe {
		if dp.Required && dp.Type == contracts.DatapointNarrative {
			requiredNarrative[dp.Key] = true
		}
	}

	metrics := qualitygate.Metrics{
		DocsDiscovered:                len(candidates),
		DocsIngested:                  len(report.IngestResults),
		ChunksIndexed:                 indexed,
		RequiredNarrativeSectionCount: len(requiredNarrative),
		AssessmentCount:               len(assessments),
		Warnings:                      report.GateWarnings(),
	}
	for _, d := range diagnostics {
		if d.FailureReasonCode == verifier.CodeChunkNotFound {
			metrics.ChunkNotFoundCount++
			if requiredNarrative[d.DatapointKey] {
				metrics.RequiredNarrativeChunkNotFoundCount++
			}
		}
	}

	minRequired := -1
	for _, a := range assessments {
		hits := len(a.EvidenceChunkIDs)
		metrics.EvidenceHitsTotal += hits
		if requiredNarrative[a.DatapointKey] && (minRequired < 0 || hits < minRequired) {
			minRequired = hits
		}
	}
	if minRequired < 0 {
		minRequired = 0
	}
	metrics.MinEvidenceHitsInRequiredSection = minRequired
	return metrics
}

func (s *Service) record(eventType string, fields map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(eventType, fields)
}

func smokeQuery(universe []Datapoint) string {
	if len(universe) == 0 {
		return smokeFallbackQuery
	}
	dp := universe[0]
	return dp.Title + " " + dp.DisclosureReference
}

func universeKeys(universe []Datapoint) []string {
	keys := make([]string, 0, len(universe))
	for _, dp := range universe {
		keys = append(keys, dp.Key)
	}
	return keys
}

func orAuto(v string) string {
	if v == "" {
		return bundles.AutoSelector
	}
	return v
}

// compiledPlanRow maps a compilation onto its persisted head row.
func compiledPlanRow(company *contracts.Company, res *compiler.Result) *contracts.CompiledPlan {
	flags := make(map[string]string, len(res.Plan.ObligationsExcluded))
	for _, e := range res.Plan.ObligationsExcluded {
		if _, ok := flags[e.ID]; !ok {
			flags[e.ID] = e.Reason
		}
	}
	flagsJSON, err := canonicalize.CanonicalString(flags)
	if err != nil {
		flagsJSON = "{}"
	}
	return &contracts.CompiledPlan{
		EntityID:      company.ID,
		ReportingYear: company.ReportingYear,
		Regime:        strings.Join(res.Plan.Regimes, ","),
		Cohort:        coverage.CohortForCompany(company.ListedStatus, company.ReportingYear),
		PhaseInFlags:  flagsJSON,
	}
}

func compiledObligationRows(res *compiler.Result) []contracts.CompiledObligation {
	jurisdiction := strings.Join(res.Plan.Jurisdictions, ",")
	rows := make([]contracts.CompiledObligation, 0, len(res.Obligations))
	for _, o := range res.Obligations {
		mandatory := false
		for _, el := range o.Elements {
			if el.Required {
				mandatory = true
				break
			}
		}
		rows = append(rows, contracts.CompiledObligation{
			ObligationCode: o.ObligationID,
			Mandatory:      mandatory,
			Jurisdiction:   jurisdiction,
		})
	}
	return rows
}

// registryBundleIdentity reduces the selected bundle set to the single
// (bundle_id, version) pair recorded on snapshots and manifests. Multiple
// selections join their sorted identities.
func registryBundleIdentity(plan *compiler.Plan) bundles.Selection {
	if len(plan.SelectedBundles) == 1 {
		b := plan.SelectedBundles[0]
		return bundles.Selection{BundleID: b.BundleID, Version: b.Version}
	}
	ids := make([]string, 0, len(plan.SelectedBundles))
	versions := make([]string, 0, len(plan.SelectedBundles))
	seenID := make(map[string]bool)
	seenVer := make(map[string]bool)
	for _, b := range plan.SelectedBundles {
		if !seenID[b.BundleID] {
			seenID[b.BundleID] = true
			ids = append(ids, b.BundleID)
		}
		if !seenVer[b.Version] {
			seenVer[b.Version] = true
			versions = append(versions, b.Version)
		}
	}
	sort.Strings(ids)
	sort.Strings(versions)
	return bundles.Selection{BundleID: strings.Join(ids, "+"), Version: strings.Join(versions, "+")}
}

func registryVersion(plan *compiler.Plan) string {
	parts := make([]string, 0, len(plan.SelectedBundles))
	for _, b := range plan.SelectedBundles {
		parts = append(parts, b.BundleID+"@"+b.Version)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
