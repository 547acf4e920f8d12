package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracefirst/attest/pkg/api"
	"github.com/tracefirst/attest/pkg/audit"
	"github.com/tracefirst/attest/pkg/auth"
	"github.com/tracefirst/attest/pkg/compiler"
	"github.com/tracefirst/attest/pkg/config"
	"github.com/tracefirst/attest/pkg/evidencepack"
	"github.com/tracefirst/attest/pkg/ingest"
	"github.com/tracefirst/attest/pkg/llm"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/observability"
	"github.com/tracefirst/attest/pkg/qualitygate"
	"github.com/tracefirst/attest/pkg/retrieval"
	"github.com/tracefirst/attest/pkg/runs"
	"github.com/tracefirst/attest/pkg/store"
)

func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "attest: config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "attest: store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(); err != nil {
		fmt.Fprintf(stderr, "attest: migrate: %v\n", err)
		return 1
	}
	logger.Info("database ready", "dsn", redactDSN(cfg.DatabaseURL))

	objects, err := objectstore.NewFromConfig(ctx, objectstore.Config{
		Backend:  cfg.ObjectStorageBackend,
		Root:     cfg.ObjectStorageRoot,
		Bucket:   cfg.ObjectStorageBucket,
		Region:   cfg.ObjectStorageRegion,
		Endpoint: cfg.ObjectStorageEndpoint,
		Prefix:   cfg.ObjectStorageURIPrefix,
	})
	if err != nil {
		fmt.Fprintf(stderr, "attest: object storage: %v\n", err)
		return 1
	}
	logger.Info("object storage ready", "backend", cfg.ObjectStorageBackend)

	var comp *compiler.Service
	if cfg.FeatureRegistryCompiler {
		comp, err = compiler.NewService(st, nil)
		if err != nil {
			fmt.Fprintf(stderr, "attest: compiler: %v\n", err)
			return 1
		}
		logger.Info("registry compiler enabled")
	}

	workerCfg := runs.DefaultWorkerConfig()
	workerCfg.Workers = cfg.Workers
	workerCfg.DefaultTopK = cfg.RetrievalTopK
	workerCfg.DefaultProvider = cfg.LLMProvider
	workerCfg.SmokeTestEnabled = cfg.SmokeTestEnabled
	workerCfg.SmokeTestRelax = cfg.SmokeTestRelax
	workerCfg.GitSHA = cfg.GitSHA
	applyGateOverrides(&workerCfg.Gate, cfg.Gate)

	extractor, err := buildExtractor(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "attest: llm: %v\n", err)
		return 1
	}

	engine := retrieval.New(st, retrieval.NewHashEmbedder())
	runsSvc, err := runs.NewService(st, engine, extractor, comp, audit.NewLogger(), logger, workerCfg)
	if err != nil {
		fmt.Fprintf(stderr, "attest: runs: %v\n", err)
		return 1
	}
	registerSecondaryExtractors(runsSvc, cfg)

	var telemetry *observability.Provider
	if cfg.ObservabilityEnabled {
		obsCfg := observability.DefaultConfig()
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		telemetry, err = observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(stderr, "attest: observability: %v\n", err)
			return 1
		}
		runsSvc.SetTelemetry(telemetry)
	}

	srv, err := api.NewServer(st, ingest.NewService(st, objects, logger), runsSvc,
		evidencepack.NewExporter(st, objects), comp, logger,
		api.Options{RegistryReportMatrix: cfg.FeatureRegistryReportMatrix})
	if err != nil {
		fmt.Fprintf(stderr, "attest: api: %v\n", err)
		return 1
	}

	handler, err := buildHandler(cfg, srv, telemetry)
	if err != nil {
		fmt.Fprintf(stderr, "attest: %v\n", err)
		return 1
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "attest: server: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		runsSvc.Wait()
		if telemetry != nil {
			_ = telemetry.Shutdown(shutdownCtx)
		}
	}
	return 0
}

// buildHandler assembles the middleware chain around the API routes:
// request IDs, telemetry, CORS, authentication, rate limiting on the
// expensive endpoints, and idempotency-key replay.
func buildHandler(cfg *config.Config, srv *api.Server, telemetry *observability.Provider) (http.Handler, error) {
	authn := auth.NewAuthenticator(cfg.APIKeys, []byte(cfg.JWTSigningKey))
	idem := api.NewIdempotencyStore(24 * time.Hour)

	var limiter auth.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		perMinute := int(cfg.RateLimitRPS * 60)
		if perMinute < 1 {
			perMinute = 1
		}
		limiter = auth.NewRedisLimiter(redis.NewClient(opts), perMinute, time.Minute)
	} else {
		limiter = auth.NewLocalLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	handler := srv.Routes()
	handler = api.IdempotencyMiddleware(idem)(handler)
	handler = auth.RateLimitMiddleware(limiter, api.RateLimited)(handler)
	handler = authn.Middleware(handler)
	handler = auth.CORSMiddleware(cfg.CORSAllowedOrigins)(handler)
	if telemetry != nil {
		handler = telemetry.HTTPMiddleware(handler)
	}
	return auth.RequestIDMiddleware(handler), nil
}

// buildExtractor constructs the extractor for the configured default
// provider.
func buildExtractor(cfg *config.Config) (*llm.Extractor, error) {
	switch cfg.LLMProvider {
	case "", runs.ProviderDeterministicFallback:
		return llm.NewExtractor(llm.DeterministicFallback{}, llm.FallbackModelName), nil
	case runs.ProviderLocalLMStudio, runs.ProviderOpenAICloud:
		e, err := transportExtractor(cfg, cfg.LLMProvider)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// registerSecondaryExtractors makes every configured provider selectable
// per execute request, not just the default one.
func registerSecondaryExtractors(svc *runs.Service, cfg *config.Config) {
	if cfg.LLMProvider != runs.ProviderDeterministicFallback {
		svc.RegisterExtractor(runs.ProviderDeterministicFallback,
			llm.NewExtractor(llm.DeterministicFallback{}, llm.FallbackModelName))
	}
	for _, provider := range []string{runs.ProviderLocalLMStudio, runs.ProviderOpenAICloud} {
		if provider == cfg.LLMProvider {
			continue
		}
		if e, err := transportExtractor(cfg, provider); err == nil {
			svc.RegisterExtractor(provider, e)
		}
	}
}

// transportExtractor builds an OpenAI-compatible extractor for provider.
// Local servers default to the LM Studio address and the chat endpoint.
func transportExtractor(cfg *config.Config, provider string) (*llm.Extractor, error) {
	base := cfg.LLMAPIBase
	preferChat := false
	switch provider {
	case runs.ProviderLocalLMStudio:
		if base == "" {
			base = "http://localhost:1234/v1"
		}
		preferChat = true
	case runs.ProviderOpenAICloud:
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		if cfg.LLMAPIKey == "" {
			return nil, fmt.Errorf("%s requires LLM_API_KEY", provider)
		}
	}
	if cfg.LLMModel == "" {
		return nil, fmt.Errorf("%s requires LLM_MODEL", provider)
	}
	transport := llm.NewOpenAICompatibleTransport(llm.TransportConfig{
		BaseURL:    base,
		APIKey:     cfg.LLMAPIKey,
		PreferChat: preferChat,
	})
	return llm.NewExtractor(transport, cfg.LLMModel), nil
}

// applyGateOverrides folds configured thresholds onto the default gate.
func applyGateOverrides(gate *qualitygate.Config, o config.GateOverrides) {
	if o.MinDocsDiscovered != nil {
		gate.MinDocsDiscovered = *o.MinDocsDiscovered
	}
	if o.MinDocsIngested != nil {
		gate.MinDocsIngested = *o.MinDocsIngested
	}
	if o.MinChunksIndexed != nil {
		gate.MinChunksIndexed = *o.MinChunksIndexed
	}
	if o.MaxChunkNotFoundRate != nil {
		gate.MaxChunkNotFoundRate = *o.MaxChunkNotFoundRate
	}
	if o.MinEvidenceHits != nil {
		gate.MinEvidenceHits = *o.MinEvidenceHits
	}
	if o.MinEvidenceHitsPerSection != nil {
		gate.MinEvidenceHitsPerSection = *o.MinEvidenceHitsPerSection
	}
	if o.FailOnRequiredNarrativeChunkNotFound != nil {
		gate.FailOnRequiredNarrativeChunkNotFound = *o.FailOnRequiredNarrativeChunkNotFound
	}
}

// newLogger builds a text slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// redactDSN strips credentials from a database URL for logging.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
