// Package observability provides OpenTelemetry tracing and metrics for the
// run engine, plus the per-run corpus-health report persisted as the
// observability_manifest artifact.
//
// # Tracing and metrics
//
// Initialize the provider at application startup:
//
//	tp, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "attest",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer tp.Shutdown(ctx)
//
// Use the HTTP middleware to trace requests and record RED metrics:
//
//	http.Handle("/", tp.HTTPMiddleware(yourHandler))
//
// Track a long-lived operation end to end:
//
//	ctx, done := tp.TrackOperation(ctx, "run.execute", observability.RunAttrs(tenantID, runID)...)
//	defer func() { done(err) }()
//
// # Run reports
//
// RunReporter walks a company's ingested corpus and summarises extraction,
// chunking, and indexing for one run:
//
//	report, err := observability.NewRunReporter(st).Build(ctx, tenantID, companyID, indexed, model, smoke)
//
// The report's GateWarnings feed the quality gate's warning ledger.
package observability
