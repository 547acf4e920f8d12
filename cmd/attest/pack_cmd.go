package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/tracefirst/attest/pkg/config"
	"github.com/tracefirst/attest/pkg/evidencepack"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/report"
	"github.com/tracefirst/attest/pkg/store"
)

func runExportPackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export-pack", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		runID      int64
		tenantID   string
		out        string
		dbURL      string
		jsonOutput bool
	)
	cmd.Int64Var(&runID, "run", 0, "Run ID to export (REQUIRED)")
	cmd.StringVar(&tenantID, "tenant", "default", "Tenant that owns the run")
	cmd.StringVar(&out, "out", "", "Output root directory (default: EVIDENCE_PACK_OUTPUT_ROOT)")
	cmd.StringVar(&dbURL, "db", "", "Database DSN (default: DATABASE_URL)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if runID == 0 {
		fmt.Fprintln(stderr, "Error: --run is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	if out == "" {
		out = cfg.EvidencePackOutputRoot
	}
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}

	st, err := openStore(dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	run, err := st.GetRun(ctx, tenantID, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "Error: run %d not found for tenant %q\n", runID, tenantID)
		} else {
			fmt.Fprintf(stderr, "Error loading run: %v\n", err)
		}
		return 1
	}

	hasManifest := true
	if _, err := st.GetRunManifest(ctx, tenantID, runID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
			return 1
		}
		hasManifest = false
	}
	assessments, err := st.ListAssessments(ctx, tenantID, runID)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading assessments: %v\n", err)
		return 1
	}

	readiness := report.EvaluateReadiness(run.Status, hasManifest, len(assessments))
	if !readiness.EvidencePackReady {
		fmt.Fprintf(stderr, "Error: run %d is not ready for an evidence pack:\n", runID)
		for _, blocker := range readiness.PackBlockers() {
			fmt.Fprintf(stderr, "  - %s\n", blocker)
		}
		return 1
	}

	objects, err := objectstore.NewFromConfig(ctx, objectstore.Config{
		Backend:  cfg.ObjectStorageBackend,
		Root:     cfg.ObjectStorageRoot,
		Bucket:   cfg.ObjectStorageBucket,
		Region:   cfg.ObjectStorageRegion,
		Endpoint: cfg.ObjectStorageEndpoint,
		Prefix:   cfg.ObjectStorageURIPrefix,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error opening object storage: %v\n", err)
		return 1
	}

	path, err := evidencepack.NewExporter(st, objects).Export(ctx, tenantID, runID, out)
	if err != nil {
		fmt.Fprintf(stderr, "Error exporting pack: %v\n", err)
		return 1
	}

	// Re-open the archive and run the full verification suite so a pack
	// is never handed to an auditor without passing its own checks.
	verification, err := evidencepack.VerifyPack(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error verifying exported pack: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"pack_path": path,
			"run_id":    runID,
			"tenant_id": tenantID,
			"verified":  verification.Passed,
		}, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "✅ Evidence pack exported: %s\n", path)
	}
	if !verification.Passed {
		fmt.Fprintln(stderr, "Error: exported pack failed verification:")
		printFailedChecks(stderr, verification)
		return 1
	}
	if !jsonOutput {
		fmt.Fprintf(stdout, "✅ Verified %d checks\n", len(verification.Checks))
	}
	return 0
}

func runVerifyPackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-pack", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		packPath   string
		jsonOutput bool
	)
	cmd.StringVar(&packPath, "pack", "", "Evidence pack zip to verify (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if packPath == "" {
		fmt.Fprintln(stderr, "Error: --pack is required")
		cmd.Usage()
		return 2
	}

	verification, err := evidencepack.VerifyPack(packPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error verifying pack: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(verification, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%sVerifying %s%s\n\n", ColorBold, packPath, ColorReset)
		for _, check := range verification.Checks {
			icon := "✅"
			if !check.Passed {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-24s %s%s%s\n", icon, check.Name, ColorGray, check.Detail, ColorReset)
		}
		fmt.Fprintln(stdout)
		if verification.Passed {
			fmt.Fprintf(stdout, "%s✅ Pack verified%s\n", ColorGreen, ColorReset)
		} else {
			fmt.Fprintln(stdout, "❌ Pack verification failed")
		}
	}
	if !verification.Passed {
		return 1
	}
	return 0
}

func printFailedChecks(w io.Writer, verification *evidencepack.VerifyReport) {
	for _, check := range verification.Checks {
		if !check.Passed {
			fmt.Fprintf(w, "  - %s: %s\n", check.Name, check.Detail)
		}
	}
}
