package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefirst/attest/pkg/canonicalize"
	"github.com/tracefirst/attest/pkg/contracts"
	"github.com/tracefirst/attest/pkg/evidencepack"
	"github.com/tracefirst/attest/pkg/objectstore"
	"github.com/tracefirst/attest/pkg/store"
)

const cliBundleJSON = `{
  "bundle_id": "esrs_mini",
  "version": "2026.01",
  "standard": "ESRS",
  "datapoints": [
    {"datapoint_key": "E1-1", "title": "Transition plan for climate change mitigation", "disclosure_reference": "ESRS E1 par 14"}
  ],
  "applicability_rules": [
    {"rule_id": "r-e1-1", "datapoint_key": "E1-1", "expression": "company.employees > 250"}
  ]
}`

const cliRegulatoryJSON = `{
  "bundle_id": "esrs_e1",
  "version": "2026.1",
  "jurisdiction": "EU",
  "regime": "CSRD_ESRS",
  "obligations": [
    {"obligation_id": "e1-1", "title": "Transition plan", "standard_reference": "ESRS E1"}
  ]
}`

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
	assert.Contains(t, errOut.String(), "USAGE")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	for _, cmd := range []string{"serve", "migrate", "import-bundle", "sync-bundles", "export-pack", "verify-pack", "doctor"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "version"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, version+"\n", out.String())
}

func TestRunDefaultsToServer(t *testing.T) {
	orig := startServer
	started := 0
	startServer = func(stdout, stderr io.Writer) int {
		started++
		return 0
	}
	t.Cleanup(func() { startServer = orig })

	assert.Equal(t, 0, Run([]string{"attest"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"attest", "serve"}, io.Discard, io.Discard))
	assert.Equal(t, 0, Run([]string{"attest", "--port=0"}, io.Discard, io.Discard))
	assert.Equal(t, 3, started)
}

func TestMigrateCmd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "migrate", "--db", dbPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Schema is up to date")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	version, dirty, err := st.SchemaVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Greater(t, version, uint64(0))
}

func TestImportBundleCmd(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cli.db")
	bundlePath := filepath.Join(tmp, "bundle.json")
	require.NoError(t, os.WriteFile(bundlePath, []byte(cliBundleJSON), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "import-bundle", "--file", bundlePath, "--db", dbPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Imported esrs_mini@2026.01")

	// Re-import is idempotent.
	out.Reset()
	code = Run([]string{"attest", "import-bundle", "--file", bundlePath, "--db", dbPath}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
}

func TestImportBundleCmdMissingFile(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "import-bundle"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--file is required")
}

func TestImportBundleCmdInvalidBundle(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cli.db")
	bundlePath := filepath.Join(tmp, "bad.json")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`{"version": "1"}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "import-bundle", "--file", bundlePath, "--db", dbPath}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error importing bundle")
}

func TestSyncBundlesCmd(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cli.db")
	dir := filepath.Join(tmp, "bundles")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "esrs_e1.json"), []byte(cliRegulatoryJSON), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "sync-bundles", "--dir", dir, "--db", dbPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "esrs_e1@2026.1")
	assert.Contains(t, out.String(), "updated")
	assert.Contains(t, out.String(), "1 bundle(s) synced")

	// A second pass over the same directory reports no change.
	out.Reset()
	code = Run([]string{"attest", "sync-bundles", "--dir", dir, "--db", dbPath, "--mode", "sync"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "unchanged")
}

func TestSyncBundlesCmdUnknownMode(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "bundles")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "sync-bundles", "--dir", dir, "--db", filepath.Join(tmp, "cli.db"), "--mode", "replace"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "unknown sync mode")
}

func TestSyncBundlesCmdMissingDir(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "sync-bundles"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--dir is required")
}

// seedCompletedRun builds the smallest corpus an evidence pack needs: one
// company, one completed run, one stored document with chunks, and two
// assessments citing them.
func seedCompletedRun(t *testing.T, dbPath, objRoot string) int64 {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())

	ctx := context.Background()
	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "default", Name: "CLI Fixture Co"})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "default", company.ID, contracts.CompilerLegacy)
	require.NoError(t, err)

	docBytes := []byte("%PDF-1.4 cli fixture sustainability statement")
	hash := canonicalize.HashBytes(docBytes)
	doc, _, err := st.CreateDocumentWithFile(ctx,
		&contracts.Document{CompanyID: company.ID, TenantID: "default", Title: "Annual Report"},
		&contracts.DocumentFile{SHA256Hash: hash, StorageURI: "file://" + hash})
	require.NoError(t, err)

	objects, err := objectstore.NewFS(objRoot, "")
	require.NoError(t, err)
	require.NoError(t, objects.Put(ctx, hash, docBytes))

	require.NoError(t, st.ReplaceChunksForDocument(ctx, doc.ID, []contracts.Chunk{
		{ChunkID: "c-1", DocumentID: doc.ID, PageNumber: 1, StartOffset: 0, EndOffset: 32, Text: "Scope 1 emissions were 42 tCO2e."},
	}))
	require.NoError(t, st.ReplaceAssessments(ctx, "default", run.ID, []contracts.DatapointAssessment{
		{
			RunID: run.ID, TenantID: "default", DatapointKey: "esrs::e1-6",
			Status: contracts.StatusPresent, Value: "42 tCO2e",
			EvidenceChunkIDs: []string{"c-1"},
			Rationale:        "Stated on page 1.",
			ModelName:        "test-model", PromptHash: strings.Repeat("a", 64),
		},
	}, nil))

	moved, err := st.TransitionRun(ctx, "default", run.ID,
		[]contracts.RunStatus{contracts.RunQueued}, contracts.RunRunning, contracts.EventRunStarted, "")
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = st.TransitionRun(ctx, "default", run.ID,
		[]contracts.RunStatus{contracts.RunRunning}, contracts.RunCompleted, contracts.EventRunCompleted, "")
	require.NoError(t, err)
	require.True(t, moved)

	return run.ID
}

func TestExportPackCmdBlockedRun(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cli.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema())

	ctx := context.Background()
	company, err := st.CreateCompany(ctx, &contracts.Company{TenantID: "default", Name: "Blocked Co"})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "default", company.ID, contracts.CompilerLegacy)
	require.NoError(t, err)

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "export-pack",
		"--run", strconv.FormatInt(run.ID, 10), "--db", dbPath, "--out", filepath.Join(tmp, "packs")}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "not ready")
	assert.Contains(t, errOut.String(), "assessments_missing")
	assert.Contains(t, errOut.String(), "run_not_completed:queued")
}

func TestExportPackCmdUnknownRun(t *testing.T) {
	tmp := t.TempDir()
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "export-pack",
		"--run", "9999", "--db", filepath.Join(tmp, "cli.db"), "--out", filepath.Join(tmp, "packs")}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "run 9999 not found")
}

func TestExportPackCmdMissingRun(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "export-pack"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--run is required")
}

func TestExportThenVerifyPack(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cli.db")
	objRoot := filepath.Join(tmp, "objects")
	packRoot := filepath.Join(tmp, "packs")
	t.Setenv("OBJECT_STORAGE_BACKEND", "fs")
	t.Setenv("OBJECT_STORAGE_ROOT", objRoot)

	runID := seedCompletedRun(t, dbPath, objRoot)

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "export-pack",
		"--run", strconv.FormatInt(runID, 10), "--db", dbPath, "--out", packRoot}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Evidence pack exported")
	assert.Contains(t, out.String(), "Verified")

	packPath := evidencepack.PackPath(packRoot, "default", runID)
	_, err := os.Stat(packPath)
	require.NoError(t, err)

	out.Reset()
	errOut.Reset()
	code = Run([]string{"attest", "verify-pack", "--pack", packPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Pack verified")
	assert.Contains(t, out.String(), "pack_file_hashes")
}

func TestVerifyPackCmdTamperedArchive(t *testing.T) {
	tmp := t.TempDir()
	packPath := filepath.Join(tmp, "not-a-pack.zip")
	require.NoError(t, os.WriteFile(packPath, []byte("zip? no."), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "verify-pack", "--pack", packPath}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error verifying pack")
}

func TestVerifyPackCmdMissingFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "verify-pack"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--pack is required")
}

func TestDoctorCmdFreshDatabase(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(tmp, "doctor.db"))
	t.Setenv("OBJECT_STORAGE_BACKEND", "fs")
	t.Setenv("OBJECT_STORAGE_ROOT", filepath.Join(tmp, "objects"))

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "doctor"}, &out, &errOut)
	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "go_runtime")
	assert.Contains(t, out.String(), "no migrations applied yet")
	assert.Contains(t, out.String(), "All checks passed")
}

func TestDoctorCmdMigratedDatabase(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "doctor.db")
	objRoot := filepath.Join(tmp, "objects")
	t.Setenv("DATABASE_URL", dbPath)
	t.Setenv("OBJECT_STORAGE_BACKEND", "fs")
	t.Setenv("OBJECT_STORAGE_ROOT", objRoot)

	seedCompletedRun(t, dbPath, objRoot)

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "doctor"}, &out, &errOut)
	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "tenant_isolation")
	assert.Contains(t, out.String(), "no cross-tenant claims")
	assert.Contains(t, out.String(), "All checks passed")
}

func TestDoctorCmdGateProfiles(t *testing.T) {
	tmp := t.TempDir()
	profileDir := filepath.Join(tmp, "profiles")
	require.NoError(t, os.MkdirAll(profileDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "gate_dev.yaml"),
		[]byte("name: dev\nmin_docs_ingested: 0\n"), 0o644))

	t.Setenv("DATABASE_URL", filepath.Join(tmp, "doctor.db"))
	t.Setenv("OBJECT_STORAGE_BACKEND", "fs")
	t.Setenv("OBJECT_STORAGE_ROOT", filepath.Join(tmp, "objects"))
	t.Setenv("GATE_PROFILE_DIR", profileDir)

	var out, errOut bytes.Buffer
	code := Run([]string{"attest", "doctor"}, &out, &errOut)
	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), "gate_profiles")
	assert.Contains(t, out.String(), "dev")

	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "gate_bad.yaml"),
		[]byte("name: bad\nmax_chunk_not_found_rate: 7\n"), 0o644))
	out.Reset()
	errOut.Reset()
	code = Run([]string{"attest", "doctor"}, &out, &errOut)
	assert.Equal(t, 1, code, out.String())
	assert.Contains(t, out.String(), "outside [0,1]")
}
