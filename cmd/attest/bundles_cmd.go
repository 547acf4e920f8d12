package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/tracefirst/attest/pkg/bundles"
	"github.com/tracefirst/attest/pkg/config"
	"github.com/tracefirst/attest/pkg/store"
)

// openStore opens the database named by --db, falling back to the
// configured DATABASE_URL, and applies pending migrations.
func openStore(dbURL string) (*store.Store, error) {
	if dbURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		dbURL = cfg.DatabaseURL
	}
	st, err := store.Open(dbURL)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dbURL string
	cmd.StringVar(&dbURL, "db", "", "Database DSN (default: DATABASE_URL)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	st, err := openStore(dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error applying migrations: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	fmt.Fprintln(stdout, "✅ Schema is up to date")
	return 0
}

func runImportBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("import-bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		dbURL      string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Requirement bundle JSON file (REQUIRED)")
	cmd.StringVar(&dbURL, "db", "", "Database DSN (default: DATABASE_URL)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	st, err := openStore(dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	bundle, err := bundles.ImportFile(context.Background(), st, file)
	if err != nil {
		fmt.Fprintf(stderr, "Error importing bundle: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(bundle, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "✅ Imported %s@%s\n", bundle.BundleID, bundle.Version)
	}
	return 0
}

func runSyncBundlesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sync-bundles", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		mode       string
		dbURL      string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Directory of regulatory bundle JSON files (REQUIRED)")
	cmd.StringVar(&mode, "mode", string(bundles.SyncMerge), "Sync mode: merge or sync")
	cmd.StringVar(&dbURL, "db", "", "Database DSN (default: DATABASE_URL)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		fmt.Fprintln(stderr, "Error: --dir is required")
		cmd.Usage()
		return 2
	}

	st, err := openStore(dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	synced, err := bundles.NewRegistry(st).SyncFromDir(context.Background(), dir, bundles.SyncMode(mode))
	if err != nil {
		fmt.Fprintf(stderr, "Error syncing bundles: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(synced, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	for _, s := range synced {
		state := "unchanged"
		if s.Changed {
			state = "updated"
		}
		fmt.Fprintf(stdout, "✅ %s@%s  %.12s  %s\n", s.BundleID, s.Version, s.Checksum, state)
	}
	fmt.Fprintf(stdout, "%d bundle(s) synced from %s\n", len(synced), dir)
	return 0
}
