package main

import (
	"fmt"
	"io"
	"os"
)

const version = "v1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "import-bundle":
		return runImportBundleCmd(args[2:], stdout, stderr)
	case "sync-bundles":
		return runSyncBundlesCmd(args[2:], stdout, stderr)
	case "export-pack":
		return runExportPackCmd(args[2:], stdout, stderr)
	case "verify-pack":
		return runVerifyPackCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorGreen  = "\033[32m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sattest %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sDeterministic disclosure runs with verifiable evidence.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  attest <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the API server (default)")
	printCommand(w, "migrate", "Apply database migrations and exit")
	printCommand(w, "doctor", "Check configuration, stores, and tenant isolation")
	printCommand(w, "health", "Check a running server over HTTP")

	printSection(w, "BUNDLES")
	printCommand(w, "import-bundle", "Import a requirement bundle file (--file)")
	printCommand(w, "sync-bundles", "Sync regulatory bundles from a directory (--dir, --mode)")

	printSection(w, "EVIDENCE")
	printCommand(w, "export-pack", "Export a run's evidence pack (--run, --out)")
	printCommand(w, "verify-pack", "Verify an exported pack offline (--pack)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", ColorGreen, name, ColorReset, desc)
}
