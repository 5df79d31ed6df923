// Command aria is the composition root: it wires environment
// configuration into the audit store, tool registry, sandbox, scanner,
// and model router, then dispatches CLI subcommands against the Agent
// Kernel. It is a thin external collaborator — the core packages under
// pkg/ never import it or net/http.
package main

import (
	"fmt"
	"io"
	"os"
)

const (
	exitOK             = 0
	exitUserError      = 2
	exitBudgetExceeded = 3
	exitToolFailure    = 4
	exitModelFailure   = 5
	exitFatal          = 10
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, kept separate from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return exitUserError
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "tools":
		return runToolsCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "aria: unknown command %q\n", args[1])
		printUsage(stderr)
		return exitUserError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aria - a local-first, single-agent LLM execution runtime")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  aria <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run <task>                       run one task to completion")
	fmt.Fprintln(w, "  tools list                       list registered tools and their permissions")
	fmt.Fprintln(w, "  audit list [--limit N]           list recent sessions")
	fmt.Fprintln(w, "  audit export --session ID [--format json|text]")
	fmt.Fprintln(w, "  audit verify --session ID        verify a session's hash chain")
	fmt.Fprintln(w, "  doctor                           check configuration and local file access")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "CONFIGURATION (environment):")
	fmt.Fprintln(w, "  ANTHROPIC_API_KEY, ARIA_PRIMARY_PROVIDER, ARIA_PRIMARY_MODEL,")
	fmt.Fprintln(w, "  ARIA_MAX_STEPS, ARIA_MAX_COST_USD, ARIA_DB_PATH, ARIA_LOG_PATH,")
	fmt.Fprintln(w, "  ARIA_LOG_LEVEL, ARIA_PLUGIN_DIR")
}
