package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/aria-run/aria/pkg/audit"
	"github.com/aria-run/aria/pkg/scrub"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "aria: usage: aria audit <list|export|verify>")
		return exitUserError
	}

	switch args[0] {
	case "list":
		return runAuditList(args[1:], stdout, stderr)
	case "export":
		return runAuditExport(args[1:], stdout, stderr)
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "aria: unknown audit subcommand %q\n", args[0])
		return exitUserError
	}
}

func openStoreOnly() (*audit.Store, func(), error) {
	cfg := loadConfig()
	store, err := audit.Open(cfg.DBPath, scrub.New(scrubbedEnvVars))
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func runAuditList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 20, "maximum number of sessions to list")
	if err := cmd.Parse(args); err != nil {
		return exitUserError
	}

	store, closeFn, err := openStoreOnly()
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	defer closeFn()

	summaries, err := store.ListSessions(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	if len(summaries) == 0 {
		fmt.Fprintln(stdout, "no sessions recorded")
		return exitOK
	}
	for _, s := range summaries {
		fmt.Fprintf(stdout, "%s  records=%-4d  last=%-18s  at=%s\n",
			s.SessionID, s.RecordCount, s.LastKind, s.LastActivity.Format("2006-01-02T15:04:05Z"))
	}
	return exitOK
}

func runAuditExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sessionID := cmd.String("session", "", "session ID to export (REQUIRED)")
	format := cmd.String("format", "json", "output format: json|text")
	if err := cmd.Parse(args); err != nil {
		return exitUserError
	}
	if *sessionID == "" {
		fmt.Fprintln(stderr, "aria: --session is required")
		return exitUserError
	}

	store, closeFn, err := openStoreOnly()
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	defer closeFn()

	data, err := store.Export(context.Background(), *sessionID, audit.Format(*format))
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	fmt.Fprintln(stdout, string(data))
	return exitOK
}

func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	sessionID := cmd.String("session", "", "session ID to verify (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitUserError
	}
	if *sessionID == "" {
		fmt.Fprintln(stderr, "aria: --session is required")
		return exitUserError
	}

	store, closeFn, err := openStoreOnly()
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	defer closeFn()

	result, err := store.Verify(context.Background(), *sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "aria: %v\n", err)
		return exitUserError
	}
	if result.Ok {
		fmt.Fprintf(stdout, "OK: chain intact for session %s\n", *sessionID)
		return exitOK
	}
	fmt.Fprintf(stdout, "TAMPERED: chain broken at seq %d for session %s\n", result.BrokenAt, *sessionID)
	return exitUserError
}
